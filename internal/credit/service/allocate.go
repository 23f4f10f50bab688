package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	"github.com/smallbiznis/bizsuite/internal/events"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) Allocate(ctx context.Context, req domain.AllocateRequest) (*domain.Allocation, error) {
	ctx, span := startSpan(ctx, "credit.Allocate", req.TenantID,
		attribute.String("allocation_type", string(req.AllocationType)),
		attribute.String("credit_type", string(req.CreditType)),
	)
	defer span.End()

	var allocation *domain.Allocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := s.AllocateTx(ctx, tx, req)
		if err != nil {
			return err
		}
		allocation = created
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.RecordAllocation(ctx, string(allocation.AllocationType), string(allocation.CreditType), allocation.AllocatedCredits)
	return allocation, nil
}

func (s *Service) AllocateTx(ctx context.Context, tx *gorm.DB, req domain.AllocateRequest) (*domain.Allocation, error) {
	if tx == nil {
		return nil, domain.NewValidationError("tx", "is required")
	}
	now := s.now()

	if req.TenantID == 0 {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if req.Amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	creditType, ok := domain.ParseCreditType(strings.TrimSpace(string(req.CreditType)))
	if !ok {
		return nil, domain.NewValidationError("credit_type", "must be free or paid")
	}
	allocationType, ok := domain.ParseAllocationType(strings.TrimSpace(string(req.AllocationType)))
	if !ok {
		return nil, domain.NewValidationError("allocation_type", "must be bulk, subscription or operational")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, domain.NewValidationError("expires_at", "must be in the future")
	}
	restrictions, err := domain.ParseRestrictions(req.Restrictions)
	if err != nil {
		return nil, err
	}

	entity, err := s.resolveEntityTx(ctx, tx, req.TenantID, req.EntityID)
	if err != nil {
		return nil, err
	}

	allocation := &domain.Allocation{
		ID:                s.genID.Generate(),
		TenantID:          req.TenantID,
		SourceEntityID:    entity.ID,
		TargetApplication: optionalString(req.TargetApplication),
		CreditType:        creditType,
		AllocationType:    allocationType,
		AllocatedCredits:  req.Amount,
		UsedCredits:       0,
		AvailableCredits:  req.Amount,
		AllocatedAt:       now,
		IsActive:          true,
		Purpose:           strings.TrimSpace(req.Purpose),
		AllocatedBy:       strings.TrimSpace(req.AllocatedBy),
		Restrictions:      restrictions.JSON(),
		UpdatedAt:         now,
	}
	if req.ExpiresAt != nil {
		expiresAt := req.ExpiresAt.UTC()
		allocation.ExpiresAt = &expiresAt
	}

	if err := s.repo.InsertAllocation(ctx, tx, allocation); err != nil {
		s.logger(ctx).Error("failed to insert allocation",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("entity_id", entity.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	referenceType := strings.TrimSpace(req.ReferenceType)
	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceType == "" {
		referenceType = journaldomain.ReferenceAllocation
		referenceID = allocation.ID.String()
	}
	if err := s.journal.Append(ctx, tx, &journaldomain.Entry{
		TenantID:      allocation.TenantID,
		EntityID:      allocation.SourceEntityID,
		AllocationID:  allocation.ID,
		Kind:          journaldomain.KindAllocated,
		Amount:        allocation.AllocatedCredits,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Actor:         allocation.AllocatedBy,
		OccurredAt:    now,
	}); err != nil {
		return nil, err
	}

	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		TenantID:  allocation.TenantID,
		Type:      events.EventCreditAllocated,
		DedupeKey: events.EventCreditAllocated + ":" + allocation.ID.String(),
		Payload:   allocationPayload(allocation, referenceType, referenceID),
	}); err != nil {
		return nil, err
	}

	s.logger(ctx).Info("credits allocated",
		zap.String("tenant_id", allocation.TenantID.String()),
		zap.String("entity_id", allocation.SourceEntityID.String()),
		zap.String("allocation_id", allocation.ID.String()),
		zap.String("allocation_type", string(allocation.AllocationType)),
		zap.String("credit_type", string(allocation.CreditType)),
		zap.Int64("amount", allocation.AllocatedCredits),
	)
	return allocation, nil
}

func (s *Service) GetAllocation(ctx context.Context, tenantID, allocationID snowflake.ID) (*domain.Allocation, error) {
	if tenantID == 0 {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if allocationID == 0 {
		return nil, domain.NewValidationError("allocation_id", "is required")
	}
	allocation, err := s.repo.FindAllocation(ctx, s.db, tenantID, allocationID)
	if err != nil {
		return nil, err
	}
	if allocation == nil {
		return nil, domain.NewValidationError("allocation_id", "not found")
	}
	return allocation, nil
}

func allocationPayload(a *domain.Allocation, referenceType, referenceID string) map[string]any {
	payload := map[string]any{
		"allocation_id":   a.ID.String(),
		"entity_id":       a.SourceEntityID.String(),
		"credit_type":     string(a.CreditType),
		"allocation_type": string(a.AllocationType),
		"amount":          a.AllocatedCredits,
		"allocated_at":    a.AllocatedAt,
		"reference_type":  referenceType,
		"reference_id":    referenceID,
	}
	if a.TargetApplication != nil {
		payload["target_application"] = *a.TargetApplication
	}
	if a.ExpiresAt != nil {
		payload["expires_at"] = *a.ExpiresAt
	}
	return payload
}
