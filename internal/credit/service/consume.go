package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	"github.com/smallbiznis/bizsuite/internal/events"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"github.com/smallbiznis/bizsuite/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (*domain.ConsumeResult, error) {
	started := time.Now()
	ctx, span := startSpan(ctx, "credit.Consume", req.TenantID,
		attribute.String("operation_code", req.OperationCode),
	)
	defer span.End()

	req, err := normalizeConsumeRequest(req)
	if err != nil {
		s.metrics.RecordConsumption(ctx, req.OperationCode, obsmetrics.OutcomeInvalid, req.Amount, time.Since(started))
		return nil, err
	}

	result, err := withRetry(ctx, s, func() (*domain.ConsumeResult, error) {
		return s.consumeOnce(ctx, req, journaldomain.ReferenceConsumption)
	})

	outcome := outcomeFor(err)
	if err == nil && result.Replayed {
		outcome = obsmetrics.OutcomeReplay
	}
	s.metrics.RecordConsumption(ctx, req.OperationCode, outcome, req.Amount, time.Since(started))

	if err != nil {
		var insufficient *domain.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			s.logger(ctx).Info("insufficient credits",
				zap.String("tenant_id", req.TenantID.String()),
				zap.String("entity_id", req.EntityID.String()),
				zap.String("operation_code", req.OperationCode),
				zap.String("operation_id", req.OperationID),
				zap.Int64("required", insufficient.Required),
				zap.Int64("available", insufficient.Available),
			)
			return nil, err
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrEntityNotFound):
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger(ctx).Error("consume failed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("operation_id", req.OperationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("consume credits: %w", err)
	}

	span.SetAttributes(attribute.Bool("replayed", result.Replayed))
	return result, nil
}

// consumeOnce runs one transaction attempt. Losing the unique-index race to a
// concurrent call with the same operation id is reported as a replay.
func (s *Service) consumeOnce(ctx context.Context, req domain.ConsumeRequest, referenceType string) (*domain.ConsumeResult, error) {
	var result *domain.ConsumeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := s.consumeTx(ctx, tx, req, referenceType)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		replay, replayErr := s.loadReplay(ctx, s.db, req)
		if replayErr != nil {
			return nil, replayErr
		}
		if replay != nil {
			return replay, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) consumeTx(ctx context.Context, tx *gorm.DB, req domain.ConsumeRequest, referenceType string) (*domain.ConsumeResult, error) {
	replay, err := s.loadReplay(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	entity, err := s.resolveEntityTx(ctx, tx, req.TenantID, req.EntityID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	locked, err := s.repo.LockCandidates(ctx, tx, domain.CandidateFilter{
		TenantID:          req.TenantID,
		EntityID:          entity.ID,
		TargetApplication: req.TargetApplication,
		Now:               now,
	})
	if err != nil {
		return nil, err
	}

	candidates := s.permittedCandidates(ctx, locked, req.OperationCode, now)
	sortCandidates(candidates)

	var available int64
	for _, candidate := range candidates {
		available += candidate.AvailableCredits
	}
	if available < req.Amount {
		return nil, &domain.InsufficientCreditsError{Required: req.Amount, Available: available}
	}

	consumption := &domain.ConsumptionTransaction{
		ID:                s.genID.Generate(),
		TenantID:          req.TenantID,
		EntityID:          entity.ID,
		TargetApplication: optionalString(req.TargetApplication),
		Amount:            req.Amount,
		RemainingCredits:  available - req.Amount,
		OperationCode:     req.OperationCode,
		OperationID:       req.OperationID,
		InitiatedBy:       req.InitiatedBy,
		CreatedAt:         now,
	}

	lines := make([]domain.ConsumeLine, 0, 1)
	outstanding := req.Amount
	for _, candidate := range candidates {
		if outstanding == 0 {
			break
		}
		take := candidate.AvailableCredits
		if take > outstanding {
			take = outstanding
		}

		ok, err := s.repo.DebitAllocation(ctx, tx, candidate.ID, take, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrConcurrentUpdate
		}

		consumption.Lines = append(consumption.Lines, domain.ConsumptionLine{
			ID:            s.genID.Generate(),
			ConsumptionID: consumption.ID,
			AllocationID:  candidate.ID,
			Amount:        take,
			CreatedAt:     now,
		})
		lines = append(lines, domain.ConsumeLine{
			AllocationID: candidate.ID,
			CreditType:   candidate.CreditType,
			Amount:       take,
			ExpiresAt:    candidate.ExpiresAt,
		})
		outstanding -= take
	}
	consumption.AllocationID = consumption.Lines[0].AllocationID

	if err := s.repo.InsertConsumption(ctx, tx, consumption); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(map[string]string{
		"operation_code": req.OperationCode,
		"operation_id":   req.OperationID,
	})
	if err != nil {
		return nil, err
	}
	entries := make([]*journaldomain.Entry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, &journaldomain.Entry{
			TenantID:      req.TenantID,
			EntityID:      entity.ID,
			AllocationID:  line.AllocationID,
			Kind:          journaldomain.KindConsumed,
			Amount:        line.Amount,
			ReferenceType: referenceType,
			ReferenceID:   consumption.ID.String(),
			Actor:         req.InitiatedBy,
			Metadata:      datatypes.JSON(metadata),
			OccurredAt:    now,
		})
	}
	if err := s.journal.Append(ctx, tx, entries...); err != nil {
		return nil, err
	}

	result := &domain.ConsumeResult{
		ConsumptionID:    consumption.ID,
		AllocationID:     consumption.AllocationID,
		ConsumedCredits:  consumption.Amount,
		RemainingCredits: consumption.RemainingCredits,
		Lines:            lines,
	}

	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		TenantID:  req.TenantID,
		Type:      events.EventCreditConsumed,
		DedupeKey: events.EventCreditConsumed + ":" + consumption.ID.String(),
		Payload:   consumptionPayload(consumption, lines),
	}); err != nil {
		return nil, err
	}

	s.logger(ctx).Debug("credits consumed",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("entity_id", entity.ID.String()),
		zap.String("consumption_id", consumption.ID.String()),
		zap.String("operation_code", req.OperationCode),
		zap.Int64("amount", req.Amount),
		zap.Int("allocations", len(lines)),
		zap.Int64("remaining", consumption.RemainingCredits),
	)
	return result, nil
}

// loadReplay returns the stored result for the operation id, or nil when the
// operation has not been processed yet.
func (s *Service) loadReplay(ctx context.Context, conn *gorm.DB, req domain.ConsumeRequest) (*domain.ConsumeResult, error) {
	existing, err := s.repo.FindConsumption(ctx, conn, req.TenantID, req.OperationID)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.Amount != req.Amount || existing.OperationCode != req.OperationCode {
		s.logger(ctx).Warn("operation id reused with different parameters",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("operation_id", req.OperationID),
			zap.Int64("stored_amount", existing.Amount),
			zap.Int64("requested_amount", req.Amount),
		)
	}

	ids := make([]snowflake.ID, 0, len(existing.Lines))
	for _, line := range existing.Lines {
		ids = append(ids, line.AllocationID)
	}
	allocations, err := s.repo.FindAllocationsByIDs(ctx, conn, req.TenantID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]domain.Allocation, len(allocations))
	for _, allocation := range allocations {
		byID[allocation.ID] = allocation
	}

	lines := make([]domain.ConsumeLine, 0, len(existing.Lines))
	for _, line := range existing.Lines {
		allocation := byID[line.AllocationID]
		lines = append(lines, domain.ConsumeLine{
			AllocationID: line.AllocationID,
			CreditType:   allocation.CreditType,
			Amount:       line.Amount,
			ExpiresAt:    allocation.ExpiresAt,
		})
	}

	return &domain.ConsumeResult{
		ConsumptionID:    existing.ID,
		AllocationID:     existing.AllocationID,
		ConsumedCredits:  existing.Amount,
		RemainingCredits: existing.RemainingCredits,
		Lines:            lines,
		Replayed:         true,
	}, nil
}

func (s *Service) permittedCandidates(ctx context.Context, locked []domain.Allocation, operationCode string, now time.Time) []domain.Allocation {
	candidates := make([]domain.Allocation, 0, len(locked))
	for _, allocation := range locked {
		if !allocation.Spendable(now) {
			continue
		}
		restrictions, err := domain.ParseRestrictions(allocation.Restrictions)
		if err != nil {
			s.logger(ctx).Warn("skipping allocation with unreadable restrictions",
				zap.String("allocation_id", allocation.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !restrictions.Permits(operationCode) {
			continue
		}
		candidates = append(candidates, allocation)
	}
	return candidates
}

// sortCandidates orders allocations in draw order: free before paid, soonest
// expiry first with non-expiring last, oldest grant first, then id.
func sortCandidates(candidates []domain.Allocation) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CreditType != b.CreditType {
			return a.CreditType == domain.CreditTypeFree
		}
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.AllocatedAt.Equal(b.AllocatedAt) {
			return a.AllocatedAt.Before(b.AllocatedAt)
		}
		return a.ID < b.ID
	})
}

func normalizeConsumeRequest(req domain.ConsumeRequest) (domain.ConsumeRequest, error) {
	req.OperationCode = strings.TrimSpace(req.OperationCode)
	req.OperationID = strings.TrimSpace(req.OperationID)
	req.TargetApplication = strings.TrimSpace(req.TargetApplication)
	req.InitiatedBy = strings.TrimSpace(req.InitiatedBy)

	switch {
	case req.TenantID == 0:
		return req, domain.NewValidationError("tenant_id", "is required")
	case req.Amount <= 0:
		return req, domain.NewValidationError("amount", "must be positive")
	case req.OperationCode == "":
		return req, domain.NewValidationError("operation_code", "is required")
	case req.OperationID == "":
		return req, domain.NewValidationError("operation_id", "is required")
	}
	return req, nil
}

func consumptionPayload(c *domain.ConsumptionTransaction, lines []domain.ConsumeLine) map[string]any {
	payload := map[string]any{
		"consumption_id":    c.ID.String(),
		"allocation_id":     c.AllocationID.String(),
		"entity_id":         c.EntityID.String(),
		"operation_code":    c.OperationCode,
		"operation_id":      c.OperationID,
		"amount":            c.Amount,
		"remaining_credits": c.RemainingCredits,
		"lines":             lines,
	}
	if c.TargetApplication != nil {
		payload["target_application"] = *c.TargetApplication
	}
	return payload
}
