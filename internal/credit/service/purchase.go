package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"github.com/smallbiznis/bizsuite/pkg/db/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

var errPurchaseOwnedElsewhere = domain.NewValidationError("external_transaction_id", "belongs to another tenant")

// CompletePurchase turns a captured external payment into paid credits
// exactly once per external transaction id.
func (s *Service) CompletePurchase(ctx context.Context, req domain.PurchaseRequest) (*domain.PurchaseResult, error) {
	ctx, span := startSpan(ctx, "credit.CompletePurchase", req.TenantID,
		attribute.String("external_transaction_id", req.ExternalTransactionID),
	)
	defer span.End()

	req, err := normalizePurchaseRequest(req, s.now())
	if err != nil {
		s.metrics.RecordPurchase(ctx, obsmetrics.OutcomeInvalid)
		return nil, err
	}

	var result *domain.PurchaseResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := s.completePurchaseTx(ctx, tx, req)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err == nil {
		outcome := obsmetrics.OutcomeReplay
		if !result.Replayed {
			outcome = obsmetrics.OutcomeSuccess
			s.metrics.RecordAllocation(ctx, string(result.Allocation.AllocationType), string(result.Allocation.CreditType), result.Allocation.AllocatedCredits)
		}
		s.metrics.RecordPurchase(ctx, outcome)
		return result, nil
	}

	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		s.metrics.RecordPurchase(ctx, obsmetrics.OutcomeInvalid)
		return nil, err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.recordFailedPurchase(ctx, req, err)
	s.metrics.RecordPurchase(ctx, obsmetrics.OutcomeError)
	s.logger(ctx).Error("purchase could not be granted",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("external_transaction_id", req.ExternalTransactionID),
		zap.Int64("credit_amount", req.CreditAmount),
		zap.Error(err),
	)
	return nil, &domain.PurchaseProcessingError{
		ExternalTransactionID: req.ExternalTransactionID,
		Err:                   err,
	}
}

func (s *Service) completePurchaseTx(ctx context.Context, tx *gorm.DB, req domain.PurchaseRequest) (*domain.PurchaseResult, error) {
	now := s.now()

	// Ownership is settled before anything that can fail for the caller's own
	// reasons, so a foreign tenant never touches the owner's record.
	existing, err := s.repo.FindPurchase(ctx, tx, req.ExternalTransactionID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.TenantID != req.TenantID {
		return nil, errPurchaseOwnedElsewhere
	}

	entity, err := s.resolveEntityTx(ctx, tx, req.TenantID, req.EntityID)
	if err != nil {
		return nil, err
	}
	entityID := entity.ID

	if _, err := s.repo.InsertPendingPurchase(ctx, tx, &domain.PurchaseRecord{
		ID:                    s.genID.Generate(),
		TenantID:              req.TenantID,
		EntityID:              &entityID,
		ExternalTransactionID: req.ExternalTransactionID,
		CreditAmount:          req.CreditAmount,
		CreditType:            req.CreditType,
		Status:                domain.PurchaseStatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}); err != nil {
		return nil, err
	}

	purchase, err := s.repo.LockPurchase(ctx, tx, req.ExternalTransactionID)
	if err != nil {
		return nil, err
	}
	if purchase == nil {
		return nil, errors.New("purchase record vanished after insert")
	}
	if purchase.TenantID != req.TenantID {
		return nil, errPurchaseOwnedElsewhere
	}

	if purchase.Status == domain.PurchaseStatusCompleted && purchase.AllocationID != nil {
		allocation, err := s.repo.FindAllocation(ctx, tx, purchase.TenantID, *purchase.AllocationID)
		if err != nil {
			return nil, err
		}
		if allocation == nil {
			return nil, errors.New("completed purchase references a missing allocation")
		}
		if purchase.CreditAmount != req.CreditAmount {
			s.logger(ctx).Warn("purchase replayed with a different amount",
				zap.String("external_transaction_id", req.ExternalTransactionID),
				zap.Int64("stored_amount", purchase.CreditAmount),
				zap.Int64("requested_amount", req.CreditAmount),
			)
		}
		return &domain.PurchaseResult{Purchase: *purchase, Allocation: *allocation, Replayed: true}, nil
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		if days := s.policy.Get().PurchaseExpiryDays; days > 0 {
			expiry := now.AddDate(0, 0, days)
			expiresAt = &expiry
		}
	}

	allocation, err := s.AllocateTx(ctx, tx, domain.AllocateRequest{
		TenantID:          req.TenantID,
		EntityID:          entityID,
		TargetApplication: req.TargetApplication,
		Amount:            purchase.CreditAmount,
		CreditType:        purchase.CreditType,
		AllocationType:    domain.AllocationTypeBulk,
		Purpose:           "purchase " + req.ExternalTransactionID,
		AllocatedBy:       "purchase",
		ExpiresAt:         expiresAt,
		ReferenceType:     journaldomain.ReferencePurchase,
		ReferenceID:       req.ExternalTransactionID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.MarkPurchaseCompleted(ctx, tx, purchase.ID, allocation.ID, now); err != nil {
		return nil, err
	}
	allocationID := allocation.ID
	purchase.Status = domain.PurchaseStatusCompleted
	purchase.AllocationID = &allocationID
	purchase.FailureReason = nil
	purchase.UpdatedAt = now

	s.logger(ctx).Info("purchase completed",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("external_transaction_id", req.ExternalTransactionID),
		zap.String("allocation_id", allocation.ID.String()),
		zap.Int64("credit_amount", purchase.CreditAmount),
	)
	return &domain.PurchaseResult{Purchase: *purchase, Allocation: *allocation}, nil
}

// recordFailedPurchase runs outside the rolled back transaction so the
// failure survives for reconciliation.
func (s *Service) recordFailedPurchase(ctx context.Context, req domain.PurchaseRequest, cause error) {
	now := s.now()
	reason := cause.Error()
	record := &domain.PurchaseRecord{
		ID:                    s.genID.Generate(),
		TenantID:              req.TenantID,
		ExternalTransactionID: req.ExternalTransactionID,
		CreditAmount:          req.CreditAmount,
		CreditType:            req.CreditType,
		Status:                domain.PurchaseStatusFailed,
		FailureReason:         &reason,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.EntityID != 0 {
		entityID := req.EntityID
		record.EntityID = &entityID
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.repo.RecordFailedPurchase(writeCtx, s.db, record); err != nil {
		s.logger(ctx).Error("failed to persist failed purchase",
			zap.String("external_transaction_id", req.ExternalTransactionID),
			zap.Error(err),
		)
	}
}

func (s *Service) ListPurchases(ctx context.Context, req domain.ListPurchasesRequest) (domain.ListPurchasesResponse, error) {
	if req.TenantID == 0 {
		return domain.ListPurchasesResponse{}, domain.NewValidationError("tenant_id", "is required")
	}

	var status domain.PurchaseStatus
	if raw := strings.TrimSpace(req.Status); raw != "" {
		switch domain.PurchaseStatus(raw) {
		case domain.PurchaseStatusPending, domain.PurchaseStatusCompleted, domain.PurchaseStatusFailed:
			status = domain.PurchaseStatus(raw)
		default:
			return domain.ListPurchasesResponse{}, domain.NewValidationError("status", "must be pending, completed or failed")
		}
	}

	var cursor *domain.PurchaseCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListPurchasesResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListPurchasesResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListPurchasesResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.PurchaseCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	items, err := s.repo.ListPurchases(ctx, s.db, domain.PurchaseFilter{
		TenantID: req.TenantID,
		Status:   status,
		Cursor:   cursor,
		Limit:    pageSize,
	})
	if err != nil {
		return domain.ListPurchasesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *domain.PurchaseRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore {
		items = items[:pageSize]
	} else {
		pageInfo.NextPageToken = ""
	}

	resp := domain.ListPurchasesResponse{
		PageInfo:  *pageInfo,
		Purchases: make([]domain.PurchaseRecord, 0, len(items)),
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		resp.Purchases = append(resp.Purchases, *item)
	}
	return resp, nil
}

func normalizePurchaseRequest(req domain.PurchaseRequest, now time.Time) (domain.PurchaseRequest, error) {
	req.ExternalTransactionID = strings.TrimSpace(req.ExternalTransactionID)
	req.TargetApplication = strings.TrimSpace(req.TargetApplication)
	if req.TenantID == 0 {
		return req, domain.NewValidationError("tenant_id", "is required")
	}
	if req.ExternalTransactionID == "" {
		return req, domain.NewValidationError("external_transaction_id", "is required")
	}
	if req.CreditAmount <= 0 {
		return req, domain.NewValidationError("credit_amount", "must be positive")
	}
	if strings.TrimSpace(string(req.CreditType)) == "" {
		req.CreditType = domain.CreditTypePaid
	}
	creditType, ok := domain.ParseCreditType(strings.TrimSpace(string(req.CreditType)))
	if !ok {
		return req, domain.NewValidationError("credit_type", "must be free or paid")
	}
	req.CreditType = creditType
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return req, domain.NewValidationError("expires_at", "must be in the future")
	}
	return req, nil
}
