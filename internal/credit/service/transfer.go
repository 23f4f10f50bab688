package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	"github.com/smallbiznis/bizsuite/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	transferOperationCode   = "credits.transfer"
	transferOperationPrefix = "transfer:"
)

// Transfer moves credits from an entity down to one of its descendants. The
// debit follows the consume draw order and every drained allocation becomes an
// operational allocation on the target with the same credit type and expiry.
func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	ctx, span := startSpan(ctx, "credit.Transfer", req.TenantID)
	defer span.End()

	req.OperationID = strings.TrimSpace(req.OperationID)
	req.TargetApplication = strings.TrimSpace(req.TargetApplication)
	req.InitiatedBy = strings.TrimSpace(req.InitiatedBy)
	switch {
	case req.TenantID == 0:
		return nil, domain.NewValidationError("tenant_id", "is required")
	case req.FromEntityID == 0:
		return nil, domain.NewValidationError("from_entity_id", "is required")
	case req.ToEntityID == 0:
		return nil, domain.NewValidationError("to_entity_id", "is required")
	case req.FromEntityID == req.ToEntityID:
		return nil, domain.NewValidationError("to_entity_id", "must differ from the source entity")
	case req.Amount <= 0:
		return nil, domain.NewValidationError("amount", "must be positive")
	case req.OperationID == "":
		return nil, domain.NewValidationError("operation_id", "is required")
	}

	consume := domain.ConsumeRequest{
		TenantID:          req.TenantID,
		EntityID:          req.FromEntityID,
		TargetApplication: req.TargetApplication,
		Amount:            req.Amount,
		OperationCode:     transferOperationCode,
		OperationID:       transferOperationPrefix + req.OperationID,
		InitiatedBy:       req.InitiatedBy,
	}

	result, err := withRetry(ctx, s, func() (*domain.TransferResult, error) {
		var out *domain.TransferResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := s.transferTx(ctx, tx, req, consume)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
		if err != nil && db.IsDuplicateKeyErr(err) {
			// The next attempt replays the winner's transfer.
			return nil, domain.ErrConcurrentUpdate
		}
		return out, err
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) ||
			errors.Is(err, domain.ErrEntityNotFound) ||
			errors.Is(err, domain.ErrInsufficientCredits) {
			return nil, err
		}
		s.logger(ctx).Error("transfer failed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("operation_id", req.OperationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("transfer credits: %w", err)
	}

	if !result.Replayed {
		for _, allocation := range result.Allocations {
			s.metrics.RecordAllocation(ctx, string(allocation.AllocationType), string(allocation.CreditType), allocation.AllocatedCredits)
		}
	}
	return result, nil
}

func (s *Service) transferTx(ctx context.Context, tx *gorm.DB, req domain.TransferRequest, consume domain.ConsumeRequest) (*domain.TransferResult, error) {
	if _, err := s.resolveEntityTx(ctx, tx, req.TenantID, req.FromEntityID); err != nil {
		return nil, err
	}
	target, err := s.resolveEntityTx(ctx, tx, req.TenantID, req.ToEntityID)
	if err != nil {
		return nil, err
	}
	descendant, err := s.entities.IsDescendantTx(ctx, tx, req.TenantID, req.FromEntityID, target.ID)
	if err != nil {
		return nil, err
	}
	if !descendant {
		return nil, domain.NewValidationError("to_entity_id", "must be a descendant of the source entity")
	}

	debit, err := s.consumeTx(ctx, tx, consume, journaldomain.ReferenceTransfer)
	if err != nil {
		return nil, err
	}
	purpose := transferOperationPrefix + debit.ConsumptionID.String()

	if debit.Replayed {
		// The original transfer decides where the credits went.
		allocations, err := s.repo.FindAllocationsByPurpose(ctx, tx, req.TenantID, purpose)
		if err != nil {
			return nil, err
		}
		if len(allocations) > 0 && allocations[0].SourceEntityID != target.ID {
			s.logger(ctx).Warn("transfer replayed with a different target",
				zap.String("operation_id", req.OperationID),
				zap.String("stored_target_id", allocations[0].SourceEntityID.String()),
				zap.String("requested_target_id", target.ID.String()),
			)
		}
		return &domain.TransferResult{Consumption: *debit, Allocations: allocations, Replayed: true}, nil
	}

	allocations := make([]domain.Allocation, 0, len(debit.Lines))
	for _, line := range debit.Lines {
		allocation, err := s.AllocateTx(ctx, tx, domain.AllocateRequest{
			TenantID:          req.TenantID,
			EntityID:          target.ID,
			TargetApplication: req.TargetApplication,
			Amount:            line.Amount,
			CreditType:        line.CreditType,
			AllocationType:    domain.AllocationTypeOperational,
			Purpose:           purpose,
			AllocatedBy:       req.InitiatedBy,
			ExpiresAt:         line.ExpiresAt,
			ReferenceType:     journaldomain.ReferenceTransfer,
			ReferenceID:       debit.ConsumptionID.String(),
		})
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, *allocation)
	}

	s.logger(ctx).Info("credits transferred",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("from_entity_id", req.FromEntityID.String()),
		zap.String("to_entity_id", target.ID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int("allocations", len(allocations)),
	)
	return &domain.TransferResult{Consumption: *debit, Allocations: allocations}, nil
}
