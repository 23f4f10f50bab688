package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GetBalance sums active, unexpired allocations. Reads go straight to the
// database so a committed write is visible to the next call.
func (s *Service) GetBalance(ctx context.Context, req domain.BalanceRequest) (*domain.Balance, error) {
	if req.TenantID == 0 {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	req.TargetApplication = strings.TrimSpace(req.TargetApplication)
	now := s.now()

	if req.EntityID == 0 {
		return s.sumBalance(ctx, s.db, domain.BalanceFilter{
			TenantID:          req.TenantID,
			TargetApplication: req.TargetApplication,
			Now:               now,
		})
	}

	entity, err := s.resolveEntityTx(ctx, s.db, req.TenantID, req.EntityID)
	if err != nil {
		return nil, err
	}
	balance, err := s.sumBalance(ctx, s.db, domain.BalanceFilter{
		TenantID:          req.TenantID,
		EntityID:          entity.ID,
		TargetApplication: req.TargetApplication,
		Now:               now,
	})
	if err != nil {
		return nil, err
	}
	if balance.AvailableCredits > 0 || !req.AllowFallback {
		return balance, nil
	}
	if !s.policy.Get().AllowBalanceFallback {
		s.logger(ctx).Debug("balance fallback requested but disabled by policy",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("entity_id", entity.ID.String()),
		)
		return balance, nil
	}

	tenantBalance, err := s.sumBalance(ctx, s.db, domain.BalanceFilter{
		TenantID:          req.TenantID,
		TargetApplication: req.TargetApplication,
		Now:               now,
	})
	if err != nil {
		return nil, err
	}
	tenantBalance.FallbackApplied = true

	s.metrics.RecordBalanceFallback(ctx)
	s.logger(ctx).Info("balance fell back to tenant scope",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("entity_id", entity.ID.String()),
		zap.String("requested_scope", string(domain.BalanceScopeEntity)),
		zap.String("applied_scope", string(domain.BalanceScopeTenant)),
		zap.Int64("entity_available", balance.AvailableCredits),
		zap.Int64("tenant_available", tenantBalance.AvailableCredits),
	)
	return tenantBalance, nil
}

func (s *Service) sumBalance(ctx context.Context, conn *gorm.DB, filter domain.BalanceFilter) (*domain.Balance, error) {
	rows, err := s.repo.SumBalance(ctx, conn, filter)
	if err != nil {
		return nil, err
	}
	nearest, err := s.repo.NearestExpiry(ctx, conn, filter)
	if err != nil {
		return nil, err
	}

	balance := &domain.Balance{
		TenantID:      filter.TenantID,
		NearestExpiry: nearest,
		Scope:         domain.BalanceScopeTenant,
	}
	if filter.EntityID != 0 {
		entityID := filter.EntityID
		balance.EntityID = &entityID
		balance.Scope = domain.BalanceScopeEntity
	}
	for _, row := range rows {
		switch row.CreditType {
		case domain.CreditTypeFree:
			balance.FreeCredits += row.AvailableCredits
		case domain.CreditTypePaid:
			balance.PaidCredits += row.AvailableCredits
		}
		balance.TotalCredits += row.AllocatedCredits
	}
	balance.AvailableCredits = balance.FreeCredits + balance.PaidCredits
	return balance, nil
}
