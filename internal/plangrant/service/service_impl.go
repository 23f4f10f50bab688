package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/config"
	creditdomain "github.com/smallbiznis/bizsuite/internal/credit/domain"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"github.com/smallbiznis/bizsuite/internal/plangrant/domain"
	"github.com/smallbiznis/bizsuite/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.CreditPolicyHolder
	Repo    domain.Repository
	Credits creditdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.CreditPolicyHolder
	repo    domain.Repository
	credits creditdomain.Service
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("plangrant.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		repo:    p.Repo,
		credits: p.Credits,
		metrics: p.Metrics,
	}
}

// ActivatePlan grants the plan's one-off activation credits as a bulk
// allocation on the tenant root.
func (s *Service) ActivatePlan(ctx context.Context, tenantID snowflake.ID, planCode string) (*domain.GrantResult, error) {
	return s.grant(ctx, tenantID, planCode, domain.PeriodActivation, creditdomain.AllocationTypeBulk)
}

func (s *Service) ActivatePlanTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planCode string) error {
	_, err := s.grantTx(ctx, tx, tenantID, planCode, domain.PeriodActivation, creditdomain.AllocationTypeBulk)
	return err
}

// RenewPeriod grants the plan's credits for one billing period. The period
// key is chosen by the caller, e.g. "2026-10".
func (s *Service) RenewPeriod(ctx context.Context, tenantID snowflake.ID, planCode, periodKey string) (*domain.GrantResult, error) {
	periodKey = strings.TrimSpace(periodKey)
	if periodKey == "" || periodKey == domain.PeriodActivation {
		return nil, domain.ErrInvalidPeriodKey
	}
	return s.grant(ctx, tenantID, planCode, periodKey, creditdomain.AllocationTypeSubscription)
}

func (s *Service) grant(ctx context.Context, tenantID snowflake.ID, planCode, periodKey string, allocationType creditdomain.AllocationType) (*domain.GrantResult, error) {
	var result *domain.GrantResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := s.grantTx(ctx, tx, tenantID, planCode, periodKey, allocationType)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		existing, findErr := s.repo.FindByPeriod(ctx, s.db, tenantID, normalizePlan(planCode), periodKey)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return &domain.GrantResult{Grant: *existing, Replayed: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if !result.Replayed && result.Allocation != nil {
		s.metrics.RecordAllocation(ctx, string(result.Allocation.AllocationType), string(result.Allocation.CreditType), result.Allocation.AllocatedCredits)
	}
	return result, nil
}

func (s *Service) grantTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planCode, periodKey string, allocationType creditdomain.AllocationType) (*domain.GrantResult, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	planCode = normalizePlan(planCode)
	if planCode == "" {
		return nil, domain.ErrInvalidPlan
	}
	plan, ok := s.policy.Get().Plan(planCode)
	if !ok {
		return nil, domain.ErrUnknownPlan
	}

	existing, err := s.repo.FindByPeriod(ctx, tx, tenantID, planCode, periodKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &domain.GrantResult{Grant: *existing, Replayed: true}, nil
	}

	now := s.clock.Now().UTC()
	grant := domain.Grant{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		PlanCode:  planCode,
		PeriodKey: periodKey,
		CreatedAt: now,
	}

	creditType := creditdomain.CreditType(strings.ToLower(strings.TrimSpace(plan.CreditType)))
	if creditType == "" {
		creditType = creditdomain.CreditTypeFree
	}
	req := creditdomain.AllocateRequest{
		TenantID:          tenantID,
		TargetApplication: plan.TargetApplication,
		Amount:            plan.Credits,
		CreditType:        creditType,
		AllocationType:    allocationType,
		Purpose:           "plan " + planCode + " " + periodKey,
		AllocatedBy:       "plan",
		ReferenceType:     journaldomain.ReferencePlanGrant,
		ReferenceID:       grant.ID.String(),
	}
	if plan.ExpiryDays > 0 {
		expiresAt := now.AddDate(0, 0, plan.ExpiryDays)
		req.ExpiresAt = &expiresAt
	}

	allocation, err := s.credits.AllocateTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	grant.AllocationID = allocation.ID

	if err := s.repo.Insert(ctx, tx, &grant); err != nil {
		return nil, err
	}

	s.log.Info("plan credits granted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan_code", planCode),
		zap.String("period_key", periodKey),
		zap.Int64("credits", allocation.AllocatedCredits),
	)
	return &domain.GrantResult{Grant: grant, Allocation: allocation}, nil
}

func normalizePlan(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
