package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/bizsuite/internal/clock"
	entitydomain "github.com/smallbiznis/bizsuite/internal/entity/domain"
	"github.com/smallbiznis/bizsuite/internal/tenant/domain"
	"github.com/smallbiznis/bizsuite/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Entities entitydomain.Resolver
	Plans    domain.PlanActivator `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	entities entitydomain.Resolver
	plans    domain.PlanActivator
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("tenant.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		entities: p.Entities,
		plans:    p.Plans,
	}
}

// Create registers a tenant together with its root organization entity and,
// when a plan is given, its activation grant. All three commit atomically.
func (s *Service) Create(ctx context.Context, req domain.CreateTenantRequest) (*domain.CreateTenantResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	planCode := strings.ToLower(strings.TrimSpace(req.PlanCode))

	id := req.ID
	if id == 0 {
		id = s.genID.Generate()
	}
	now := s.clock.Now().UTC()
	tenant := domain.Tenant{
		ID:        id,
		Name:      name,
		PlanCode:  planCode,
		Status:    domain.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var root *entitydomain.Entity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenantSlug, err := s.uniqueSlug(ctx, tx, name, id)
		if err != nil {
			return err
		}
		tenant.Slug = tenantSlug

		if err := s.repo.Insert(ctx, tx, &tenant); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrSlugTaken
			}
			return err
		}

		root, err = s.entities.EnsureRootTx(ctx, tx, tenant.ID, name)
		if err != nil {
			return err
		}

		if planCode != "" && s.plans != nil {
			if err := s.plans.ActivatePlanTx(ctx, tx, tenant.ID, planCode); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tenant created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("slug", tenant.Slug),
		zap.String("plan_code", tenant.PlanCode),
	)
	return &domain.CreateTenantResponse{Tenant: tenant, RootEntity: *root}, nil
}

func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*domain.Tenant, error) {
	tenant, err := s.repo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domain.ErrTenantNotFound
	}
	return tenant, nil
}

// ChangePlan switches the tenant's plan and grants the new plan's activation
// credits. Switching back to a plan that was already activated grants nothing.
func (s *Service) ChangePlan(ctx context.Context, tenantID snowflake.ID, planCode string) (*domain.Tenant, error) {
	planCode = strings.ToLower(strings.TrimSpace(planCode))

	var updated *domain.Tenant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := s.repo.FindByID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return domain.ErrTenantNotFound
		}
		if !tenant.IsActive() {
			return domain.ErrTenantInactive
		}

		tenant.PlanCode = planCode
		tenant.UpdatedAt = s.clock.Now().UTC()
		if err := s.repo.UpdatePlan(ctx, tx, tenant); err != nil {
			return err
		}
		if planCode != "" && s.plans != nil {
			if err := s.plans.ActivatePlanTx(ctx, tx, tenant.ID, planCode); err != nil {
				return err
			}
		}
		updated = tenant
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tenant plan changed",
		zap.String("tenant_id", updated.ID.String()),
		zap.String("plan_code", updated.PlanCode),
	)
	return updated, nil
}

func (s *Service) SetStatus(ctx context.Context, tenantID snowflake.ID, status domain.Status) (*domain.Tenant, error) {
	if _, ok := domain.ParseStatus(string(status)); !ok {
		return nil, domain.ErrInvalidStatus
	}
	tenant, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status == status {
		return tenant, nil
	}

	tenant.Status = status
	tenant.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, s.db, tenant); err != nil {
		return nil, err
	}
	s.log.Info("tenant status changed",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("status", string(status)),
	)
	return tenant, nil
}

func (s *Service) uniqueSlug(ctx context.Context, tx *gorm.DB, name string, id snowflake.ID) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "tenant"
	}
	existing, err := s.repo.FindBySlug(ctx, tx, base)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return base, nil
	}
	return base + "-" + id.Base36(), nil
}

