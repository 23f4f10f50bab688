package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/entity/domain"
	"github.com/smallbiznis/bizsuite/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Resolver {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entity.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateEntityRequest) (*domain.Entity, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	entityType, ok := domain.ParseEntityType(req.EntityType)
	if !ok || entityType == domain.EntityTypeOrganization {
		// organizations are only created as tenant roots
		return nil, domain.ErrInvalidEntityType
	}
	if req.ParentEntityID == 0 {
		return nil, domain.ErrInvalidParent
	}

	var created *domain.Entity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := s.repo.FindByID(ctx, tx, req.TenantID, req.ParentEntityID)
		if err != nil {
			return err
		}
		if parent == nil {
			return domain.ErrInvalidParent
		}

		id := s.genID.Generate()
		entitySlug := makeSlug(name, id)
		parentID := parent.ID
		entity := &domain.Entity{
			ID:             id,
			TenantID:       req.TenantID,
			ParentEntityID: &parentID,
			EntityType:     entityType,
			Name:           name,
			Slug:           entitySlug,
			Path:           parent.Path + "/" + entitySlug,
			CreatedAt:      s.now(),
		}
		if err := s.repo.Insert(ctx, tx, entity); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateEntity
			}
			return err
		}
		created = entity
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("entity created",
		zap.String("tenant_id", created.TenantID.String()),
		zap.String("entity_id", created.ID.String()),
		zap.String("path", created.Path),
	)
	return created, nil
}

// EnsureRootTx returns the tenant's default organization entity, creating it
// when missing. The partial unique index on (tenant_id) WHERE is_default keeps
// concurrent callers from creating two roots.
func (s *Service) EnsureRootTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, name string) (*domain.Entity, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	existing, err := s.repo.FindRoot(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	id := s.genID.Generate()
	rootSlug := makeSlug(name, id)
	root := &domain.Entity{
		ID:         id,
		TenantID:   tenantID,
		EntityType: domain.EntityTypeOrganization,
		Name:       name,
		Slug:       rootSlug,
		Path:       "/" + rootSlug,
		IsDefault:  true,
		CreatedAt:  s.now(),
	}
	if err := s.repo.Insert(ctx, tx, root); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateEntity
		}
		return nil, err
	}
	return root, nil
}

func (s *Service) Get(ctx context.Context, tenantID, entityID snowflake.ID) (*domain.Entity, error) {
	return s.GetTx(ctx, s.db, tenantID, entityID)
}

// GetTx loads an entity scoped to the tenant. An entity that exists under a
// different tenant is reported as not found.
func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, tenantID, entityID snowflake.ID) (*domain.Entity, error) {
	if tenantID == 0 || entityID == 0 {
		return nil, domain.ErrEntityNotFound
	}
	entity, err := s.repo.FindByID(ctx, tx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, domain.ErrEntityNotFound
	}
	return entity, nil
}

func (s *Service) Root(ctx context.Context, tenantID snowflake.ID) (*domain.Entity, error) {
	return s.RootTx(ctx, s.db, tenantID)
}

func (s *Service) RootTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*domain.Entity, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	root, err := s.repo.FindRoot(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, domain.ErrRootNotFound
	}
	return root, nil
}

// Ancestors returns the chain from the root down to the entity's parent.
func (s *Service) Ancestors(ctx context.Context, tenantID, entityID snowflake.ID) ([]domain.Entity, error) {
	entity, err := s.Get(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	return s.repo.FindByPaths(ctx, s.db, tenantID, domain.PathPrefixes(entity.Path))
}

func (s *Service) Descendants(ctx context.Context, tenantID, entityID snowflake.ID) ([]domain.Entity, error) {
	entity, err := s.Get(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	return s.repo.FindByPathPrefix(ctx, s.db, tenantID, entity.Path)
}

func (s *Service) IsDescendantTx(ctx context.Context, tx *gorm.DB, tenantID, ancestorID, entityID snowflake.ID) (bool, error) {
	ancestor, err := s.GetTx(ctx, tx, tenantID, ancestorID)
	if err != nil {
		return false, err
	}
	entity, err := s.GetTx(ctx, tx, tenantID, entityID)
	if err != nil {
		return false, err
	}
	return ancestor.IsAncestorOf(*entity), nil
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now().UTC()
}

func makeSlug(name string, id snowflake.ID) string {
	value := strings.ReplaceAll(slug.Make(name), "_", "-")
	if value == "" {
		return "entity-" + id.String()
	}
	return value
}
