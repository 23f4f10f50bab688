package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateEntityRequest struct {
	TenantID       snowflake.ID
	ParentEntityID snowflake.ID
	EntityType     string
	Name           string
}

// Resolver maps tenants to their entity trees. The *Tx variants run inside a
// caller's transaction so lookups see uncommitted rows of that transaction.
type Resolver interface {
	Create(ctx context.Context, req CreateEntityRequest) (*Entity, error)
	EnsureRootTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, name string) (*Entity, error)

	Get(ctx context.Context, tenantID, entityID snowflake.ID) (*Entity, error)
	GetTx(ctx context.Context, tx *gorm.DB, tenantID, entityID snowflake.ID) (*Entity, error)
	Root(ctx context.Context, tenantID snowflake.ID) (*Entity, error)
	RootTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*Entity, error)

	Ancestors(ctx context.Context, tenantID, entityID snowflake.ID) ([]Entity, error)
	Descendants(ctx context.Context, tenantID, entityID snowflake.ID) ([]Entity, error)
	IsDescendantTx(ctx context.Context, tx *gorm.DB, tenantID, ancestorID, entityID snowflake.ID) (bool, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entity *Entity) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, entityID snowflake.ID) (*Entity, error)
	FindRoot(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Entity, error)
	FindByPaths(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, paths []string) ([]Entity, error)
	FindByPathPrefix(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, prefix string) ([]Entity, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidEntityType = errors.New("invalid_entity_type")
	ErrInvalidParent     = errors.New("invalid_parent")
	ErrEntityNotFound    = errors.New("entity_not_found")
	ErrRootNotFound      = errors.New("root_entity_not_found")
	ErrDuplicateEntity   = errors.New("entity_already_exists")
)
