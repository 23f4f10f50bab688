package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	entitydomain "github.com/smallbiznis/bizsuite/internal/entity/domain"
	"gorm.io/gorm"
)

type CreateTenantRequest struct {
	// ID is optional; the default tenant is seeded with a configured id.
	ID       snowflake.ID
	Name     string
	PlanCode string
}

type CreateTenantResponse struct {
	Tenant     Tenant              `json:"tenant"`
	RootEntity entitydomain.Entity `json:"root_entity"`
}

type Service interface {
	Create(ctx context.Context, req CreateTenantRequest) (*CreateTenantResponse, error)
	Get(ctx context.Context, tenantID snowflake.ID) (*Tenant, error)
	ChangePlan(ctx context.Context, tenantID snowflake.ID, planCode string) (*Tenant, error)
	SetStatus(ctx context.Context, tenantID snowflake.ID, status Status) (*Tenant, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tenant *Tenant) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*Tenant, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, tenant *Tenant) error
	UpdateStatus(ctx context.Context, db *gorm.DB, tenant *Tenant) error
}

// PlanActivator grants plan credits; implemented by the plan grant service.
type PlanActivator interface {
	ActivatePlanTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planCode string) error
}

var (
	ErrInvalidName    = errors.New("invalid_name")
	ErrInvalidStatus  = errors.New("invalid_status")
	ErrTenantNotFound = errors.New("tenant_not_found")
	ErrTenantInactive = errors.New("tenant_inactive")
	ErrSlugTaken      = errors.New("slug_already_taken")
)
