package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/bizsuite/internal/credit/domain"
	"gorm.io/gorm"
)

type GrantResult struct {
	Grant      Grant                    `json:"grant"`
	Allocation *creditdomain.Allocation `json:"allocation,omitempty"`

	// Replayed is true when the period was already granted.
	Replayed bool `json:"replayed"`
}

type Service interface {
	ActivatePlan(ctx context.Context, tenantID snowflake.ID, planCode string) (*GrantResult, error)
	ActivatePlanTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planCode string) error
	RenewPeriod(ctx context.Context, tenantID snowflake.ID, planCode, periodKey string) (*GrantResult, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, grant *Grant) error
	FindByPeriod(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, planCode, periodKey string) (*Grant, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidPlan      = errors.New("invalid_plan")
	ErrUnknownPlan      = errors.New("unknown_plan")
	ErrInvalidPeriodKey = errors.New("invalid_period_key")
)
