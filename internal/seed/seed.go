package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/bizsuite/internal/tenant/domain"
)

const (
	defaultTenantName = "Main"
	defaultTenantPlan = "free"
)

// EnsureDefaultTenant creates the configured default tenant, its root
// organization and its activation grant on first start. Later starts are
// no-ops.
func EnsureDefaultTenant(ctx context.Context, tenants tenantdomain.Service, tenantID snowflake.ID) (*tenantdomain.Tenant, error) {
	if tenants == nil {
		return nil, errors.New("seed tenant service is required")
	}
	if tenantID == 0 {
		return nil, tenantdomain.ErrTenantNotFound
	}

	existing, err := tenants.Get(ctx, tenantID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, tenantdomain.ErrTenantNotFound) {
		return nil, err
	}

	created, err := tenants.Create(ctx, tenantdomain.CreateTenantRequest{
		ID:       tenantID,
		Name:     defaultTenantName,
		PlanCode: defaultTenantPlan,
	})
	if err != nil {
		return nil, err
	}
	return &created.Tenant, nil
}
