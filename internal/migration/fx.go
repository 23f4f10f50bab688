package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/smallbiznis/bizsuite/internal/seed"
	tenantdomain "github.com/smallbiznis/bizsuite/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, tenants tenantdomain.Service, log *zap.Logger) error {
		if err := Apply(conn, cfg.DBType); err != nil {
			return err
		}
		if cfg.DefaultTenantID == 0 {
			return nil
		}

		tenant, err := seed.EnsureDefaultTenant(context.Background(), tenants, snowflake.ID(cfg.DefaultTenantID))
		if err != nil {
			return err
		}
		log.Info("default tenant ready",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("slug", tenant.Slug),
		)
		return nil
	}),
)
