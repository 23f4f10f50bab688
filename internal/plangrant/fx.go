package plangrant

import (
	"github.com/smallbiznis/bizsuite/internal/plangrant/domain"
	"github.com/smallbiznis/bizsuite/internal/plangrant/repository"
	"github.com/smallbiznis/bizsuite/internal/plangrant/service"
	tenantdomain "github.com/smallbiznis/bizsuite/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("plangrant.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) tenantdomain.PlanActivator {
		return svc
	}),
)
