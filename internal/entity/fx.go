package entity

import (
	"github.com/smallbiznis/bizsuite/internal/entity/repository"
	"github.com/smallbiznis/bizsuite/internal/entity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entity.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
