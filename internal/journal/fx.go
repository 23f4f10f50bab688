package journal

import (
	"github.com/smallbiznis/bizsuite/internal/journal/repository"
	"github.com/smallbiznis/bizsuite/internal/journal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("journal.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
