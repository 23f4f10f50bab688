package main

import (
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/smallbiznis/bizsuite/internal/credit"
	"github.com/smallbiznis/bizsuite/internal/entity"
	"github.com/smallbiznis/bizsuite/internal/events"
	"github.com/smallbiznis/bizsuite/internal/journal"
	"github.com/smallbiznis/bizsuite/internal/migration"
	"github.com/smallbiznis/bizsuite/internal/observability"
	"github.com/smallbiznis/bizsuite/internal/plangrant"
	"github.com/smallbiznis/bizsuite/internal/scheduler"
	"github.com/smallbiznis/bizsuite/internal/tenant"
	"github.com/smallbiznis/bizsuite/pkg/db"
	"github.com/smallbiznis/bizsuite/pkg/idgen"
	"github.com/smallbiznis/bizsuite/pkg/rediscli"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		idgen.Module,
		db.Module,
		rediscli.Module,
		clock.Module,

		// Functional Domains
		entity.Module,
		tenant.Module,
		journal.Module,
		events.Module,
		credit.Module,
		plangrant.Module,

		migration.Module,

		// Expiration sweep and event relay. Disable with SCHEDULER_ENABLED=false
		// when another replica owns the jobs.
		scheduler.Module,
	)
	app.Run()
}
