package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/clock"
	creditdomain "github.com/smallbiznis/bizsuite/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireAllocations = "expire_allocations"
	JobRelayEvents       = "relay_events"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// EventRelay moves committed outbox rows to the event bus.
type EventRelay interface {
	Enabled() bool
	Dispatch(ctx context.Context, batchSize int) (int, error)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	CreditSvc creditdomain.Service
	Relay     EventRelay `optional:"true"`
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    Config `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	creditSvc creditdomain.Service
	relay     EventRelay
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.CreditSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		creditSvc: p.CreditSvc,
		relay:     p.Relay,
	}, nil
}

// runJob runs fn under the job timeout. A deadline is treated as a soft stop:
// the remaining rows are picked up on the next tick.
func (s *Scheduler) runJob(parent context.Context, name string, batchSize int, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name, batchSize)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(run.startedAt))
	if err != nil {
		run.fail()
	}
	if owner {
		s.endRun(ctx, run)
	}
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("scheduler.job.timeout",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. A failing job does not stop the others.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name      string
		BatchSize int
		Run       func(context.Context) error
	}{
		{JobExpireAllocations, s.cfg.SweepBatchSize, s.ExpireAllocationsJob},
		{JobRelayEvents, s.cfg.RelayBatchSize, s.RelayEventsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.BatchSize, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs in this process.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
