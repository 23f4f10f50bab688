package scheduler

import (
	"context"
	"errors"

	"github.com/smallbiznis/bizsuite/internal/events"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"go.uber.org/zap"
)

// ExpireAllocationsJob deactivates allocations past their expiry.
func (s *Scheduler) ExpireAllocationsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	result, err := s.creditSvc.ExpireAllocations(ctx, s.cfg.SweepBatchSize)
	run.record(result.Expired, result.ExpiredCredits)
	schedMetrics.AddBatchProcessed(JobExpireAllocations, obsmetrics.ResourceExpiredAllocations, result.Expired)
	schedMetrics.AddCreditsExpired(result.ExpiredCredits)
	if err != nil {
		s.jobFailed(ctx, run, "scheduler.expire_allocations.failed", err,
			zap.Int("expired", result.Expired),
			zap.Int("batches", result.Batches),
		)
		return err
	}
	if result.Batches == 0 {
		schedMetrics.IncBatchDeferred(JobExpireAllocations, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
	}
	return nil
}

// RelayEventsJob publishes pending outbox events. Another process holding the
// relay lock defers the batch to the next tick.
func (s *Scheduler) RelayEventsJob(ctx context.Context) error {
	if s.relay == nil || !s.relay.Enabled() {
		return nil
	}
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	published, err := s.relay.Dispatch(ctx, s.cfg.RelayBatchSize)
	run.record(published, 0)
	schedMetrics.AddBatchProcessed(JobRelayEvents, obsmetrics.ResourcePendingEvents, published)
	if errors.Is(err, events.ErrLockHeld) {
		schedMetrics.IncBatchDeferred(JobRelayEvents, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("scheduler.relay_events.deferred", zap.String("reason", "lock_held"))
		return nil
	}
	if err != nil {
		s.jobFailed(ctx, run, "scheduler.relay_events.failed", err,
			zap.Int("published", published),
		)
		return err
	}
	return nil
}
