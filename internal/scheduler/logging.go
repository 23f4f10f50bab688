package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/bizsuite/internal/observability/context"
	obslogger "github.com/smallbiznis/bizsuite/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun accumulates what one tick of a job did. It travels in the job context
// so nested calls report into the same run.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	rows    int
	credits int64
	failed  bool
}

type jobRunKey struct{}

func (r *jobRun) record(rows int, credits int64) {
	if r == nil {
		return
	}
	if rows > 0 {
		r.rows += rows
	}
	if credits > 0 {
		r.credits += credits
	}
}

func (r *jobRun) fail() {
	if r != nil {
		r.failed = true
	}
}

func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if run := jobRunFromContext(ctx); run != nil {
		return ctx, run, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithRequestID(ctx, run.runID)

	s.logger(ctx).Debug("scheduler.job.start",
		zap.String("job", job),
		zap.Int("batch_size", batchSize),
	)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// endRun logs the run summary. Idle ticks stay at debug so a quiet ledger does
// not flood the log every interval.
func (s *Scheduler) endRun(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.Duration("took", s.clock.Now().Sub(run.startedAt)),
		zap.Int("rows", run.rows),
	}
	if run.credits > 0 {
		fields = append(fields, zap.Int64("credits", run.credits))
	}

	log := s.logger(ctx)
	switch {
	case run.failed:
		log.Warn("scheduler.job.finish", fields...)
	case run.rows == 0:
		log.Debug("scheduler.job.finish", fields...)
	default:
		log.Info("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) jobFailed(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	run.fail()
	if run != nil {
		fields = append(fields, zap.String("job", run.job))
	}
	fields = append(fields,
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
	s.logger(ctx).Error(msg, fields...)
}
