package scheduler

import (
	"context"
	"time"

	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	obscontext "github.com/smallbiznis/promosale/internal/observability/context"
	obslogger "github.com/smallbiznis/promosale/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun identifies one job pass in logs and audit rows.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
}

// startRun tags ctx with the scheduler actor and a run id used as the
// correlation id of every audit row and event the pass produces.
func (s *Scheduler) startRun(ctx context.Context, name string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       name,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithCorrelationID(ctx, run.runID)
	return ctx, run
}

func (s *Scheduler) finishRun(ctx context.Context, run *jobRun, processed int, err error) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed", processed),
	}
	switch {
	case err != nil:
		s.logJobError(ctx, run.job, "scheduler.job.failed", err, fields[1:]...)
	case processed == 0:
		// idle passes happen every tick
		s.logger(ctx).Debug("scheduler.job.finish", fields...)
	default:
		s.logger(ctx).Info("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobError(ctx context.Context, job, msg string, err error, fields ...zap.Field) {
	s.logger(ctx).Warn(msg, append([]zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)...)
}

func (s *Scheduler) logTransitions(ctx context.Context, transitions []activitydomain.Transition) {
	log := s.logger(ctx)
	for _, tr := range transitions {
		log.Info("scheduler.lifecycle.transition",
			zap.String("entity", string(tr.Entity)),
			zap.String("id", tr.ID.String()),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("reason", tr.Reason),
			zap.Int("units", tr.Units),
		)
	}
}
