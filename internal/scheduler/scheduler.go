package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	"github.com/smallbiznis/promosale/internal/clock"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"github.com/smallbiznis/promosale/internal/ratelimit"
	"github.com/smallbiznis/promosale/internal/reconcile"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobActivateDue        = "activate_due"
	JobDeactivateDue      = "deactivate_due"
	JobExpireReservations = "expire_reservations"
	JobExpireGroups       = "expire_groups"
	JobWriteBehindRequeue = "writebehind_requeue"
	JobReconcileUnits     = "reconcile_units"

	lockKeyPrefix = "promo:sched:lock:"
)

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Activity     activitydomain.Service
	Reservations reservationdomain.Service
	Groups       groupdomain.Service
	Reconcile    *reconcile.Service
	Cache        *stockcache.Cache
	Locker       *ratelimit.Locker `optional:"true"`
	Config       Config            `optional:"true"`
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	activity     activitydomain.Service
	reservations reservationdomain.Service
	groups       groupdomain.Service
	reconcile    *reconcile.Service
	cache        *stockcache.Cache
	locker       *ratelimit.Locker

	mu            sync.Mutex
	stallInflight int64
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Activity == nil || p.Reservations == nil || p.Groups == nil || p.Reconcile == nil || p.Cache == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          cfg,
		genID:        p.GenID,
		clock:        p.Clock,
		activity:     p.Activity,
		reservations: p.Reservations,
		groups:       p.Groups,
		reconcile:    p.Reconcile,
		cache:        p.Cache,
		locker:       p.Locker,
	}, nil
}

// jobFunc runs one pass and reports how many items it moved.
type jobFunc func(ctx context.Context) (int, error)

type job struct {
	name     string
	resource string
	run      jobFunc
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobActivateDue, "transition", s.activateDue},
		{JobDeactivateDue, "transition", s.deactivateDue},
		// groups first: the sweep confirms members of succeeded groups before their holds lapse
		{JobExpireGroups, "buy_group", s.expireGroups},
		{JobExpireReservations, "reservation", s.expireReservations},
		{JobWriteBehindRequeue, "intent", s.requeueStalledWrites},
		{JobReconcileUnits, "sellable_unit", s.reconcileUnits},
	}
}

// RunOnce runs every enabled job once, in order. A failing job does not stop
// the ones after it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if s.isJobEnabled(j.name) {
			err = errors.Join(err, s.runJob(parent, j))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	due := time.Now()

	for {
		if lag := time.Since(due); lag > 0 {
			obsmetrics.Scheduler().ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler.pass_failed", zap.Error(err))
		}
		due = due.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runJob bounds one job pass by JobTimeout. Overrunning the timeout is not an
// error; the next tick continues where this one stopped.
func (s *Scheduler) runJob(parent context.Context, j job) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()
	ctx, run := s.startRun(ctx, j.name)

	m := obsmetrics.Scheduler()
	m.IncJobRun(j.name)
	processed, err := s.guarded(j)(ctx)
	m.ObserveJobDuration(j.name, time.Since(run.startedAt))
	m.AddBatchProcessed(j.name, j.resource, processed)
	s.finishRun(ctx, run, processed, err)

	if err == nil {
		return nil
	}
	m.IncJobError(j.name, err)
	if errors.Is(err, context.DeadlineExceeded) {
		m.IncJobTimeout(j.name)
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// guarded runs the job under its cluster lock with bounded retries. A lock
// held by another replica skips the pass.
func (s *Scheduler) guarded(j job) jobFunc {
	return func(ctx context.Context) (int, error) {
		if s.locker != nil {
			lease, err := s.locker.TryAcquire(ctx, lockKeyPrefix+j.name, s.cfg.LockTTL)
			if err != nil {
				return 0, fmt.Errorf("acquire lock: %w: %w", obsmetrics.ErrCacheUnavailable, err)
			}
			if lease == nil {
				obsmetrics.Scheduler().IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
				return 0, nil
			}
			defer func() {
				// the job context may already be done
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := lease.Release(releaseCtx); err != nil {
					s.logger(ctx).Warn("scheduler.lock.release_failed", zap.String("job", j.name), zap.Error(err))
				}
			}()
		}

		total := 0
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.JobRetries), ctx)
		err := backoff.RetryNotify(func() error {
			n, err := j.run(ctx)
			total += n
			if err != nil && (ctx.Err() != nil || !obsmetrics.IsSchedulerErrorRetryable(err)) {
				return backoff.Permanent(err)
			}
			return err
		}, policy, func(err error, wait time.Duration) {
			s.logJobError(ctx, j.name, "scheduler.job.retry", err, zap.Duration("backoff", wait))
		})
		return total, err
	}
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}

func (s *Scheduler) activateDue(ctx context.Context) (int, error) {
	transitions, err := s.activity.ActivateDue(ctx)
	s.logTransitions(ctx, transitions)
	return len(transitions), err
}

func (s *Scheduler) deactivateDue(ctx context.Context) (int, error) {
	transitions, err := s.activity.DeactivateDue(ctx)
	s.logTransitions(ctx, transitions)
	return len(transitions), err
}

func (s *Scheduler) expireReservations(ctx context.Context) (int, error) {
	return s.reservations.ExpireDue(ctx)
}

func (s *Scheduler) expireGroups(ctx context.Context) (int, error) {
	return s.groups.SweepExpiredGroups(ctx)
}

// requeueStalledWrites moves in-flight intents back to the queue once the
// queue is drained and the same in-flight depth was seen on the previous pass,
// meaning the worker that claimed them is gone.
func (s *Scheduler) requeueStalledWrites(ctx context.Context) (int, error) {
	queued, inflight, dead, err := s.cache.QueueDepth(ctx)
	if err != nil {
		return 0, err
	}
	obsmetrics.Scheduler().ObserveWriteQueue(queued, inflight, dead)

	s.mu.Lock()
	stalled := inflight > 0 && queued == 0 && inflight == s.stallInflight
	if stalled {
		s.stallInflight = 0
	} else {
		s.stallInflight = inflight
	}
	s.mu.Unlock()

	if dead > 0 {
		s.logger(ctx).Warn("scheduler.writebehind.dead_letters", zap.Int64("dead", dead))
	}
	if !stalled {
		return 0, nil
	}

	moved, err := s.cache.RequeueInflight(ctx)
	if err != nil {
		return 0, err
	}
	s.logger(ctx).Warn("scheduler.writebehind.requeued", zap.Int64("moved", moved))
	return int(moved), nil
}

func (s *Scheduler) reconcileUnits(ctx context.Context) (int, error) {
	summary, err := s.reconcile.ReconcileLive(ctx)
	if summary.Deferred > 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobReconcileUnits, obsmetrics.SchedulerBatchDeferredReasonWritesPending)
	}
	if summary.Failed > 0 {
		s.logger(ctx).Warn("scheduler.reconcile.partial", zap.Int("failed", summary.Failed), zap.Int("units", summary.Units))
	}
	return summary.Units, err
}
