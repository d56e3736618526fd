package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/promosale/internal/authorization"
	"github.com/smallbiznis/promosale/pkg/db"
)

// Error types used on lifecycle error counters and scheduler logs.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeCache            = "cache"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Job error reasons.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonCacheUnavailable     = "cache_unavailable"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLockHeld      = "lock_held"
	SchedulerBatchDeferredReasonWritesPending = "writes_pending"
)

const (
	LifecycleStageActivate        = "activate"
	LifecycleStageDeactivate      = "deactivate"
	LifecycleStageExpireHolds     = "expire_holds"
	LifecycleStageExpireGroups    = "expire_groups"
	LifecycleStageWriteBehind     = "write_behind"
	LifecycleStageReconcile       = "reconcile"
	LifecycleStageSoldOut         = "sold_out"
	LifecycleStageManualTransform = "manual"
)

// Write-behind queue lists reported by ObserveWriteQueue.
const (
	WriteQueueQueued   = "queued"
	WriteQueueInflight = "inflight"
	WriteQueueDead     = "dead"
)

// ErrCacheUnavailable marks errors that came from the stock cache rather than the database.
var ErrCacheUnavailable = errors.New("cache_unavailable")

// SchedulerMetrics covers the lifecycle loop: job health, batch throughput,
// state transitions and the write-behind backlog it watches.
type SchedulerMetrics struct {
	jobRuns              *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	jobTimeouts          *prometheus.CounterVec
	jobErrors            *prometheus.CounterVec
	batchProcessed       *prometheus.CounterVec
	batchDeferred        *prometheus.CounterVec
	runLoopLag           prometheus.Histogram
	lifecycleTransitions *prometheus.CounterVec
	lifecycleErrors      *prometheus.CounterVec
	writeQueue           *prometheus.GaugeVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the process-wide scheduler metrics, labelling
// them from cfg on first use.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func constLabelsFor(cfg Config) prometheus.Labels {
	labels := prometheus.Labels{"service": "promosale", "env": "unknown"}
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		labels["service"] = name
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		labels["env"] = env
	}
	return labels
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabelsFor(cfg)
	counter := func(name, help string, vars ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels}, vars)
	}

	m := &SchedulerMetrics{
		jobRuns:     counter("promosale_scheduler_job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts: counter("promosale_scheduler_job_timeouts_total", "Scheduler jobs that overran their timeout.", "job"),
		jobErrors:   counter("promosale_scheduler_job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "promosale_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}, []string{"job"}),
		batchProcessed: counter("promosale_scheduler_batch_processed_total", "Items a job moved, per resource.", "job", "resource"),
		batchDeferred:  counter("promosale_scheduler_batch_deferred_total", "Job passes skipped or postponed, by reason.", "job", "reason"),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "promosale_scheduler_runloop_lag_seconds",
			Help:        "Tick delay beyond the configured run interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}),
		lifecycleTransitions: counter("promosale_lifecycle_transition_total", "Activity and session status transitions.", "entity", "from", "to"),
		lifecycleErrors:      counter("promosale_lifecycle_error_total", "Lifecycle errors by stage and error type.", "stage", "error_type"),
		writeQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "promosale_writebehind_queue_depth",
			Help:        "Ledger intents waiting in the cache, by list.",
			ConstLabels: labels,
		}, []string{"list"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.batchDeferred,
		m.runLoopLag,
		m.lifecycleTransitions,
		m.lifecycleErrors,
		m.writeQueue,
	)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError counts a failed job pass under its classified reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncLifecycleTransition counts a status change of an activity or session.
func (m *SchedulerMetrics) IncLifecycleTransition(entity, from, to string) {
	if m == nil {
		return
	}
	m.lifecycleTransitions.WithLabelValues(entity, from, to).Inc()
}

func (m *SchedulerMetrics) IncLifecycleError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	m.lifecycleErrors.WithLabelValues(stage, ClassifySchedulerErrorType(err)).Inc()
}

// ObserveWriteQueue records the write-behind backlog seen by the requeue job.
func (m *SchedulerMetrics) ObserveWriteQueue(queued, inflight, dead int64) {
	if m == nil {
		return
	}
	m.writeQueue.WithLabelValues(WriteQueueQueued).Set(float64(queued))
	m.writeQueue.WithLabelValues(WriteQueueInflight).Set(float64(inflight))
	m.writeQueue.WithLabelValues(WriteQueueDead).Set(float64(dead))
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	case isAuthorizationError(err):
		return SchedulerErrorTypeAuthorization
	case errors.Is(err, ErrCacheUnavailable):
		return SchedulerErrorTypeCache
	case db.IsDriverError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next pass can be expected to
// succeed. Cancellation means the process is stopping.
func IsSchedulerErrorRetryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrCacheUnavailable):
		return true
	default:
		return db.IsContention(err) || db.IsSerializationFailure(err)
	}
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case isAuthorizationError(err):
		return SchedulerJobReasonForbidden
	case errors.Is(err, ErrCacheUnavailable):
		return SchedulerJobReasonCacheUnavailable
	case db.IsContention(err):
		return SchedulerJobReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return SchedulerJobReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return SchedulerJobReasonUniqueViolation
	default:
		return SchedulerJobReasonUnknown
	}
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidActor) ||
		errors.Is(err, authorization.ErrInvalidObject) ||
		errors.Is(err, authorization.ErrInvalidAction)
}
