package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/promosale/internal/authorization"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "cache_unavailable",
			err:  fmt.Errorf("reserve: %w", ErrCacheUnavailable),
			want: SchedulerJobReasonCacheUnavailable,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorTypeCache(t *testing.T) {
	err := fmt.Errorf("warm unit 7: %w", ErrCacheUnavailable)
	if got := ClassifySchedulerErrorType(err); got != SchedulerErrorTypeCache {
		t.Fatalf("expected cache error type, got %q", got)
	}
	if !IsSchedulerErrorRetryable(err) {
		t.Fatalf("expected cache errors to be retryable")
	}
	if IsSchedulerErrorRetryable(context.Canceled) {
		t.Fatalf("expected cancellation to stop retries")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "promosale",
		Environment: "test",
	})

	metrics.AddBatchProcessed("activate_due", "activities", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("activate_due", "activities"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncLifecycleTransition(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{Environment: "test"})

	metrics.IncLifecycleTransition("activity", "scheduled", "active")
	metrics.IncLifecycleTransition("activity", "scheduled", "active")

	got := testutil.ToFloat64(metrics.lifecycleTransitions.WithLabelValues("activity", "scheduled", "active"))
	if got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
}

func TestObserveWriteQueue(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{Environment: "test"})

	metrics.ObserveWriteQueue(12, 3, 1)
	metrics.ObserveWriteQueue(0, 3, 1)

	if got := testutil.ToFloat64(metrics.writeQueue.WithLabelValues(WriteQueueQueued)); got != 0 {
		t.Fatalf("expected queued gauge to be overwritten, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.writeQueue.WithLabelValues(WriteQueueInflight)); got != 3 {
		t.Fatalf("expected inflight 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.writeQueue.WithLabelValues(WriteQueueDead)); got != 1 {
		t.Fatalf("expected dead 1, got %v", got)
	}
}
