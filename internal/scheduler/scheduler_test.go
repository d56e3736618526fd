package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/promosale/internal/clock"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// bareScheduler has no services or locker; it only drives the job wrappers.
func bareScheduler(t *testing.T, cfg Config) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	oldRegisterer, oldGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = registry, registry
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "promosale", Environment: "test"})
	t.Cleanup(func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = oldRegisterer, oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), cfg: cfg}, registry
}

func TestRunJobTreatsTimeoutAsSoftFailure(t *testing.T) {
	s, registry := bareScheduler(t, Config{JobTimeout: 5 * time.Millisecond, JobRetries: 3})

	err := s.runJob(context.Background(), job{name: "timeout_job", resource: "transition", run: func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}})
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, registry, "promosale_scheduler_job_timeouts_total",
		map[string]string{"job": "timeout_job"}))
	assert.Equal(t, 1.0, counterValue(t, registry, "promosale_scheduler_job_errors_total",
		map[string]string{"job": "timeout_job", "reason": obsmetrics.SchedulerJobReasonDeadlineExceeded}))
}

func TestRunJobDoesNotRetryBusinessErrors(t *testing.T) {
	s, registry := bareScheduler(t, Config{JobTimeout: time.Second, JobRetries: 3})

	attempts := 0
	boom := errors.New("activity_not_found")
	j := job{name: "business_job", resource: "transition", run: func(ctx context.Context) (int, error) {
		attempts++
		return 2, boom
	}}

	err := s.runJob(context.Background(), j)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 2.0, counterValue(t, registry, "promosale_scheduler_batch_processed_total",
		map[string]string{"job": "business_job", "resource": "transition"}))
}

func TestRunJobRetriesCacheOutages(t *testing.T) {
	s, registry := bareScheduler(t, Config{JobTimeout: 5 * time.Second, JobRetries: 1})

	attempts := 0
	j := job{name: "flaky_job", resource: "reservation", run: func(ctx context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 1, fmt.Errorf("scan holds: %w", obsmetrics.ErrCacheUnavailable)
		}
		return 3, nil
	}}

	require.NoError(t, s.runJob(context.Background(), j))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 4.0, counterValue(t, registry, "promosale_scheduler_batch_processed_total",
		map[string]string{"job": "flaky_job", "resource": "reservation"}))
}

// counterValue finds a counter by its variable labels; the service and env
// const labels are implied.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	want := map[string]string{"service": "promosale", "env": "test"}
	for k, v := range labels {
		want[k] = v
	}

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsEqual(m, want) {
				require.NotNil(t, m.GetCounter(), "%s is not a counter", name)
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return 0
}

func labelsEqual(m *dto.Metric, want map[string]string) bool {
	if len(m.GetLabel()) != len(want) {
		return false
	}
	for _, l := range m.GetLabel() {
		if want[l.GetName()] != l.GetValue() {
			return false
		}
	}
	return true
}
