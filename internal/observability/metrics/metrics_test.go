package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsUnboundedLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("outcome", " granted "),
		attribute.String("requester_id", "456"),
		attribute.String("activity_kind", "flash_sale"),
		attribute.String("unit_id", "9"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("outcome"), attrs[0].Key)
	assert.Equal(t, "granted", attrs[0].Value.AsString())
	assert.Equal(t, attribute.Key("activity_kind"), attrs[1].Key)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReserveAttempt(context.Background(), "flash_sale", "granted")
		m.RecordLedgerWrite(context.Background(), "reserve")
		m.RecordRateLimitDenied(context.Background(), "purchase", "throttled")
	})
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordNotification(context.Background(), "activity.activated", "log")
}

func TestThrottleDecisionsShareOneCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "promosale-test"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRateLimitAllowed(ctx, "reserve")
	m.RecordRateLimitAllowed(ctx, "reserve")
	m.RecordRateLimitDenied(ctx, "reserve", "throttled")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, md := range scope.Metrics {
			if md.Name != "promosale_purchase_throttle_total" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				totals[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"allowed": 2, "denied": 1}, totals)
}
