package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestReservationMetricsDrift(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newReservationMetrics(registry, Config{Environment: "test"})

	m.ObserveDrift(0)
	m.ObserveDrift(3)
	m.ObserveDrift(-2)

	require.Equal(t, float64(1), testutil.ToFloat64(m.drift.WithLabelValues("over")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.drift.WithLabelValues("under")))
}

func TestReservationMetricsDenials(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newReservationMetrics(registry, Config{Environment: "test"})

	m.IncDenied("flash_sale", "insufficient_stock")
	m.IncDenied("flash_sale", "insufficient_stock")
	m.IncGranted("group_buy")

	require.Equal(t, float64(2), testutil.ToFloat64(m.denied.WithLabelValues("flash_sale", "insufficient_stock")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.granted.WithLabelValues("group_buy")))
}

func TestNilReservationMetricsIsSafe(t *testing.T) {
	var m *ReservationMetrics
	m.IncGranted("flash_sale")
	m.ObserveDrift(4)
	m.IncWriteDeadLetter()
}
