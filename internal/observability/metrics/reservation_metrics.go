package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ReservationMetrics tracks the stock reservation hot path and its durable write-behind.
type ReservationMetrics struct {
	granted          *prometheus.CounterVec
	denied           *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	confirmed        prometheus.Counter
	released         *prometheus.CounterVec
	writeApplied     *prometheus.CounterVec
	writeRetried     prometheus.Counter
	writeDeadLetters prometheus.Counter
	drift            *prometheus.CounterVec
	driftAbs         prometheus.Histogram
	cacheLatency     *prometheus.HistogramVec
}

var (
	reservationMetricsOnce sync.Once
	reservationMetrics     *ReservationMetrics
)

// Reservation returns the singleton reservation metrics registry.
func Reservation() *ReservationMetrics {
	return ReservationWithConfig(Config{})
}

// ReservationWithConfig returns the singleton reservation metrics registry using config labels.
func ReservationWithConfig(cfg Config) *ReservationMetrics {
	reservationMetricsOnce.Do(func() {
		reservationMetrics = newReservationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reservationMetrics
}

// ResetReservationMetricsForTest resets the reservation metrics singleton for tests.
func ResetReservationMetricsForTest() {
	reservationMetricsOnce = sync.Once{}
	reservationMetrics = nil
}

func newReservationMetrics(registerer prometheus.Registerer, cfg Config) *ReservationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	m := &ReservationMetrics{
		granted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promosale_reservations_granted_total",
			Help:        "Reservations granted by activity kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promosale_reservations_denied_total",
			Help:        "Reservations denied by reason.",
			ConstLabels: constLabels,
		}, []string{"kind", "reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promosale_reservations_duplicate_total",
			Help:        "Reservation retries answered from the idempotency record.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "promosale_reservations_confirmed_total",
			Help:        "Reservations confirmed by a created order.",
			ConstLabels: constLabels,
		}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promosale_reservations_released_total",
			Help:        "Reservations released by cause.",
			ConstLabels: constLabels,
		}, []string{"cause"}),
		writeApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promosale_writebehind_applied_total",
			Help:        "Ledger intents applied to the durable store.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		writeRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "promosale_writebehind_retried_total",
			Help:        "Ledger intents requeued after a failed apply.",
			ConstLabels: constLabels,
		}),
		writeDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "promosale_writebehind_dead_letter_total",
			Help:        "Ledger intents moved to the dead-letter list.",
			ConstLabels: constLabels,
		}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promosale_reconcile_drift_total",
			Help:        "Reconciliation passes that found cache drift.",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		driftAbs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "promosale_reconcile_drift_units",
			Help:        "Absolute size of detected drift in units.",
			Buckets:     []float64{1, 2, 5, 10, 25, 50, 100, 500},
			ConstLabels: constLabels,
		}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "promosale_stockcache_op_seconds",
			Help:        "Stock cache script latency.",
			Buckets:     []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			ConstLabels: constLabels,
		}, []string{"op"}),
	}

	registerer.MustRegister(
		m.granted,
		m.denied,
		m.duplicates,
		m.confirmed,
		m.released,
		m.writeApplied,
		m.writeRetried,
		m.writeDeadLetters,
		m.drift,
		m.driftAbs,
		m.cacheLatency,
	)
	return m
}

func (m *ReservationMetrics) IncGranted(kind string) {
	if m == nil {
		return
	}
	m.granted.WithLabelValues(kind).Inc()
}

func (m *ReservationMetrics) IncDenied(kind, reason string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(kind, reason).Inc()
}

func (m *ReservationMetrics) IncDuplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

func (m *ReservationMetrics) IncConfirmed() {
	if m == nil {
		return
	}
	m.confirmed.Inc()
}

// IncReleased counts released holds; cause is one of manual, expired, order_failed, group_failed.
func (m *ReservationMetrics) IncReleased(cause string) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(cause).Inc()
}

func (m *ReservationMetrics) IncWriteApplied(op string) {
	if m == nil {
		return
	}
	m.writeApplied.WithLabelValues(op).Inc()
}

func (m *ReservationMetrics) IncWriteRetried() {
	if m == nil {
		return
	}
	m.writeRetried.Inc()
}

func (m *ReservationMetrics) IncWriteDeadLetter() {
	if m == nil {
		return
	}
	m.writeDeadLetters.Inc()
}

// ObserveDrift records a reconciliation result; zero drift is ignored.
func (m *ReservationMetrics) ObserveDrift(drift int64) {
	if m == nil || drift == 0 {
		return
	}
	direction := "over"
	abs := drift
	if drift < 0 {
		direction = "under"
		abs = -drift
	}
	m.drift.WithLabelValues(direction).Inc()
	m.driftAbs.Observe(float64(abs))
}

func (m *ReservationMetrics) ObserveCacheOp(op string, seconds float64) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues(op).Observe(seconds)
}
