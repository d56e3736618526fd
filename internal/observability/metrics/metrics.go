package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the OTLP meter provider and the Prometheus const labels.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTLP counters for the purchase path. Scheduler and HTTP
// metrics are Prometheus collectors and live in their own files.
type Metrics struct {
	reserveAttempts metric.Int64Counter
	ledgerWrites    metric.Int64Counter
	notifications   metric.Int64Counter
	throttle        metric.Int64Counter
}

// NewProvider installs the global meter provider. Disabled export still gets
// a noop provider so instruments can be created unconditionally.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{OnStop: provider.Shutdown})
	}
	if log != nil {
		log.Info("metrics.exporter_started",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "promosale"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.reserveAttempts, "promosale_reserve_attempts_total", "Reservation attempts by activity kind and outcome."},
		{&m.ledgerWrites, "promosale_ledger_writes_total", "Ledger intents applied to the database, by op."},
		{&m.notifications, "promosale_notifications_total", "Lifecycle events handed to a sink, by sink."},
		{&m.throttle, "promosale_purchase_throttle_total", "Purchase throttle decisions by endpoint."},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) RecordReserveAttempt(ctx context.Context, kind, outcome string) {
	if m != nil {
		add(ctx, m.reserveAttempts, attribute.String("activity_kind", kind), attribute.String("outcome", outcome))
	}
}

func (m *Metrics) RecordLedgerWrite(ctx context.Context, op string) {
	if m != nil {
		add(ctx, m.ledgerWrites, attribute.String("op", op))
	}
}

func (m *Metrics) RecordNotification(ctx context.Context, eventType, sink string) {
	if m != nil {
		add(ctx, m.notifications, attribute.String("event_type", eventType), attribute.String("sink", sink))
	}
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m != nil {
		add(ctx, m.throttle, attribute.String("endpoint", endpoint), attribute.String("outcome", "allowed"))
	}
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m != nil {
		add(ctx, m.throttle,
			attribute.String("endpoint", endpoint),
			attribute.String("outcome", "denied"),
			attribute.String("reason", reason),
		)
	}
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Label keys allowed on OTLP instruments. Unit, group and requester ids are
// unbounded and stay out.
var allowedLabelKeys = map[attribute.Key]bool{
	"activity_kind": true,
	"outcome":       true,
	"op":            true,
	"endpoint":      true,
	"event_type":    true,
	"sink":          true,
	"reason":        true,
}

// FilterAttributes drops labels outside allowedLabelKeys and trims values.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if !allowedLabelKeys[attr.Key] {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			attr = attr.Key.String(strings.TrimSpace(attr.Value.AsString()))
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
