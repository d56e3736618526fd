package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/promosale/internal/config"
	"github.com/smallbiznis/promosale/internal/observability/logger"
	"github.com/smallbiznis/promosale/internal/observability/metrics"
	"github.com/smallbiznis/promosale/internal/observability/tracing"
)

// Config is the observability view of the process configuration. The OTEL_*
// variables follow the OpenTelemetry names so collectors can be pointed at a
// pod without touching app settings.
type Config struct {
	ServiceName string
	Role        string
	Environment string
	Version     string

	LogLevel            string
	LogFormat           string
	LogSampleInitial    int
	LogSampleThereafter int

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	protocol := env("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := env("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", ""); traces != "" {
		protocol = traces
	}

	return Config{
		ServiceName: env("OTEL_SERVICE_NAME", orDefault(cfg.AppName, "promosale")),
		Role:        cfg.Mode,
		Environment: env("DEPLOYMENT_ENV", cfg.Environment),
		Version:     env("SERVICE_VERSION", cfg.AppVersion),

		LogLevel:            strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(env("LOG_FORMAT", "json")),
		LogSampleInitial:    envInt("LOG_SAMPLE_INITIAL", 100),
		LogSampleThereafter: envInt("LOG_SAMPLE_THEREAFTER", 100),

		OtelEnabled:          env("OTEL_ENABLED", "true") != "false",
		OtelExporterEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    envFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

// Debug turns on stack traces in request logs. Local and test environments
// get it regardless of level.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) Logger() logger.Config {
	debug := c.Debug()
	return logger.Config{
		ServiceName: c.ServiceName,
		Role:        c.Role,
		Environment: c.Environment,
		Version:     c.Version,
		Level:       c.LogLevel,
		Format:      c.LogFormat,
		Debug:       debug,
		Sampling: logger.SamplingConfig{
			Initial:    c.LogSampleInitial,
			Thereafter: c.LogSampleThereafter,
		},
		IncludeCaller:       true,
		IncludeStackOnError: debug,
	}
}

func (c Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

// Metrics shares the trace exporter settings; the Prometheus collectors only
// use the service and env labels.
func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}

func env(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}

func envInt(key string, def int) int {
	if parsed, err := strconv.Atoi(env(key, "")); err == nil {
		return parsed
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if parsed, err := strconv.ParseFloat(env(key, ""), 64); err == nil {
		return parsed
	}
	return def
}
