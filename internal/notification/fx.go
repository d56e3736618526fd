package notification

import (
	"context"

	"github.com/smallbiznis/promosale/internal/config"
	"github.com/smallbiznis/promosale/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics `optional:"true"`
}

// NewDispatcher picks the Kafka dispatcher when brokers are configured and the
// log dispatcher otherwise.
func NewDispatcher(p Params) Dispatcher {
	if len(p.Config.Notification.KafkaBrokers) == 0 {
		p.Log.Info("notification.sink", zap.String("sink", "log"))
		return NewLogDispatcher(p.Log, p.Metrics)
	}

	d := NewKafkaDispatcher(KafkaConfig{
		Brokers: p.Config.Notification.KafkaBrokers,
		Topic:   p.Config.Notification.KafkaTopic,
	}, p.Log, p.Metrics)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return d.Close()
		},
	})
	p.Log.Info("notification.sink",
		zap.String("sink", "kafka"),
		zap.Strings("brokers", p.Config.Notification.KafkaBrokers),
		zap.String("topic", p.Config.Notification.KafkaTopic),
	)
	return d
}

var Module = fx.Module("notification",
	fx.Provide(NewDispatcher),
)
