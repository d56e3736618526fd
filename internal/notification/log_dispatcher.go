package notification

import (
	"context"

	"github.com/smallbiznis/promosale/internal/observability/metrics"
	"go.uber.org/zap"
)

// LogDispatcher writes events to the log. Used when no broker is configured.
type LogDispatcher struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLogDispatcher(log *zap.Logger, m *metrics.Metrics) *LogDispatcher {
	return &LogDispatcher{log: log.Named("notification"), metrics: m}
}

func (d *LogDispatcher) Publish(ctx context.Context, event Event) {
	d.log.Info("notification.event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subject_type", event.SubjectType),
		zap.String("subject_id", event.SubjectID),
		zap.Any("data", event.Data),
	)
	d.metrics.RecordNotification(ctx, string(event.Type), "log")
}
