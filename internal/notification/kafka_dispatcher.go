package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/promosale/internal/observability/metrics"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig tunes the Kafka dispatcher.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	Buffer        int
	WriteTimeout  time.Duration
	MaxRetries    uint64
	// RetryInterval is the first backoff delay between write attempts.
	RetryInterval time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.Topic == "" {
		c.Topic = "promo.events"
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	return c
}

// KafkaDispatcher buffers events and writes them from a single background loop.
// Publish never blocks; events are dropped when the buffer is full.
type KafkaDispatcher struct {
	cfg     KafkaConfig
	writer  messageWriter
	log     *zap.Logger
	metrics *metrics.Metrics

	queue     chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewKafkaDispatcher(cfg KafkaConfig, log *zap.Logger, m *metrics.Metrics) *KafkaDispatcher {
	cfg = cfg.withDefaults()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaDispatcher(cfg, writer, log, m)
}

func newKafkaDispatcher(cfg KafkaConfig, writer messageWriter, log *zap.Logger, m *metrics.Metrics) *KafkaDispatcher {
	cfg = cfg.withDefaults()
	return &KafkaDispatcher{
		cfg:     cfg,
		writer:  writer,
		log:     log.Named("notification.kafka"),
		metrics: m,
		queue:   make(chan Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

func (d *KafkaDispatcher) Publish(ctx context.Context, event Event) {
	select {
	case <-d.done:
		d.log.Warn("notification.dropped", zap.String("event_type", string(event.Type)), zap.String("reason", "closed"))
		return
	default:
	}
	select {
	case d.queue <- event:
	default:
		d.log.Warn("notification.dropped",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("reason", "buffer_full"),
		)
		d.metrics.RecordNotification(ctx, string(event.Type), "dropped")
	}
}

// Start runs the delivery loop until Close.
func (d *KafkaDispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case event := <-d.queue:
				d.deliver(event)
			case <-d.done:
				d.drain()
				return
			}
		}
	}()
}

func (d *KafkaDispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *KafkaDispatcher) deliver(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.log.Error("notification.encode_failed", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.SubjectType + ":" + event.SubjectID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.RetryInterval
	policy := backoff.WithMaxRetries(exp, d.cfg.MaxRetries)
	err = backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		defer cancel()
		return d.writer.WriteMessages(ctx, msg)
	}, policy)
	if err != nil {
		d.log.Error("notification.publish_failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		d.metrics.RecordNotification(context.Background(), string(event.Type), "failed")
		return
	}
	d.metrics.RecordNotification(context.Background(), string(event.Type), "kafka")
}

// Close stops accepting events, flushes the buffer and closes the writer.
func (d *KafkaDispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		err = d.writer.Close()
	})
	return err
}
