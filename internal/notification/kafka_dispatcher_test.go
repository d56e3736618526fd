package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	messages []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

var eventAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestKafkaDispatcherDeliversWithRetry(t *testing.T) {
	writer := &fakeWriter{failures: 2}
	d := newKafkaDispatcher(KafkaConfig{RetryInterval: time.Millisecond}, writer, zap.NewNop(), nil)
	d.Start()

	d.Publish(context.Background(), NewEvent(EventGroupSucceeded, "group", "G1", eventAt, map[string]any{"members": 3}))
	require.NoError(t, d.Close())

	msgs := writer.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "group:G1", string(msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	assert.Equal(t, EventGroupSucceeded, decoded.Type)
	assert.Equal(t, "G1", decoded.SubjectID)
	assert.Len(t, decoded.ID, 26)
	assert.True(t, writer.closed)
}

func TestKafkaDispatcherDropsWhenBufferFull(t *testing.T) {
	writer := &fakeWriter{}
	d := newKafkaDispatcher(KafkaConfig{Buffer: 1, RetryInterval: time.Millisecond}, writer, zap.NewNop(), nil)

	d.Publish(context.Background(), NewEvent(EventActivityActivated, "activity", "1", eventAt, nil))
	d.Publish(context.Background(), NewEvent(EventActivityEnded, "activity", "1", eventAt, nil))

	d.Start()
	require.NoError(t, d.Close())
	msgs := writer.snapshot()
	require.Len(t, msgs, 1)

	// publishing after close is dropped without panicking
	d.Publish(context.Background(), NewEvent(EventActivityEnded, "activity", "1", eventAt, nil))
	assert.Len(t, writer.snapshot(), 1)
}

func TestKafkaDispatcherGivesUpAfterRetries(t *testing.T) {
	writer := &fakeWriter{failures: 10}
	d := newKafkaDispatcher(KafkaConfig{MaxRetries: 2, RetryInterval: time.Millisecond}, writer, zap.NewNop(), nil)
	d.Start()
	d.Publish(context.Background(), NewEvent(EventGroupFailed, "group", "G2", eventAt, nil))
	require.NoError(t, d.Close())

	assert.Empty(t, writer.snapshot())
	assert.Equal(t, 7, writer.failures)
}

func TestLogDispatcherIsNonBlocking(t *testing.T) {
	d := NewLogDispatcher(zap.NewNop(), nil)
	d.Publish(context.Background(), NewEvent(EventSessionEnded, "session", "9", eventAt, nil))
	Nop{}.Publish(context.Background(), Event{})
}
