package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/promosale/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewCoreSamplesInfoButNeverWarnings(t *testing.T) {
	var buf bytes.Buffer
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := newCore(newEncoder("json"), zapcore.AddSync(&buf), level, SamplingConfig{
		Initial:    1,
		Thereafter: 1000,
		Window:     time.Minute,
	})
	log := zap.New(core)

	for i := 0; i < 5; i++ {
		log.Info("reservation denied")
	}
	for i := 0; i < 5; i++ {
		log.Warn("ledger write failed")
	}
	log.Debug("dropped by level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], "reservation denied")
	for _, line := range lines[1:] {
		assert.Contains(t, line, "ledger write failed")
	}
}

func TestContextFieldsSkipsEmptyValues(t *testing.T) {
	assert.Empty(t, contextFields(context.Background()))

	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	ctx = obscontext.WithActor(ctx, "operator", "ops-1")

	keys := map[string]string{}
	for _, f := range contextFields(ctx) {
		keys[f.Key] = f.String
	}
	assert.Equal(t, map[string]string{
		"request_id": "req-9",
		"actor_type": "operator",
		"actor_id":   "ops-1",
	}, keys)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "loud"})
	assert.Error(t, err)
}
