package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHTTPClientGetSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/skus/sku-1/snapshot":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sku_id":"sku-1","name":"Kettle","price":"19.90","active":true}`))
		case "/skus/sku-err/snapshot":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	snapshot, err := client.GetSnapshot(ctx, "sku-1")
	require.NoError(t, err)
	assert.True(t, snapshot.Active)
	assert.Equal(t, "Kettle", snapshot.Name)
	assert.True(t, decimal.RequireFromString("19.90").Equal(snapshot.Price))

	_, err = client.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrSKUNotFound)

	_, err = client.GetSnapshot(ctx, "sku-err")
	assert.ErrorIs(t, err, ErrUnavailable)
}

type countingClient struct {
	calls int32
	err   error
}

func (c *countingClient) GetSnapshot(_ context.Context, skuID string) (Snapshot, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return Snapshot{}, c.err
	}
	return Snapshot{SKUID: skuID, Active: true}, nil
}

func TestCachedClientReusesSnapshots(t *testing.T) {
	next := &countingClient{}
	client := NewCachedClient(next, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := client.GetSnapshot(context.Background(), "sku-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&next.calls))
}

func TestCachedClientDoesNotCacheErrors(t *testing.T) {
	next := &countingClient{err: ErrUnavailable}
	client := NewCachedClient(next, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := client.GetSnapshot(context.Background(), "sku-1")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&next.calls))
}

func withTraceContext(t *testing.T) (context.Context, trace.TraceID) {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(context.Background(), sc), traceID
}

func TestHTTPClientPropagatesTraceContext(t *testing.T) {
	ctx, traceID := withTraceContext(t)
	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{"sku_id":"sku-1","active":true}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPClient(srv.URL, time.Second).GetSnapshot(ctx, "sku-1")
	require.NoError(t, err)
	assert.Contains(t, traceparent, traceID.String())
}
