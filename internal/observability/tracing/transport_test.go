package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestTransportPropagatesTraceContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	ctx, parent := provider.Tracer("test").Start(context.Background(), "checkout")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/skus/a/snapshot", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := (&http.Client{Transport: NewTransport(nil, "catalog")}).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	parent.End()

	if got == "" {
		t.Fatalf("traceparent header missing")
	}
	spans := recorder.Ended()
	var client sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.SpanKind() == trace.SpanKindClient {
			client = s
		}
	}
	if client == nil {
		t.Fatalf("no client span among %d spans", len(spans))
	}
	if client.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Fatalf("client span is not a child of the caller span")
	}
	if want := client.SpanContext().TraceID().String(); got[3:35] != want {
		t.Fatalf("traceparent %q does not carry trace %s", got, want)
	}
	if client.Status().Code != codes.Error {
		t.Fatalf("5xx should mark the span as error, got %v", client.Status())
	}
	found := false
	for _, attr := range client.Attributes() {
		if attr == attribute.String("peer.service", "catalog") {
			found = true
		}
	}
	if !found {
		t.Fatalf("peer.service attribute missing: %v", client.Attributes())
	}
}
