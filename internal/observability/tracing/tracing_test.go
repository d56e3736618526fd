package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsBuyerIdentifiers(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/reservations"),
		attribute.String("requester_id", "42"),
		attribute.String("idempotency_key", "k1"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestSafeErrorKeepsSentinelPrefix(t *testing.T) {
	err := fmt.Errorf("ledger_apply_failed: %w", errors.New("pq: connection refused for user bob"))
	if got := SafeError(err).Error(); got != "ledger_apply_failed" {
		t.Fatalf("unexpected safe error %q", got)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
