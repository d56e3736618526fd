package context

import (
	"context"
	"testing"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), " system ", "scheduler")
	typ, id := ActorFromContext(ctx)
	if typ != "system" || id != "scheduler" {
		t.Fatalf("unexpected actor %q/%q", typ, id)
	}
}

func TestEmptyRequestIDIsIgnored(t *testing.T) {
	ctx := WithRequestID(context.Background(), "  ")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}
