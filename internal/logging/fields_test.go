package logging

import (
	"context"
	"testing"
)

func TestRequestFieldsCarryDispatchAction(t *testing.T) {
	fields := RequestFields("docs", "cache-first", "static-v1", "cache", 200)
	if fields["action"] != "dispatch" || fields["source"] != "cache" || fields["status"] != 200 {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLifecycleFields(t *testing.T) {
	fields := LifecycleFields("docs", "v2", "activate")
	if fields["action"] != "activate" || fields["version"] != "v2" || fields["site"] != "docs" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatalf("expected empty id")
	}
}
