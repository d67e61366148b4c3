package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsBlockedKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/subscriptions/:id"),
		attribute.String("http.url", "/subscriptions/1?token=x"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
	long := errors.New(strings.Repeat("x", 1000))
	if got := SafeError(long); len(got.Error()) != maxErrorLength {
		t.Fatalf("expected truncated error, got %d chars", len(got.Error()))
	}
}
