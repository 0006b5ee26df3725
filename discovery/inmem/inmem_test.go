package inmem

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterHealthCheckDeregister(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	r.Register(ctx, "payments-1", "payments", "localhost:8082")
	r.Register(ctx, "payments-2", "payments", "localhost:8083")

	if err := r.HealthCheck("payments-1", "payments"); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
	if got := r.addrs["payments"]["payments-2"]; got != "localhost:8083" {
		t.Fatalf("unexpected address: %q", got)
	}

	r.Deregister(ctx, "payments-1", "payments")
	if err := r.HealthCheck("payments-1", "payments"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered after deregister, got %v", err)
	}
	if err := r.HealthCheck("payments-2", "payments"); err != nil {
		t.Fatalf("other instance should stay registered: %v", err)
	}
}

func TestHealthCheckUnknownInstance(t *testing.T) {
	r := NewRegistry()
	if err := r.HealthCheck("nope", "payments"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}
