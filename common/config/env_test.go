package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("CHECKOUT_TEST_VALUE", "abc")
	if got := GetEnv("CHECKOUT_TEST_VALUE", "def"); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
	if got := GetEnv("CHECKOUT_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("CHECKOUT_TEST_DUR", "250ms")
	t.Setenv("CHECKOUT_TEST_BAD_DUR", "soon")

	if got := GetEnvDuration("CHECKOUT_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	if got := GetEnvDuration("CHECKOUT_TEST_BAD_DUR", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
}
