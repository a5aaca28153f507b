package utils

import (
	"os"
	"testing"
)

func TestEnvOrDefault(t *testing.T) {
	const key = "PYRSIA_TEST_DISCOVERY_TAG"
	_ = os.Unsetenv(key)
	clearEnvCache(key)
	if got := EnvOrDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	_ = os.Setenv(key, "value")
	clearEnvCache(key)
	if got := EnvOrDefault(key, "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestEnvOrDefaultInt(t *testing.T) {
	const key = "PYRSIA_TEST_MAX_BLOCKS_PER_RANGE"
	_ = os.Unsetenv(key)
	clearEnvCache(key)
	if got := EnvOrDefaultInt(key, 10); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	_ = os.Setenv(key, "5")
	clearEnvCache(key)
	if got := EnvOrDefaultInt(key, 10); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	_ = os.Setenv(key, "bad")
	clearEnvCache(key)
	if got := EnvOrDefaultInt(key, 7); got != 7 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestEnvOrDefaultUint64(t *testing.T) {
	const key = "PYRSIA_TEST_CHAIN_ORDINAL"
	_ = os.Unsetenv(key)
	clearEnvCache(key)
	if got := EnvOrDefaultUint64(key, 99); got != 99 {
		t.Fatalf("expected 99, got %d", got)
	}
	_ = os.Setenv(key, "42")
	clearEnvCache(key)
	if got := EnvOrDefaultUint64(key, 99); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	_ = os.Setenv(key, "bad")
	clearEnvCache(key)
	if got := EnvOrDefaultUint64(key, 77); got != 77 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestEnvOrDefaultInt64(t *testing.T) {
	const key = "PYRSIA_TEST_STORE_FREE_SPACE_FLOOR"
	_ = os.Unsetenv(key)
	clearEnvCache(key)
	if got := EnvOrDefaultInt64(key, 1<<30); got != 1<<30 {
		t.Fatalf("expected 1<<30, got %d", got)
	}
	_ = os.Setenv(key, "524288000")
	clearEnvCache(key)
	if got := EnvOrDefaultInt64(key, 1<<30); got != 524288000 {
		t.Fatalf("expected 524288000, got %d", got)
	}
	_ = os.Setenv(key, "bad")
	clearEnvCache(key)
	if got := EnvOrDefaultInt64(key, 123); got != 123 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestGetEnvCachesNonEmptyValues(t *testing.T) {
	const key = "PYRSIA_TEST_GETENV_CACHE"
	_ = os.Unsetenv(key)
	clearEnvCache(key)
	_ = os.Setenv(key, "first")
	if v, ok := getEnv(key); !ok || v != "first" {
		t.Fatalf("expected (first, true), got (%q, %v)", v, ok)
	}
	// Mutating the process environment directly must not invalidate an
	// already-cached value; only clearEnvCache does.
	_ = os.Setenv(key, "second")
	if v, ok := getEnv(key); !ok || v != "first" {
		t.Fatalf("expected cached value (first, true), got (%q, %v)", v, ok)
	}
	clearEnvCache(key)
	if v, ok := getEnv(key); !ok || v != "second" {
		t.Fatalf("expected (second, true) after cache clear, got (%q, %v)", v, ok)
	}
}
