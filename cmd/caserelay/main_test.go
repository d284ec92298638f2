package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/caserelay/internal/caserelay"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("CASERELAY_TEST_INT", "42")
	got := intEnv("CASERELAY_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CASERELAY_TEST_INT_BAD", "not-a-number")
	got := intEnv("CASERELAY_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("CASERELAY_TEST_DURATION", "150ms")
	got := durationEnv("CASERELAY_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CASERELAY_TEST_DURATION_BAD", "soon")
	got := durationEnv("CASERELAY_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("CASERELAY_TEST_BOOL", "false")
	if got := boolEnv("CASERELAY_TEST_BOOL", true); got {
		t.Fatalf("expected false, got %v", got)
	}
	t.Setenv("CASERELAY_TEST_BOOL_BAD", "maybe")
	if got := boolEnv("CASERELAY_TEST_BOOL_BAD", true); !got {
		t.Fatalf("expected fallback true, got %v", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("CASERELAY_TEST_INT_UNSET")
	_ = os.Unsetenv("CASERELAY_TEST_DURATION_UNSET")
	_ = os.Unsetenv("CASERELAY_TEST_STRING_UNSET")

	if got := intEnv("CASERELAY_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("CASERELAY_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
	if got := stringEnv("CASERELAY_TEST_STRING_UNSET", "memory://"); got != "memory://" {
		t.Fatalf("expected fallback memory://, got %q", got)
	}
}

func TestWebhookSecretFromEnvPrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livekit-token")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	t.Setenv("LIVEKIT_WEBHOOK_TOKEN", "inline")
	t.Setenv("LIVEKIT_WEBHOOK_TOKEN_FILE", path)

	secret, watcher, err := webhookSecretFromEnv(nil)
	if err != nil {
		t.Fatalf("webhook secret: %v", err)
	}
	if watcher == nil {
		t.Fatalf("expected file watcher when token file is configured")
	}
	if got := secret.Secret(); got != "from-file" {
		t.Fatalf("expected file token, got %q", got)
	}
}

func TestWebhookSecretFromEnvFallsBackToInline(t *testing.T) {
	t.Setenv("LIVEKIT_WEBHOOK_TOKEN", "inline")
	t.Setenv("LIVEKIT_WEBHOOK_TOKEN_FILE", "")

	secret, watcher, err := webhookSecretFromEnv(nil)
	if err != nil {
		t.Fatalf("webhook secret: %v", err)
	}
	if watcher != nil {
		t.Fatalf("expected no watcher without token file")
	}
	if _, ok := secret.(caserelay.StaticSecret); !ok {
		t.Fatalf("expected static secret, got %T", secret)
	}
	if got := secret.Secret(); got != "inline" {
		t.Fatalf("expected inline token, got %q", got)
	}
}
