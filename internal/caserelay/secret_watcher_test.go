package caserelay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSecretReloadsOnRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livekit-token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	secret, err := NewFileSecret(path, nil)
	if err != nil {
		t.Fatalf("new file secret: %v", err)
	}
	if secret.Secret() != "first" {
		t.Fatalf("expected trimmed secret, got %q", secret.Secret())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- secret.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		staged := filepath.Join(dir, ".livekit-token.tmp")
		if err := os.WriteFile(staged, []byte("second"), 0o600); err != nil {
			t.Fatalf("stage secret: %v", err)
		}
		if err := os.Rename(staged, path); err != nil {
			t.Fatalf("rename secret: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if secret.Secret() == "second" {
			return
		}
	}
	t.Fatalf("expected rotated secret, got %q", secret.Secret())
}

func TestNewFileSecretErrors(t *testing.T) {
	if _, err := NewFileSecret("  ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank path, got %v", err)
	}
	if _, err := NewFileSecret(filepath.Join(t.TempDir(), "missing"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestWebhookUsesRotatedSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	secret, err := NewFileSecret(path, nil)
	if err != nil {
		t.Fatalf("new file secret: %v", err)
	}
	f := newServiceFixture(t, func(o *ServiceOptions) {
		o.WebhookSecret = secret
	})
	body := []byte(`{"room_name":"hearing_1","text":"hello"}`)
	if result, _ := f.svc.HandleLivekitWebhook(context.Background(), body, "old"); !result.Processed {
		t.Fatalf("expected old token accepted, got %+v", result)
	}

	if err := os.WriteFile(path, []byte("new"), 0o600); err != nil {
		t.Fatalf("rewrite secret: %v", err)
	}
	if err := secret.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if result, _ := f.svc.HandleLivekitWebhook(context.Background(), body, "old"); result.Reason != ReasonHearingNotFound {
		t.Fatalf("expected old token rejected, got %+v", result)
	}
}
