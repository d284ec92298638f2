package caserelay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSecret serves a shared secret read from a file and reloads it when the
// file changes, so the webhook token can be rotated without a restart.
type FileSecret struct {
	path   string
	logger *slog.Logger
	mu     sync.RWMutex
	value  string
}

func NewFileSecret(path string, logger *slog.Logger) (*FileSecret, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileSecret{path: filepath.Clean(path), logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSecret) Secret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *FileSecret) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	s.mu.Lock()
	s.value = strings.TrimSpace(string(data))
	s.mu.Unlock()
	return nil
}

// Watch blocks until ctx is done. The parent directory is watched because
// secret mounts are usually replaced by rename rather than written in place.
func (s *FileSecret) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("webhook secret reload failed", "path", s.path, "err", err)
				continue
			}
			s.logger.Info("webhook secret reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("webhook secret watcher error", "err", err)
		}
	}
}
