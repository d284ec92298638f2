package caserelay

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildJobQueueFromDSNMemory(t *testing.T) {
	queue, err := BuildJobQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if _, ok := queue.(*MemoryJobQueue); !ok {
		t.Fatalf("expected *MemoryJobQueue, got %T", queue)
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected queue capacity 7, got %d", queue.Capacity())
	}
}

func TestBuildJobQueueFromDSNDefaultsToMemory(t *testing.T) {
	queue, err := BuildJobQueueFromDSN("  ", 0)
	if err != nil {
		t.Fatalf("build default queue failed: %v", err)
	}
	if _, ok := queue.(*MemoryJobQueue); !ok {
		t.Fatalf("expected *MemoryJobQueue, got %T", queue)
	}
	if queue.Capacity() != defaultQueueCap {
		t.Fatalf("expected default capacity %d, got %d", defaultQueueCap, queue.Capacity())
	}
}

func TestBuildJobQueueFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	for _, dsn := range []string{"file://" + path, path} {
		queue, err := BuildJobQueueFromDSN(dsn, 9)
		if err != nil {
			t.Fatalf("build file queue from %q failed: %v", dsn, err)
		}
		if _, ok := queue.(*FileJobQueue); !ok {
			t.Fatalf("expected *FileJobQueue for %q, got %T", dsn, queue)
		}
		if queue.Capacity() != 9 {
			t.Fatalf("expected capacity 9, got %d", queue.Capacity())
		}
	}
}

func TestBuildJobQueueFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	queue, err := BuildJobQueueFromDSN("sqlite://"+path, 5)
	if err != nil {
		t.Fatalf("build sqlite queue failed: %v", err)
	}
	sq, ok := queue.(*SQLiteJobQueue)
	if !ok {
		t.Fatalf("expected *SQLiteJobQueue, got %T", queue)
	}
	if sq.path != path {
		t.Fatalf("expected sqlite path %q, got %q", path, sq.path)
	}
}

func TestBuildJobQueueFromDSNRedisParsesURL(t *testing.T) {
	queue, err := BuildJobQueueFromDSN("redis://localhost:6379/2", 3)
	if err != nil {
		t.Fatalf("build redis queue failed: %v", err)
	}
	rq, ok := queue.(*RedisJobQueue)
	if !ok {
		t.Fatalf("expected *RedisJobQueue, got %T", queue)
	}
	_ = rq.Close()
	if rq.Capacity() != 3 {
		t.Fatalf("expected capacity 3, got %d", rq.Capacity())
	}
}

func TestBuildJobQueueFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildJobQueueFromDSN("kafka://broker:9092", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for kafka, got %v", err)
	}
	if _, err := BuildJobQueueFromDSN("ftp://host/jobs", 10); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildRepositoryFromDSN(t *testing.T) {
	repo, err := BuildRepositoryFromDSN("")
	if err != nil {
		t.Fatalf("build default repository failed: %v", err)
	}
	if _, ok := repo.(*MemoryRepository); !ok {
		t.Fatalf("expected *MemoryRepository, got %T", repo)
	}
	if _, err := BuildRepositoryFromDSN("mysql://localhost/db"); err == nil {
		t.Fatalf("expected unsupported repository scheme error")
	}
}

func TestRegisterJobQueueFactory(t *testing.T) {
	scheme := "jobqtestcustom"
	RegisterJobQueueFactory(scheme, func(dsn string, capacity int) (JobQueue, error) {
		return NewMemoryJobQueue(capacity), nil
	})
	queue, err := BuildJobQueueFromDSN(scheme+"://example", 17)
	if err != nil {
		t.Fatalf("build queue via registered factory failed: %v", err)
	}
	if queue.Capacity() != 17 {
		t.Fatalf("expected queue capacity 17, got %d", queue.Capacity())
	}
}

func TestRegisterRepositoryFactory(t *testing.T) {
	scheme := "RepoTestCustom"
	called := false
	RegisterRepositoryFactory(scheme, func(dsn string) (Repository, error) {
		called = true
		return NewMemoryRepository(), nil
	})
	if _, err := BuildRepositoryFromDSN("repotestcustom://example"); err != nil {
		t.Fatalf("build repository via registered factory failed: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used for a case-insensitive scheme")
	}
}

func TestSQLitePathKeepsPragmas(t *testing.T) {
	got, err := sqlitePath("sqlite:jobs.db?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("sqlite path: %v", err)
	}
	if got != "jobs.db?_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected sqlite path %q", got)
	}
	if _, err := sqlitePath("sqlite://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty sqlite path, got %v", err)
	}
}
