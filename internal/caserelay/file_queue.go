package caserelay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var errUnchanged = errors.New("unchanged")

// FileJobQueue keeps the job table in memory and rewrites a JSON snapshot on
// every mutation. Suitable for a single process.
type FileJobQueue struct {
	path  string
	mu    sync.Mutex
	table *jobTable
	newID IDFunc
	now   func() time.Time
}

func NewFileJobQueue(path string, capacity int) (*FileJobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &FileJobQueue{
		path:  path,
		table: newJobTable(capacity),
		newID: NewID,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileJobQueue) Enqueue(_ context.Context, jobType JobType, payload JobPayload, opts EnqueueOptions) (string, error) {
	var id string
	err := q.mutate(func(t *jobTable) error {
		var err error
		id, err = t.enqueue(q.newID(), jobType, payload, opts, q.now())
		return err
	})
	return id, err
}

func (q *FileJobQueue) Claim(_ context.Context) (Job, bool, error) {
	var (
		job Job
		ok  bool
	)
	err := q.mutate(func(t *jobTable) error {
		job, ok = t.claim(q.now())
		if !ok {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	return job, ok, nil
}

func (q *FileJobQueue) Complete(_ context.Context, jobID string, result json.RawMessage) error {
	return q.mutate(func(t *jobTable) error {
		return t.complete(jobID, result, q.now())
	})
}

func (q *FileJobQueue) Fail(_ context.Context, jobID, reason string, permanent bool) (JobState, error) {
	var state JobState
	err := q.mutate(func(t *jobTable) error {
		var err error
		state, err = t.fail(jobID, reason, permanent, q.now())
		return err
	})
	return state, err
}

func (q *FileJobQueue) Get(_ context.Context, jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.get(jobID)
}

func (q *FileJobQueue) RegisterRecurring(_ context.Context, job RecurringJob) error {
	return q.mutate(func(t *jobTable) error {
		return t.registerRecurring(job, q.now())
	})
}

func (q *FileJobQueue) ClaimDueRecurring(_ context.Context, now time.Time) ([]RecurringJob, error) {
	var due []RecurringJob
	err := q.mutate(func(t *jobTable) error {
		due = t.claimDueRecurring(now)
		if len(due) == 0 {
			return errUnchanged
		}
		return nil
	})
	return due, err
}

func (q *FileJobQueue) Depth(_ context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.depth()
}

func (q *FileJobQueue) Capacity() int {
	return q.table.capacity
}

func (q *FileJobQueue) Close() error {
	return nil
}

// mutate applies fn and persists the result, restoring the previous table
// when the snapshot cannot be written.
func (q *FileJobQueue) mutate(fn func(t *jobTable) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := q.table.snapshot()
	if err := fn(q.table); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		q.table.restore(before)
		return err
	}
	if err := q.saveLocked(); err != nil {
		q.table.restore(before)
		return err
	}
	return nil
}

func (q *FileJobQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot jobTableSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.table.restore(snapshot)
	return nil
}

func (q *FileJobQueue) saveLocked() error {
	data, err := json.Marshal(q.table.snapshot())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
