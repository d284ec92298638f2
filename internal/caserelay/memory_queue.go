package caserelay

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type MemoryJobQueue struct {
	mu     sync.Mutex
	table  *jobTable
	newID  IDFunc
	now    func() time.Time
	closed bool
}

func NewMemoryJobQueue(capacity int) *MemoryJobQueue {
	return &MemoryJobQueue{
		table: newJobTable(capacity),
		newID: NewID,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryJobQueue) Enqueue(_ context.Context, jobType JobType, payload JobPayload, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	return q.table.enqueue(q.newID(), jobType, payload, opts, q.now())
}

func (q *MemoryJobQueue) Claim(_ context.Context) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, false, ErrQueueClosed
	}
	job, ok := q.table.claim(q.now())
	return job, ok, nil
}

func (q *MemoryJobQueue) Complete(_ context.Context, jobID string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.complete(jobID, result, q.now())
}

func (q *MemoryJobQueue) Fail(_ context.Context, jobID, reason string, permanent bool) (JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.fail(jobID, reason, permanent, q.now())
}

func (q *MemoryJobQueue) Get(_ context.Context, jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.get(jobID)
}

func (q *MemoryJobQueue) RegisterRecurring(_ context.Context, job RecurringJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.registerRecurring(job, q.now())
}

func (q *MemoryJobQueue) ClaimDueRecurring(_ context.Context, now time.Time) ([]RecurringJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.claimDueRecurring(now), nil
}

func (q *MemoryJobQueue) Depth(_ context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.table.depth()
}

func (q *MemoryJobQueue) Capacity() int {
	return q.table.capacity
}

func (q *MemoryJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
