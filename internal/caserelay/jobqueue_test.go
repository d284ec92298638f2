package caserelay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type queueFactory func(t *testing.T, clock *testClock, capacity int) JobQueue

func memoryQueueFactory(t *testing.T, clock *testClock, capacity int) JobQueue {
	q := NewMemoryJobQueue(capacity)
	q.now = clock.Now
	return q
}

func fileQueueFactory(t *testing.T, clock *testClock, capacity int) JobQueue {
	q, err := NewFileJobQueue(filepath.Join(t.TempDir(), "jobs.json"), capacity)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	q.now = clock.Now
	return q
}

func sqliteQueueFactory(t *testing.T, clock *testClock, capacity int) JobQueue {
	q, err := NewSQLiteJobQueue(filepath.Join(t.TempDir(), "jobs.db"), capacity)
	if err != nil {
		t.Fatalf("new sqlite queue: %v", err)
	}
	q.now = clock.Now
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// queueFactories returns the in-process backends plus any external backend
// enabled through the environment.
func queueFactories() map[string]queueFactory {
	factories := map[string]queueFactory{
		"memory": memoryQueueFactory,
		"file":   fileQueueFactory,
		"sqlite": sqliteQueueFactory,
	}
	for name, factory := range externalQueueFactories() {
		factories[name] = factory
	}
	return factories
}

func TestJobQueueClaimCompleteLifecycle(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			runQueueLifecycle(t, factory)
		})
	}
}

func runQueueLifecycle(t *testing.T, factory queueFactory) {
	ctx := context.Background()
	clock := newTestClock()
	queue := factory(t, clock, 10)

	id, err := queue.Enqueue(ctx, JobSyncCase, JobPayload{UserID: "user_1", CaseID: "case_1"}, EnqueueOptions{Attempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != JobWaiting || job.MaxAttempts != 2 {
		t.Fatalf("expected waiting job with 2 attempts, got %+v", job)
	}
	if got := queue.Depth(ctx); got != 1 {
		t.Fatalf("expected depth 1, got %d", got)
	}

	claimed, ok, err := queue.Claim(ctx)
	if err != nil || !ok {
		t.Fatalf("expected claim, got ok=%v err=%v", ok, err)
	}
	if claimed.ID != id || claimed.State != JobActive || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}
	if claimed.Payload.CaseID != "case_1" {
		t.Fatalf("expected payload to survive, got %+v", claimed.Payload)
	}
	if _, ok, err := queue.Claim(ctx); err != nil || ok {
		t.Fatalf("expected no second claim while leased, got ok=%v err=%v", ok, err)
	}

	if err := queue.Complete(ctx, id, json.RawMessage(`{"changed":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	if done.State != JobCompleted || done.Progress != 100 {
		t.Fatalf("expected completed job at 100%%, got %+v", done)
	}
	if string(done.ReturnValue) != `{"changed":true}` {
		t.Fatalf("expected return value to be stored, got %s", done.ReturnValue)
	}
	if got := queue.Depth(ctx); got != 0 {
		t.Fatalf("expected empty depth after completion, got %d", got)
	}
	if _, err := queue.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing job, got %v", err)
	}
}

func TestJobQueueRetriesWithBackoffThenFails(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newTestClock()
			queue := factory(t, clock, 10)

			id, err := queue.Enqueue(ctx, JobFIRFetch, JobPayload{UserID: "u", CaseID: "c", RequestID: "r"}, EnqueueOptions{Attempts: 2, Backoff: time.Second})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if _, ok, _ := queue.Claim(ctx); !ok {
				t.Fatalf("expected first claim")
			}
			state, err := queue.Fail(ctx, id, "upstream timeout", false)
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if state != JobDelayed {
				t.Fatalf("expected delayed retry, got %s", state)
			}
			if _, ok, _ := queue.Claim(ctx); ok {
				t.Fatalf("expected retry to wait for backoff")
			}

			clock.Advance(time.Second)
			retry, ok, err := queue.Claim(ctx)
			if err != nil || !ok {
				t.Fatalf("expected retry claim after backoff, ok=%v err=%v", ok, err)
			}
			if retry.Attempts != 2 {
				t.Fatalf("expected second attempt, got %d", retry.Attempts)
			}
			state, err = queue.Fail(ctx, id, "upstream timeout", false)
			if err != nil {
				t.Fatalf("final fail: %v", err)
			}
			if state != JobFailed {
				t.Fatalf("expected failed after exhausting attempts, got %s", state)
			}
			failed, _ := queue.Get(ctx, id)
			if failed.FailedReason != "upstream timeout" {
				t.Fatalf("expected failed reason, got %q", failed.FailedReason)
			}
			if _, err := queue.Fail(ctx, id, "again", false); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState failing a finished job, got %v", err)
			}
		})
	}
}

func TestJobQueuePermanentFailureSkipsRetries(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			queue := factory(t, newTestClock(), 10)
			id, _ := queue.Enqueue(ctx, JobSyncCase, JobPayload{UserID: "u", CaseID: "c"}, EnqueueOptions{Attempts: 5})
			if _, ok, _ := queue.Claim(ctx); !ok {
				t.Fatalf("expected claim")
			}
			state, err := queue.Fail(ctx, id, "case not found", true)
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if state != JobFailed {
				t.Fatalf("expected permanent failure, got %s", state)
			}
		})
	}
}

func TestJobQueueReclaimsExpiredLease(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newTestClock()
			queue := factory(t, clock, 10)
			id, _ := queue.Enqueue(ctx, JobSyncCase, JobPayload{UserID: "u", CaseID: "c"}, EnqueueOptions{})
			if _, ok, _ := queue.Claim(ctx); !ok {
				t.Fatalf("expected claim")
			}
			clock.Advance(defaultJobLease + time.Second)
			again, ok, err := queue.Claim(ctx)
			if err != nil || !ok {
				t.Fatalf("expected reclaim after lease expiry, ok=%v err=%v", ok, err)
			}
			if again.ID != id || again.Attempts != 2 {
				t.Fatalf("expected same job on second attempt, got %+v", again)
			}
		})
	}
}

func TestJobQueueRejectsEnqueueAtCapacity(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			queue := factory(t, newTestClock(), 2)
			if queue.Capacity() != 2 {
				t.Fatalf("expected capacity 2, got %d", queue.Capacity())
			}
			for i := 0; i < 2; i++ {
				if _, err := queue.Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{}); err != nil {
					t.Fatalf("enqueue %d: %v", i, err)
				}
			}
			if _, err := queue.Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{}); !errors.Is(err, ErrQueueFull) {
				t.Fatalf("expected ErrQueueFull, got %v", err)
			}
		})
	}
}

func TestJobQueueDelayedEnqueue(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newTestClock()
			queue := factory(t, clock, 10)
			id, _ := queue.Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{Delay: time.Minute})
			job, _ := queue.Get(ctx, id)
			if job.State != JobDelayed {
				t.Fatalf("expected delayed state, got %s", job.State)
			}
			if _, ok, _ := queue.Claim(ctx); ok {
				t.Fatalf("expected delayed job to stay unclaimed")
			}
			clock.Advance(time.Minute)
			if _, ok, _ := queue.Claim(ctx); !ok {
				t.Fatalf("expected delayed job to be claimable once due")
			}
		})
	}
}

func TestJobQueueRecurringTriggersFireOncePerSlot(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newTestClock()
			queue := factory(t, clock, 10)
			trigger := RecurringJob{ID: SyncAllRecurringJobID, Type: JobSyncAllUsers, Every: time.Hour, Attempts: 1}
			if err := queue.RegisterRecurring(ctx, trigger); err != nil {
				t.Fatalf("register: %v", err)
			}
			due, err := queue.ClaimDueRecurring(ctx, clock.Now())
			if err != nil {
				t.Fatalf("claim due: %v", err)
			}
			if len(due) != 0 {
				t.Fatalf("expected nothing due before first interval, got %d", len(due))
			}

			clock.Advance(30 * time.Minute)
			if err := queue.RegisterRecurring(ctx, trigger); err != nil {
				t.Fatalf("re-register: %v", err)
			}
			clock.Advance(30 * time.Minute)
			due, err = queue.ClaimDueRecurring(ctx, clock.Now())
			if err != nil {
				t.Fatalf("claim due: %v", err)
			}
			if len(due) != 1 || due[0].ID != SyncAllRecurringJobID {
				t.Fatalf("expected one due trigger keeping its original slot, got %+v", due)
			}
			again, _ := queue.ClaimDueRecurring(ctx, clock.Now())
			if len(again) != 0 {
				t.Fatalf("expected slot to be claimed once, got %d", len(again))
			}
		})
	}
}

func TestFileJobQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.json")
	first, err := NewFileJobQueue(path, 10)
	if err != nil {
		t.Fatalf("new file queue: %v", err)
	}
	id, err := first.Enqueue(ctx, JobSyncCase, JobPayload{UserID: "u", CaseID: "c"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := first.RegisterRecurring(ctx, RecurringJob{ID: "nightly", Type: JobSyncAllUsers, Every: time.Hour}); err != nil {
		t.Fatalf("register: %v", err)
	}

	second, err := NewFileJobQueue(path, 10)
	if err != nil {
		t.Fatalf("reopen file queue: %v", err)
	}
	job, err := second.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if job.Payload.CaseID != "c" {
		t.Fatalf("expected persisted payload, got %+v", job.Payload)
	}
	if second.Depth(ctx) != 1 {
		t.Fatalf("expected depth 1 after reopen, got %d", second.Depth(ctx))
	}
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 40, want: maxJobBackoff},
	}
	for _, tc := range cases {
		if got := retryBackoff(time.Second, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestNextRecurringRunSkipsMissedSlots(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := RecurringJob{Every: time.Hour, NextRunAt: start}
	got := nextRecurringRun(job, start.Add(150*time.Minute))
	want := start.Add(3 * time.Hour)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestTruncateReasonBoundsLength(t *testing.T) {
	long := make([]byte, failedReasonMaxSize+50)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncateReason(string(long)); len(got) != failedReasonMaxSize {
		t.Fatalf("expected %d chars, got %d", failedReasonMaxSize, len(got))
	}
}
