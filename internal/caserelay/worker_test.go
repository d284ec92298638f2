package caserelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestWorkerPoolRecoversHandlerPanic(t *testing.T) {
	clock := newTestClock()
	queue := NewMemoryJobQueue(10)
	queue.now = clock.Now
	ctx := context.Background()
	pool := NewWorkerPool(queue, WorkerPoolOptions{})
	pool.Handle(JobSyncAllUsers, func(context.Context, Job) (json.RawMessage, error) {
		panic("boom")
	})

	id, err := queue.Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{Attempts: 2, Backoff: time.Second})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, err := pool.RunOnce(ctx); err != nil || !ok {
		t.Fatalf("expected job to run, ok=%v err=%v", ok, err)
	}
	job, _ := queue.Get(ctx, id)
	if job.State != JobDelayed {
		t.Fatalf("expected panicking job to be retried, got %s", job.State)
	}
	if !strings.Contains(job.FailedReason, "boom") {
		t.Fatalf("expected panic reason, got %q", job.FailedReason)
	}
}

func TestWorkerPoolFailsPermanently(t *testing.T) {
	cases := []struct {
		name    string
		jobType JobType
		payload JobPayload
		handle  bool
		reason  string
	}{
		{name: "no handler", jobType: JobSyncAllUsers, payload: JobPayload{}, reason: "no handler"},
		{name: "invalid payload", jobType: JobFIRFetch, payload: JobPayload{UserID: "user_1"}, handle: true},
		{name: "permanent handler error", jobType: JobSyncCase, payload: JobPayload{UserID: "user_1", CaseID: "case_1"}, handle: true, reason: "gone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			queue := NewMemoryJobQueue(10)
			pool := NewWorkerPool(queue, WorkerPoolOptions{})
			called := false
			if tc.handle {
				pool.Handle(tc.jobType, func(context.Context, Job) (json.RawMessage, error) {
					called = true
					return nil, Permanent(errors.New("gone"))
				})
			}
			id, err := queue.Enqueue(ctx, tc.jobType, tc.payload, EnqueueOptions{Attempts: 5})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if _, err := pool.RunOnce(ctx); err != nil {
				t.Fatalf("run once: %v", err)
			}
			job, _ := queue.Get(ctx, id)
			if job.State != JobFailed {
				t.Fatalf("expected failed job without retry, got %s", job.State)
			}
			if tc.reason != "" && !strings.Contains(job.FailedReason, tc.reason) {
				t.Fatalf("expected reason containing %q, got %q", tc.reason, job.FailedReason)
			}
			if tc.jobType == JobFIRFetch && called {
				t.Fatalf("expected invalid payload to skip the handler")
			}
		})
	}
}

func TestWorkerPoolRunStopsOnCancel(t *testing.T) {
	queue := NewMemoryJobQueue(10)
	pool := NewWorkerPool(queue, WorkerPoolOptions{Workers: 2, PollInterval: 5 * time.Millisecond})
	done := make(chan struct{}, 1)
	pool.Handle(JobSyncAllUsers, func(context.Context, Job) (json.RawMessage, error) {
		done <- struct{}{}
		return json.RawMessage(`{"ok":true}`), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := queue.Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for job")
	}
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop")
	}
}

func TestSchedulerTickEnqueuesDueTriggers(t *testing.T) {
	clock := newTestClock()
	queue := NewMemoryJobQueue(10)
	queue.now = clock.Now
	ctx := context.Background()
	scheduler := NewScheduler(queue, time.Second, nil)
	scheduler.now = clock.Now

	if err := scheduler.Register(ctx, RecurringJob{ID: SyncAllRecurringJobID, Type: JobSyncAllUsers, Every: time.Hour}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ids, err := scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected nothing due before the first interval, got %v", ids)
	}

	clock.Advance(time.Hour)
	ids, err = scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one enqueued job, got %v", ids)
	}
	job, _ := queue.Get(ctx, ids[0])
	if job.Type != JobSyncAllUsers || job.State != JobWaiting {
		t.Fatalf("unexpected job %+v", job)
	}
	if ids, _ := scheduler.Tick(ctx); len(ids) != 0 {
		t.Fatalf("expected slot to fire once, got %v", ids)
	}
}

func TestSchedulerRegisterRejectsInvalidPayload(t *testing.T) {
	scheduler := NewScheduler(NewMemoryJobQueue(10), 0, nil)
	err := scheduler.Register(context.Background(), RecurringJob{ID: "bad", Type: JobSyncCase, Every: time.Minute})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestWorkerPoolLogsJobAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()
	queue := NewMemoryJobQueue(10)
	pool := NewWorkerPool(queue, WorkerPoolOptions{Logger: logger})
	pool.Handle(JobSyncAllUsers, func(context.Context, Job) (json.RawMessage, error) {
		return nil, errors.New("registry down")
	})
	id, err := queue.Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{Attempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, err := pool.RunOnce(ctx); err != nil || !ok {
		t.Fatalf("expected job to run, ok=%v err=%v", ok, err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if record["msg"] != "job will retry" {
		t.Fatalf("expected retry log, got %v", record)
	}
	if record["job_id"] != id || record["job_type"] != string(JobSyncAllUsers) || record["err"] != "registry down" {
		t.Fatalf("expected job_id, job_type and err attributes, got %v", record)
	}
	for _, key := range []string{"jobId", "jobType", "error"} {
		if _, ok := record[key]; ok {
			t.Fatalf("unexpected %s attribute in %v", key, record)
		}
	}
}
