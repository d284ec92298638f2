package caserelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu        sync.Mutex
	snapshots map[string]CaseSnapshot
	calls     int
}

func (r *fakeRegistry) FetchCase(_ context.Context, caseNumber, _ string) CaseSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if snapshot, ok := r.snapshots[caseNumber]; ok {
		return snapshot
	}
	return CaseSnapshot{Status: "Pending", Raw: json.RawMessage(`{"source":"test"}`)}
}

func (r *fakeRegistry) set(caseNumber string, snapshot CaseSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[caseNumber] = snapshot
}

type notifiedEvent struct {
	UserID  string
	Event   string
	Payload map[string]any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifiedEvent
}

func (n *recordingNotifier) EmitToUser(userID, event string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notifiedEvent{UserID: userID, Event: event, Payload: payload})
}

func (n *recordingNotifier) named(event string) []notifiedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifiedEvent, 0)
	for _, e := range n.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type serviceFixture struct {
	svc      *Service
	repo     *MemoryRepository
	queue    *MemoryJobQueue
	registry *fakeRegistry
	notifier *recordingNotifier
	clock    *testClock
}

func sequentialIDs(prefix string) IDFunc {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s_%d", prefix, n)
	}
}

// newServiceFixture seeds case_1/hearing_1 for user_1 and case_2 for user_2.
func newServiceFixture(t *testing.T, opts ...func(*ServiceOptions)) *serviceFixture {
	t.Helper()
	clock := newTestClock()
	repo := NewMemoryRepository()
	queue := NewMemoryJobQueue(100)
	queue.now = clock.Now
	registry := &fakeRegistry{snapshots: map[string]CaseSnapshot{}}
	notifier := &recordingNotifier{}
	ctx := context.Background()

	if err := repo.SaveCase(ctx, Case{ID: "case_1", UserID: "user_1", CaseNumber: "CNR-001", CourtCode: "DL01", Status: "Pending", CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("seed case_1: %v", err)
	}
	if err := repo.SaveCase(ctx, Case{ID: "case_2", UserID: "user_2", CaseNumber: "CNR-002", CourtCode: "MH02", Status: "Pending", CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("seed case_2: %v", err)
	}
	if err := repo.SaveHearing(ctx, Hearing{ID: "hearing_1", CaseID: "case_1"}); err != nil {
		t.Fatalf("seed hearing_1: %v", err)
	}

	options := ServiceOptions{
		Repository: repo,
		Queue:      queue,
		Registry:   registry,
		Notifier:   notifier,
		NewID:      sequentialIDs("id"),
		Now:        clock.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	svc, err := NewService(options)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &serviceFixture{svc: svc, repo: repo, queue: queue, registry: registry, notifier: notifier, clock: clock}
}

func (f *serviceFixture) auditActions(t *testing.T) []string {
	t.Helper()
	entries, err := f.repo.ListAuditEntries(context.Background(), "")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func TestNewServiceRequiresRepositoryAndQueue(t *testing.T) {
	if _, err := NewService(ServiceOptions{Queue: NewMemoryJobQueue(1)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without repository, got %v", err)
	}
}

func TestCreateConnectorRequestQueuesJob(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.CreateConnectorRequest(ctx, "user_1", "case_1", ConnectorDigiLocker, map[string]any{"reference": "DL-77"})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if result.Status != RequestQueued || result.RequestID == "" || result.JobID == "" {
		t.Fatalf("unexpected create result %+v", result)
	}

	req, err := f.svc.GetConnectorRequest(ctx, "user_1", ConnectorDigiLocker, result.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.JobID != result.JobID {
		t.Fatalf("expected job id %s on request, got %s", result.JobID, req.JobID)
	}
	var payload map[string]any
	if err := json.Unmarshal(req.RequestPayload, &payload); err != nil {
		t.Fatalf("decode request payload: %v", err)
	}
	if payload["caseNumber"] != "CNR-001" || payload["courtCode"] != "DL01" || payload["reference"] != "DL-77" {
		t.Fatalf("unexpected request payload %v", payload)
	}

	job, err := f.queue.Get(ctx, result.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Type != JobDigiLockerFetch || job.Payload.RequestID != result.RequestID {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.MaxAttempts != connectorJobAttempts {
		t.Fatalf("expected %d attempts, got %d", connectorJobAttempts, job.MaxAttempts)
	}
	if !containsString(f.auditActions(t), "integration.digilocker.requested") {
		t.Fatalf("expected requested audit entry, got %v", f.auditActions(t))
	}
}

func TestCreateConnectorRequestRejectsForeignCaseAndUnknownConnector(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateConnectorRequest(ctx, "user_1", "case_2", ConnectorFIR, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user's case, got %v", err)
	}
	if _, err := f.svc.CreateConnectorRequest(ctx, "user_1", "case_1", Connector("aadhaar"), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown connector, got %v", err)
	}
	if f.queue.Depth(ctx) != 0 {
		t.Fatalf("expected no jobs enqueued, got %d", f.queue.Depth(ctx))
	}
}

func TestCreateConnectorRequestMarksRequestFailedWhenQueueIsFull(t *testing.T) {
	f := newServiceFixture(t, func(o *ServiceOptions) {
		o.Queue = NewMemoryJobQueue(1)
	})
	ctx := context.Background()
	if _, err := f.svc.Queue().Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{}); err != nil {
		t.Fatalf("prefill queue: %v", err)
	}

	_, err := f.svc.CreateConnectorRequest(ctx, "user_1", "case_1", ConnectorFIR, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	requests, err := f.svc.ListConnectorRequests(ctx, "user_1", ConnectorFIR, "")
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("expected the request to be recorded, got %d", len(requests))
	}
	if requests[0].Status != RequestFailed || !strings.HasPrefix(requests[0].ErrorMessage, "enqueue_failed: ") {
		t.Fatalf("expected enqueue failure on request, got %+v", requests[0])
	}
}

func TestListConnectorRequestsFiltersByOwnerAndCase(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if err := f.repo.CreateConnectorRequest(ctx, ConnectorRequest{ID: "req_other", UserID: "user_2", CaseID: "case_2", Connector: ConnectorFIR, Status: RequestQueued}); err != nil {
		t.Fatalf("seed foreign request: %v", err)
	}
	mine, err := f.svc.CreateConnectorRequest(ctx, "user_1", "case_1", ConnectorFIR, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	requests, err := f.svc.ListConnectorRequests(ctx, "user_1", ConnectorFIR, "case_1")
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(requests) != 1 || requests[0].ID != mine.RequestID {
		t.Fatalf("expected only the caller's request, got %+v", requests)
	}
	if _, err := f.svc.GetConnectorRequest(ctx, "user_1", ConnectorFIR, "req_other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign request, got %v", err)
	}
	if _, err := f.svc.GetConnectorRequest(ctx, "user_1", ConnectorDigiLocker, mine.RequestID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for connector mismatch, got %v", err)
	}
}

func TestGetJobStatusOnlyRevealsOwnJobs(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	jobID, err := f.svc.EnqueueCaseSync(ctx, "user_1", "case_1")
	if err != nil {
		t.Fatalf("enqueue case sync: %v", err)
	}

	status, err := f.svc.GetJobStatus(ctx, "user_1", jobID)
	if err != nil {
		t.Fatalf("get job status: %v", err)
	}
	if status.State != JobWaiting || status.FailedReason != nil {
		t.Fatalf("unexpected status %+v", status)
	}
	if string(status.ReturnValue) != "null" {
		t.Fatalf("expected null return value, got %s", status.ReturnValue)
	}
	if _, err := f.svc.GetJobStatus(ctx, "user_2", jobID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}

	systemJob, err := f.queue.Enqueue(ctx, JobSyncAllUsers, JobPayload{}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue system job: %v", err)
	}
	if _, err := f.svc.GetJobStatus(ctx, "user_1", systemJob); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected system jobs to be hidden, got %v", err)
	}
	if _, err := f.svc.GetJobStatus(ctx, "user_1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing job, got %v", err)
	}
}

func TestEnqueueUserCaseSync(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if err := f.repo.SaveCase(ctx, Case{ID: "case_3", UserID: "user_1", CaseNumber: "CNR-003", CourtCode: "DL01"}); err != nil {
		t.Fatalf("seed case_3: %v", err)
	}

	result, err := f.svc.EnqueueUserCaseSync(ctx, "user_1")
	if err != nil {
		t.Fatalf("enqueue user sync: %v", err)
	}
	if result.Enqueued != 2 || len(result.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %+v", result)
	}
	if !containsString(f.auditActions(t), "integration.sync_all.enqueue") {
		t.Fatalf("expected sync_all enqueue audit, got %v", f.auditActions(t))
	}

	empty, err := f.svc.EnqueueUserCaseSync(ctx, "user_without_cases")
	if err != nil {
		t.Fatalf("enqueue for empty user: %v", err)
	}
	if empty.Enqueued != 0 || empty.Jobs == nil {
		t.Fatalf("expected empty non-nil job list, got %+v", empty)
	}
}

func TestEnqueueCaseSyncRequiresOwnership(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.svc.EnqueueCaseSync(context.Background(), "user_1", "case_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterRecurringSyncUsesStableID(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	scheduler := NewScheduler(f.queue, time.Second, nil)
	if err := f.svc.RegisterRecurringSync(ctx, scheduler, time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.svc.RegisterRecurringSync(ctx, scheduler, time.Hour); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	due, _ := f.queue.ClaimDueRecurring(ctx, f.clock.Now().Add(time.Hour))
	if len(due) != 1 || due[0].ID != SyncAllRecurringJobID {
		t.Fatalf("expected one recurring trigger, got %+v", due)
	}
	if err := f.svc.RegisterRecurringSync(ctx, scheduler, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero interval, got %v", err)
	}
}
