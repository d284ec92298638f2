package caserelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultStaleProcessing = 10 * time.Minute
	maxStaleProcessing     = defaultJobLease - time.Minute
	connectorJobAttempts   = 3
)

// CaseSnapshot is what the case registry reports for one case. Raw carries
// the upstream payload, or a diagnostic payload when the registry fell back.
type CaseSnapshot struct {
	Status      string
	NextHearing *time.Time
	Raw         json.RawMessage
}

// CaseRegistry never fails; upstream errors come back as a fallback snapshot
// with status "Unknown".
type CaseRegistry interface {
	FetchCase(ctx context.Context, caseNumber, courtCode string) CaseSnapshot
}

type TextNormalizer interface {
	Normalize(ctx context.Context, text, language string) (string, error)
}

type Notifier interface {
	EmitToUser(userID, event string, payload map[string]any)
}

type AuditSink interface {
	Log(ctx context.Context, userID, action, resource string, metadata map[string]any)
}

// SecretSource yields the current webhook shared secret. An empty secret
// disables the check.
type SecretSource interface {
	Secret() string
}

type StaticSecret string

func (s StaticSecret) Secret() string {
	return string(s)
}

type ServiceOptions struct {
	Repository      Repository
	Queue           JobQueue
	Registry        CaseRegistry
	Normalizer      TextNormalizer
	Notifier        Notifier
	Audit           AuditSink
	WebhookSecret   SecretSource
	Logger          *slog.Logger
	JobAttempts     int
	JobBackoff      time.Duration
	StaleProcessing time.Duration
	NewID           IDFunc
	Now             func() time.Time
}

type Service struct {
	repo            Repository
	queue           JobQueue
	registry        CaseRegistry
	normalizer      TextNormalizer
	notifier        Notifier
	audit           AuditSink
	secret          SecretSource
	logger          *slog.Logger
	jobAttempts     int
	jobBackoff      time.Duration
	staleProcessing time.Duration
	newID           IDFunc
	now             func() time.Time
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Repository == nil || opts.Queue == nil {
		return nil, fmt.Errorf("%w: repository and queue are required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = NewID
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	attempts := opts.JobAttempts
	if attempts <= 0 {
		attempts = connectorJobAttempts
	}
	stale := opts.StaleProcessing
	if stale <= 0 {
		stale = defaultStaleProcessing
	}
	if stale > maxStaleProcessing {
		logger.Warn("stale processing window exceeds job lease, clamping", "requested", stale, "max", maxStaleProcessing)
		stale = maxStaleProcessing
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	audit := opts.Audit
	if audit == nil {
		audit = NewRepositoryAuditSink(opts.Repository, logger)
	}
	secret := opts.WebhookSecret
	if secret == nil {
		secret = StaticSecret("")
	}
	return &Service{
		repo:            opts.Repository,
		queue:           opts.Queue,
		registry:        opts.Registry,
		normalizer:      opts.Normalizer,
		notifier:        notifier,
		audit:           audit,
		secret:          secret,
		logger:          logger,
		jobAttempts:     attempts,
		jobBackoff:      opts.JobBackoff,
		staleProcessing: stale,
		newID:           newID,
		now:             now,
	}, nil
}

type discardNotifier struct{}

func (discardNotifier) EmitToUser(string, string, map[string]any) {}

func (s *Service) Repository() Repository {
	return s.repo
}

func (s *Service) Queue() JobQueue {
	return s.queue
}

func (s *Service) enqueueOptions() EnqueueOptions {
	return EnqueueOptions{Attempts: s.jobAttempts, Backoff: s.jobBackoff}
}

func (s *Service) enqueue(ctx context.Context, jobType JobType, payload JobPayload) (string, error) {
	if err := ValidateJobPayload(jobType, payload); err != nil {
		return "", err
	}
	return s.queue.Enqueue(ctx, jobType, payload, s.enqueueOptions())
}

type CreateRequestResult struct {
	RequestID string        `json:"requestId"`
	JobID     string        `json:"jobId"`
	Status    RequestStatus `json:"status"`
}

// CreateConnectorRequest records a queued fetch for an owned case and hands
// it to the queue. extra is merged into the stored request payload.
func (s *Service) CreateConnectorRequest(ctx context.Context, userID, caseID string, connector Connector, extra map[string]any) (CreateRequestResult, error) {
	if !connector.Valid() {
		return CreateRequestResult{}, fmt.Errorf("%w: unknown connector %q", ErrInvalidInput, connector)
	}
	c, err := s.repo.GetOwnedCase(ctx, userID, caseID)
	if err != nil {
		return CreateRequestResult{}, err
	}
	requestPayload := map[string]any{}
	for key, value := range extra {
		requestPayload[key] = value
	}
	requestPayload["caseId"] = c.ID
	requestPayload["caseNumber"] = c.CaseNumber
	requestPayload["courtCode"] = c.CourtCode
	rawPayload, err := json.Marshal(requestPayload)
	if err != nil {
		return CreateRequestResult{}, err
	}
	now := s.now()
	req := ConnectorRequest{
		ID:             s.newID(),
		UserID:         userID,
		CaseID:         c.ID,
		Connector:      connector,
		Status:         RequestQueued,
		RequestPayload: rawPayload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateConnectorRequest(ctx, req); err != nil {
		return CreateRequestResult{}, err
	}
	jobID, err := s.enqueue(ctx, connectorJobType(connector), JobPayload{UserID: userID, CaseID: c.ID, RequestID: req.ID})
	if err != nil {
		if _, failErr := s.repo.FailConnectorRequest(ctx, req.ID, "enqueue_failed: "+err.Error(), s.now()); failErr != nil {
			s.logger.Warn("connector request fail after enqueue error", "request_id", req.ID, "err", failErr)
		}
		return CreateRequestResult{}, err
	}
	if err := s.repo.SetConnectorRequestJob(ctx, req.ID, jobID); err != nil {
		return CreateRequestResult{}, err
	}
	s.audit.Log(ctx, userID, "integration."+string(connector)+".requested", "cases:"+c.ID, map[string]any{
		"requestId": req.ID,
		"jobId":     jobID,
	})
	return CreateRequestResult{RequestID: req.ID, JobID: jobID, Status: RequestQueued}, nil
}

func (s *Service) ListConnectorRequests(ctx context.Context, userID string, connector Connector, caseID string) ([]ConnectorRequest, error) {
	if !connector.Valid() {
		return nil, fmt.Errorf("%w: unknown connector %q", ErrInvalidInput, connector)
	}
	return s.repo.ListConnectorRequests(ctx, ConnectorRequestFilter{
		UserID:    userID,
		Connector: connector,
		CaseID:    strings.TrimSpace(caseID),
		Limit:     defaultRequestListLimit,
	})
}

// GetConnectorRequest hides rows owned by other users and rows of other
// connectors behind ErrNotFound.
func (s *Service) GetConnectorRequest(ctx context.Context, userID string, connector Connector, requestID string) (ConnectorRequest, error) {
	req, err := s.repo.GetConnectorRequest(ctx, requestID)
	if err != nil {
		return ConnectorRequest{}, err
	}
	if req.UserID != userID || (connector != "" && req.Connector != connector) {
		return ConnectorRequest{}, ErrNotFound
	}
	return req, nil
}

type JobStatus struct {
	ID           string          `json:"id"`
	State        JobState        `json:"state"`
	Progress     int             `json:"progress"`
	FailedReason *string         `json:"failedReason"`
	ReturnValue  json.RawMessage `json:"returnValue"`
}

// GetJobStatus only reveals jobs whose payload names the caller. System jobs
// without a user are never visible.
func (s *Service) GetJobStatus(ctx context.Context, userID, jobID string) (JobStatus, error) {
	job, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if job.Payload.UserID == "" || job.Payload.UserID != userID {
		return JobStatus{}, ErrNotFound
	}
	status := JobStatus{
		ID:          job.ID,
		State:       job.State,
		Progress:    job.Progress,
		ReturnValue: job.ReturnValue,
	}
	if job.FailedReason != "" {
		status.FailedReason = stringPtr(job.FailedReason)
	}
	if len(status.ReturnValue) == 0 {
		status.ReturnValue = json.RawMessage("null")
	}
	return status, nil
}

type EnqueueSyncResult struct {
	Enqueued int      `json:"enqueued"`
	Jobs     []string `json:"jobs"`
}

func (s *Service) EnqueueUserCaseSync(ctx context.Context, userID string) (EnqueueSyncResult, error) {
	cases, err := s.repo.ListCasesByUser(ctx, userID)
	if err != nil {
		return EnqueueSyncResult{}, err
	}
	result := EnqueueSyncResult{Jobs: []string{}}
	if len(cases) == 0 {
		return result, nil
	}
	for _, c := range cases {
		jobID, err := s.enqueue(ctx, JobSyncCase, JobPayload{UserID: userID, CaseID: c.ID})
		if err != nil {
			if len(result.Jobs) == 0 {
				return result, err
			}
			s.logger.Warn("sync enqueue failed", "case_id", c.ID, "err", err)
			continue
		}
		result.Jobs = append(result.Jobs, jobID)
	}
	result.Enqueued = len(result.Jobs)
	s.audit.Log(ctx, userID, "integration.sync_all.enqueue", "integrations:sync", map[string]any{
		"count": result.Enqueued,
	})
	return result, nil
}

func (s *Service) EnqueueCaseSync(ctx context.Context, userID, caseID string) (string, error) {
	c, err := s.repo.GetOwnedCase(ctx, userID, caseID)
	if err != nil {
		return "", err
	}
	jobID, err := s.enqueue(ctx, JobSyncCase, JobPayload{UserID: userID, CaseID: c.ID})
	if err != nil {
		return "", err
	}
	s.audit.Log(ctx, userID, "integration.sync_case.enqueue", "cases:"+c.ID, nil)
	return jobID, nil
}

// RegisterRecurringSync installs the bulk sync trigger under its stable id.
func (s *Service) RegisterRecurringSync(ctx context.Context, scheduler *Scheduler, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("%w: sync interval must be positive", ErrInvalidInput)
	}
	return scheduler.Register(ctx, RecurringJob{
		ID:       SyncAllRecurringJobID,
		Type:     JobSyncAllUsers,
		Every:    every,
		Attempts: s.jobAttempts,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
