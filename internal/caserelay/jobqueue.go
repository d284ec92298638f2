package caserelay

import (
	"context"
	"encoding/json"
	"time"
)

type JobType string

const (
	JobSyncCase           JobType = "sync-case"
	JobSyncAllUsers       JobType = "sync-all-users"
	JobDigiLockerFetch    JobType = "digilocker-fetch"
	JobFIRFetch           JobType = "fir-fetch"
	JobLandRecordsFetch   JobType = "land-records-fetch"
	SyncAllRecurringJobID         = "sync-all-users-recurring"
)

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

const (
	defaultJobAttempts  = 3
	defaultJobBackoff   = 5 * time.Second
	maxJobBackoff       = 10 * time.Minute
	// Longer than the stale processing window, so a job redelivered after a
	// worker crash finds its request reclaimable.
	defaultJobLease     = 15 * time.Minute
	defaultQueueCap     = 10000
	defaultQueuePoll    = 250 * time.Millisecond
	failedReasonMaxSize = 2000
)

// JobPayload carries identifiers only; workers resolve everything else from
// the repository.
type JobPayload struct {
	UserID    string `json:"userId,omitempty"`
	CaseID    string `json:"caseId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Payload      JobPayload      `json:"payload"`
	State        JobState        `json:"state"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      time.Duration   `json:"backoff"`
	Progress     int             `json:"progress"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	RunAt        time.Time       `json:"runAt"`
	LeaseUntil   time.Time       `json:"leaseUntil,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type EnqueueOptions struct {
	Attempts int
	Delay    time.Duration
	Backoff  time.Duration
}

type RecurringJob struct {
	ID        string        `json:"id"`
	Type      JobType       `json:"type"`
	Payload   JobPayload    `json:"payload"`
	Every     time.Duration `json:"every"`
	Attempts  int           `json:"attempts"`
	NextRunAt time.Time     `json:"nextRunAt"`
}

// JobQueue is an at-least-once work queue. Claimed jobs hold a lease; a job
// whose lease expires without Complete or Fail becomes claimable again.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType JobType, payload JobPayload, opts EnqueueOptions) (string, error)
	Claim(ctx context.Context) (Job, bool, error)
	Complete(ctx context.Context, jobID string, result json.RawMessage) error
	// Fail schedules a retry with exponential backoff while attempts remain,
	// otherwise marks the job failed. permanent skips any remaining attempts.
	Fail(ctx context.Context, jobID, reason string, permanent bool) (JobState, error)
	Get(ctx context.Context, jobID string) (Job, error)
	// RegisterRecurring upserts a recurring trigger by its ID. An existing
	// trigger keeps its schedule position.
	RegisterRecurring(ctx context.Context, job RecurringJob) error
	// ClaimDueRecurring returns triggers due at now and advances them, so each
	// due slot is handed to exactly one caller.
	ClaimDueRecurring(ctx context.Context, now time.Time) ([]RecurringJob, error)
	Depth(ctx context.Context) int
	Capacity() int
	Close() error
}

func newJob(id string, jobType JobType, payload JobPayload, opts EnqueueOptions, now time.Time) Job {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultJobAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultJobBackoff
	}
	state := JobWaiting
	runAt := now
	if opts.Delay > 0 {
		state = JobDelayed
		runAt = now.Add(opts.Delay)
	}
	return Job{
		ID:          id,
		Type:        jobType,
		Payload:     payload,
		State:       state,
		MaxAttempts: attempts,
		Backoff:     backoff,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j Job) claimable(now time.Time) bool {
	switch j.State {
	case JobWaiting, JobDelayed:
		return !j.RunAt.After(now)
	case JobActive:
		return !j.LeaseUntil.IsZero() && !j.LeaseUntil.After(now)
	default:
		return false
	}
}

func (j Job) pending() bool {
	return j.State == JobWaiting || j.State == JobDelayed || j.State == JobActive
}

func (j *Job) markClaimed(now time.Time, lease time.Duration) {
	j.State = JobActive
	j.Attempts++
	j.LeaseUntil = now.Add(lease)
	j.UpdatedAt = now
}

func (j *Job) markCompleted(result json.RawMessage, now time.Time) {
	j.State = JobCompleted
	j.Progress = 100
	j.ReturnValue = append(json.RawMessage(nil), result...)
	j.FailedReason = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
}

func (j *Job) markFailed(reason string, permanent bool, now time.Time) {
	j.FailedReason = truncateReason(reason)
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
	if permanent || j.Attempts >= j.MaxAttempts {
		j.State = JobFailed
		return
	}
	j.State = JobDelayed
	j.RunAt = now.Add(retryBackoff(j.Backoff, j.Attempts))
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultJobBackoff
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxJobBackoff {
			return maxJobBackoff
		}
	}
	return delay
}

func truncateReason(reason string) string {
	if len(reason) <= failedReasonMaxSize {
		return reason
	}
	return reason[:failedReasonMaxSize]
}

func nextRecurringRun(job RecurringJob, now time.Time) time.Time {
	if job.Every <= 0 {
		return now
	}
	next := job.NextRunAt
	if next.IsZero() {
		return now.Add(job.Every)
	}
	if !next.After(now) {
		steps := now.Sub(next)/job.Every + 1
		next = next.Add(steps * job.Every)
	}
	return next
}
