package caserelay

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const defaultJobRetention = 1000

// jobTable is the shared state machine behind the memory and file queues.
// Callers serialize access.
type jobTable struct {
	jobs      map[string]Job
	order     []string
	recurring map[string]RecurringJob
	capacity  int
	lease     time.Duration
	retention int
}

type jobTableSnapshot struct {
	Jobs      []Job          `json:"jobs"`
	Recurring []RecurringJob `json:"recurring"`
}

func newJobTable(capacity int) *jobTable {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &jobTable{
		jobs:      map[string]Job{},
		recurring: map[string]RecurringJob{},
		capacity:  capacity,
		lease:     defaultJobLease,
		retention: defaultJobRetention,
	}
}

func (t *jobTable) enqueue(id string, jobType JobType, payload JobPayload, opts EnqueueOptions, now time.Time) (string, error) {
	if id == "" || jobType == "" {
		return "", ErrInvalidInput
	}
	if _, exists := t.jobs[id]; exists {
		return "", fmt.Errorf("%w: job %s exists", ErrConflict, id)
	}
	if t.depth() >= t.capacity {
		return "", ErrQueueFull
	}
	t.jobs[id] = newJob(id, jobType, payload, opts, now)
	t.order = append(t.order, id)
	t.prune()
	return id, nil
}

func (t *jobTable) claim(now time.Time) (Job, bool) {
	var (
		best  Job
		found bool
	)
	for _, id := range t.order {
		job := t.jobs[id]
		if !job.claimable(now) {
			continue
		}
		if !found || job.RunAt.Before(best.RunAt) {
			best = job
			found = true
		}
	}
	if !found {
		return Job{}, false
	}
	best.markClaimed(now, t.lease)
	t.jobs[best.ID] = best
	return best, true
}

func (t *jobTable) complete(id string, result json.RawMessage, now time.Time) error {
	job, ok := t.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State == JobCompleted {
		return nil
	}
	job.markCompleted(result, now)
	t.jobs[id] = job
	return nil
}

func (t *jobTable) fail(id, reason string, permanent bool, now time.Time) (JobState, error) {
	job, ok := t.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	if job.State == JobCompleted || job.State == JobFailed {
		return job.State, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.State)
	}
	job.markFailed(reason, permanent, now)
	t.jobs[id] = job
	return job.State, nil
}

func (t *jobTable) get(id string) (Job, error) {
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (t *jobTable) registerRecurring(job RecurringJob, now time.Time) error {
	if job.ID == "" || job.Type == "" || job.Every <= 0 {
		return ErrInvalidInput
	}
	if existing, ok := t.recurring[job.ID]; ok {
		job.NextRunAt = existing.NextRunAt
	} else if job.NextRunAt.IsZero() {
		job.NextRunAt = now.Add(job.Every)
	}
	t.recurring[job.ID] = job
	return nil
}

func (t *jobTable) claimDueRecurring(now time.Time) []RecurringJob {
	due := make([]RecurringJob, 0)
	for id, job := range t.recurring {
		if job.NextRunAt.After(now) {
			continue
		}
		due = append(due, job)
		job.NextRunAt = nextRecurringRun(job, now)
		t.recurring[id] = job
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}

func (t *jobTable) depth() int {
	count := 0
	for _, job := range t.jobs {
		if job.pending() {
			count++
		}
	}
	return count
}

// prune drops the oldest finished jobs beyond the retention bound.
func (t *jobTable) prune() {
	finished := 0
	for _, id := range t.order {
		if !t.jobs[id].pending() {
			finished++
		}
	}
	if finished <= t.retention {
		return
	}
	drop := finished - t.retention
	kept := t.order[:0]
	for _, id := range t.order {
		if drop > 0 && !t.jobs[id].pending() {
			delete(t.jobs, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

func (t *jobTable) snapshot() jobTableSnapshot {
	snap := jobTableSnapshot{
		Jobs:      make([]Job, 0, len(t.order)),
		Recurring: make([]RecurringJob, 0, len(t.recurring)),
	}
	for _, id := range t.order {
		snap.Jobs = append(snap.Jobs, t.jobs[id])
	}
	for _, job := range t.recurring {
		snap.Recurring = append(snap.Recurring, job)
	}
	sort.Slice(snap.Recurring, func(i, j int) bool { return snap.Recurring[i].ID < snap.Recurring[j].ID })
	return snap
}

func (t *jobTable) restore(snap jobTableSnapshot) {
	t.jobs = make(map[string]Job, len(snap.Jobs))
	t.order = make([]string, 0, len(snap.Jobs))
	for _, job := range snap.Jobs {
		if job.ID == "" {
			continue
		}
		if _, exists := t.jobs[job.ID]; !exists {
			t.order = append(t.order, job.ID)
		}
		t.jobs[job.ID] = job
	}
	t.recurring = make(map[string]RecurringJob, len(snap.Recurring))
	for _, job := range snap.Recurring {
		if job.ID != "" {
			t.recurring[job.ID] = job
		}
	}
}
