package caserelay

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler turns recurring triggers stored in the queue into ordinary jobs.
// Several schedulers may share one queue; ClaimDueRecurring hands each due
// slot to one of them.
type Scheduler struct {
	queue  JobQueue
	poll   time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewScheduler(queue JobQueue, poll time.Duration, logger *slog.Logger) *Scheduler {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:  queue,
		poll:   poll,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register upserts a trigger under its stable ID, so re-registering on every
// boot keeps a single schedule.
func (s *Scheduler) Register(ctx context.Context, job RecurringJob) error {
	if err := ValidateJobPayload(job.Type, job.Payload); err != nil {
		return err
	}
	if err := s.queue.RegisterRecurring(ctx, job); err != nil {
		return err
	}
	s.logger.Info("recurring job registered", "recurring_id", job.ID, "job_type", job.Type, "every", job.Every.String())
	return nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("recurring tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick enqueues one job per due trigger and returns the enqueued job IDs.
func (s *Scheduler) Tick(ctx context.Context) ([]string, error) {
	due, err := s.queue.ClaimDueRecurring(ctx, s.now())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(due))
	for _, trigger := range due {
		id, err := s.queue.Enqueue(ctx, trigger.Type, trigger.Payload, EnqueueOptions{Attempts: trigger.Attempts})
		if err != nil {
			s.logger.Warn("recurring enqueue failed", "recurring_id", trigger.ID, "job_type", trigger.Type, "err", err)
			continue
		}
		s.logger.Debug("recurring job enqueued", "recurring_id", trigger.ID, "job_id", id)
		ids = append(ids, id)
	}
	return ids, nil
}
