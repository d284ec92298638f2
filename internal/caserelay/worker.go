package caserelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler processes one claimed job. A returned error retries the job
// unless it wraps PermanentError.
type JobHandler func(ctx context.Context, job Job) (json.RawMessage, error)

type WorkerPoolOptions struct {
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
}

type WorkerPool struct {
	queue    JobQueue
	workers  int
	poll     time.Duration
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[JobType]JobHandler
}

func NewWorkerPool(queue JobQueue, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultQueuePoll
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:    queue,
		workers:  workers,
		poll:     poll,
		logger:   logger,
		handlers: map[JobType]JobHandler{},
	}
}

func (p *WorkerPool) Handle(jobType JobType, handler JobHandler) {
	if jobType == "" || handler == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
}

func (p *WorkerPool) handler(jobType JobType) (JobHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *WorkerPool) loop(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		processed, err := p.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("job claim failed", "worker", worker, "err", err)
		}
		if errors.Is(err, ErrQueueClosed) {
			return
		}
		if processed {
			timer.Reset(0)
			continue
		}
		timer.Reset(p.poll)
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed.
func (p *WorkerPool) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := p.queue.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	p.process(ctx, job)
	return true, nil
}

func (p *WorkerPool) process(ctx context.Context, job Job) {
	logger := p.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	result, err := p.execute(ctx, job)
	if err == nil {
		if completeErr := p.queue.Complete(ctx, job.ID, result); completeErr != nil {
			logger.Error("job complete failed", "err", completeErr)
			return
		}
		logger.Debug("job completed")
		return
	}
	state, failErr := p.queue.Fail(ctx, job.ID, err.Error(), isPermanent(err))
	if failErr != nil {
		logger.Error("job fail failed", "err", failErr, "cause", err)
		return
	}
	if state == JobFailed {
		logger.Error("job failed", "err", err)
		return
	}
	logger.Warn("job will retry", "err", err, "state", state)
}

func (p *WorkerPool) execute(ctx context.Context, job Job) (result json.RawMessage, err error) {
	if err := ValidateJobPayload(job.Type, job.Payload); err != nil {
		return nil, Permanent(err)
	}
	handler, ok := p.handler(job.Type)
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job handler panic: %v", recovered)
		}
	}()
	return handler(ctx, job)
}
