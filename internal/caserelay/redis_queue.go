package caserelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultPrefix     = "caserelay:queue:default"
	redisFinishedRetention = 7 * 24 * time.Hour
)

// claimScript moves the earliest due pending job, or an active job whose
// lease expired, into the active set.
var redisClaimScript = redis.NewScript(`
local id = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)[1]
if not id then
  id = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)[1]
  if not id then
    return false
  end
end
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

var redisAdvanceScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

type RedisJobQueue struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	lease    time.Duration
	newID    IDFunc
	now      func() time.Time
}

func NewRedisJobQueue(dsn string, capacity int) (*RedisJobQueue, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: redis dsn: %v", ErrInvalidInput, err)
	}
	return NewRedisJobQueueWithClient(redis.NewClient(opts), redisDefaultPrefix, capacity), nil
}

func NewRedisJobQueueWithClient(client redis.UniversalClient, prefix string, capacity int) *RedisJobQueue {
	if strings.TrimSpace(prefix) == "" {
		prefix = redisDefaultPrefix
	}
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &RedisJobQueue{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		lease:    defaultJobLease,
		newID:    NewID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (q *RedisJobQueue) key(parts ...string) string {
	return q.prefix + ":" + strings.Join(parts, ":")
}

func (q *RedisJobQueue) jobKey(id string) string {
	return q.key("job", id)
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, jobType JobType, payload JobPayload, opts EnqueueOptions) (string, error) {
	if jobType == "" {
		return "", ErrInvalidInput
	}
	if q.Depth(ctx) >= q.capacity {
		return "", ErrQueueFull
	}
	job := newJob(q.newID(), jobType, payload, opts, q.now())
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
		pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *RedisJobQueue) Claim(ctx context.Context) (Job, bool, error) {
	now := q.now()
	leaseUntil := now.Add(q.lease)
	id, err := redisClaimScript.Run(ctx, q.client,
		[]string{q.key("pending"), q.key("active")},
		now.UnixMilli(), leaseUntil.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Job body expired or was removed; drop the dangling reference.
		_ = q.client.ZRem(ctx, q.key("active"), id).Err()
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	job.markClaimed(now, q.lease)
	if err := q.saveJob(ctx, job, 0); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisJobQueue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.markCompleted(result, q.now())
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("active"), jobID)
		pipe.ZRem(ctx, q.key("pending"), jobID)
		pipe.Set(ctx, q.jobKey(jobID), body, redisFinishedRetention)
		return nil
	})
	return err
}

func (q *RedisJobQueue) Fail(ctx context.Context, jobID, reason string, permanent bool) (JobState, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State == JobCompleted || job.State == JobFailed {
		return job.State, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.State)
	}
	job.markFailed(reason, permanent, q.now())
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("active"), jobID)
		if job.State == JobFailed {
			pipe.Set(ctx, q.jobKey(jobID), body, redisFinishedRetention)
			return nil
		}
		pipe.Set(ctx, q.jobKey(jobID), body, 0)
		pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: jobID})
		return nil
	})
	if err != nil {
		return "", err
	}
	return job.State, nil
}

func (q *RedisJobQueue) Get(ctx context.Context, jobID string) (Job, error) {
	body, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) saveJob(ctx context.Context, job Job, ttl time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.jobKey(job.ID), body, ttl).Err()
}

// RegisterRecurring stores the definition and seeds the schedule with ZADD NX,
// so a restart never moves an existing trigger.
func (q *RedisJobQueue) RegisterRecurring(ctx context.Context, job RecurringJob) error {
	if job.ID == "" || job.Type == "" || job.Every <= 0 {
		return ErrInvalidInput
	}
	nextRunAt := job.NextRunAt
	if nextRunAt.IsZero() {
		nextRunAt = q.now().Add(job.Every)
	}
	job.NextRunAt = time.Time{}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("recurring"), job.ID, body)
		pipe.ZAddNX(ctx, q.key("recurring", "next"), redis.Z{Score: float64(nextRunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (q *RedisJobQueue) ClaimDueRecurring(ctx context.Context, now time.Time) ([]RecurringJob, error) {
	entries, err := q.client.ZRangeByScoreWithScores(ctx, q.key("recurring", "next"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	due := make([]RecurringJob, 0, len(entries))
	for _, entry := range entries {
		id, ok := entry.Member.(string)
		if !ok {
			continue
		}
		body, err := q.client.HGet(ctx, q.key("recurring"), id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return due, err
		}
		var job RecurringJob
		if err := json.Unmarshal(body, &job); err != nil {
			continue
		}
		job.NextRunAt = time.UnixMilli(int64(entry.Score)).UTC()
		next := nextRecurringRun(job, now)
		won, err := redisAdvanceScript.Run(ctx, q.client, []string{q.key("recurring", "next")},
			id, int64(entry.Score), next.UnixMilli()).Int()
		if err != nil {
			return due, err
		}
		if won == 1 {
			due = append(due, job)
		}
	}
	return due, nil
}

func (q *RedisJobQueue) Depth(ctx context.Context) int {
	pending, err := q.client.ZCard(ctx, q.key("pending")).Result()
	if err != nil {
		return 0
	}
	active, err := q.client.ZCard(ctx, q.key("active")).Result()
	if err != nil {
		return 0
	}
	return int(pending + active)
}

func (q *RedisJobQueue) Capacity() int {
	return q.capacity
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}
