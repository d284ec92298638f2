package caserelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	postgresJobsTableName      = "caserelay_jobs"
	postgresRecurringTableName = "caserelay_recurring_jobs"
	postgresQueueKey           = "default"
)

type PostgresJobQueue struct {
	dsn            string
	jobsTable      string
	recurringTable string
	queueKey       string
	capacity       int
	lease          time.Duration
	newID          IDFunc
	now            func() time.Time
	openDB         sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresJobQueue(dsn string, capacity int) (*PostgresJobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &PostgresJobQueue{
		dsn:            dsn,
		jobsTable:      postgresJobsTableName,
		recurringTable: postgresRecurringTableName,
		queueKey:       postgresQueueKey,
		capacity:       capacity,
		lease:          defaultJobLease,
		newID:          NewID,
		now:            func() time.Time { return time.Now().UTC() },
		openDB:         sql.Open,
	}, nil
}

// ensureReady retries initialization on every call until it succeeds.
func (q *PostgresJobQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db != nil {
		return nil
	}
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	jobs := postgresQuoteIdentifier(q.jobsTable)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			queue_key TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			backoff_ms BIGINT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			failed_reason TEXT NOT NULL DEFAULT '',
			return_value JSONB NULL,
			run_at TIMESTAMPTZ NOT NULL,
			lease_until TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, jobs),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, state, run_at)",
			postgresQuoteIdentifier(q.jobsTable+"_claim_idx"), jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			queue_key TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			every_ms BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_run_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (queue_key, id)
		)`, postgresQuoteIdentifier(q.recurringTable)),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return err
		}
	}
	q.db = db
	return nil
}

func (q *PostgresJobQueue) Enqueue(ctx context.Context, jobType JobType, payload JobPayload, opts EnqueueOptions) (string, error) {
	if jobType == "" {
		return "", ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return "", err
	}
	job := newJob(q.newID(), jobType, payload, opts, q.now())
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.jobsTable, q.queueKey)); err != nil {
		return "", err
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1 AND state IN ('waiting', 'delayed', 'active')", postgresQuoteIdentifier(q.jobsTable))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return "", err
	}
	if depth >= q.capacity {
		return "", ErrQueueFull
	}
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, queue_key, type, payload, state, max_attempts, backoff_ms, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`, postgresQuoteIdentifier(q.jobsTable))
	if _, err := tx.ExecContext(ctx, insertQuery, job.ID, q.queueKey, string(job.Type), string(body), string(job.State),
		job.MaxAttempts, job.Backoff.Milliseconds(), job.RunAt, job.CreatedAt); err != nil {
		return "", mapPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	committed = true
	return job.ID, nil
}

const postgresJobColumns = "id, type, payload, state, attempts, max_attempts, backoff_ms, progress, failed_reason, return_value, run_at, lease_until, created_at, updated_at"

func scanPostgresJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		job         Job
		jobType     string
		payload     []byte
		state       string
		backoffMS   int64
		returnValue []byte
		leaseUntil  sql.NullTime
	)
	if err := row.Scan(&job.ID, &jobType, &payload, &state, &job.Attempts, &job.MaxAttempts, &backoffMS, &job.Progress,
		&job.FailedReason, &returnValue, &job.RunAt, &leaseUntil, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return Job{}, err
	}
	job.Type = JobType(jobType)
	job.State = JobState(state)
	job.Backoff = time.Duration(backoffMS) * time.Millisecond
	if len(returnValue) > 0 {
		job.ReturnValue = json.RawMessage(returnValue)
	}
	if leaseUntil.Valid {
		job.LeaseUntil = leaseUntil.Time.UTC()
	}
	job.RunAt = job.RunAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func (q *PostgresJobQueue) Claim(ctx context.Context) (Job, bool, error) {
	if err := q.ensureReady(); err != nil {
		return Job{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	now := q.now()
	jobs := postgresQuoteIdentifier(q.jobsTable)
	query := fmt.Sprintf(`
		WITH next AS (
			SELECT id FROM %s
			WHERE queue_key = $1
			  AND ((state IN ('waiting', 'delayed') AND run_at <= $2) OR (state = 'active' AND lease_until <= $2))
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s AS j
		SET state = 'active', attempts = j.attempts + 1, lease_until = $3, updated_at = $2
		FROM next
		WHERE j.id = next.id
		RETURNING j.id, j.type, j.payload, j.state, j.attempts, j.max_attempts, j.backoff_ms, j.progress,
			j.failed_reason, j.return_value, j.run_at, j.lease_until, j.created_at, j.updated_at`, jobs, jobs)
	job, err := scanPostgresJob(q.db.QueryRowContext(ctx, query, q.queueKey, now, now.Add(q.lease)))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *PostgresJobQueue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET state = 'completed', progress = 100, return_value = $2, failed_reason = '', lease_until = NULL, updated_at = $3
		WHERE id = $1`, postgresQuoteIdentifier(q.jobsTable))
	res, err := q.db.ExecContext(ctx, query, jobID, nullableJSON(result), q.now())
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresJobQueue) Fail(ctx context.Context, jobID, reason string, permanent bool) (JobState, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State == JobCompleted || job.State == JobFailed {
		return job.State, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.State)
	}
	job.markFailed(reason, permanent, q.now())
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET state = $2, failed_reason = $3, run_at = $4, lease_until = NULL, updated_at = $5
		WHERE id = $1 AND state NOT IN ('completed', 'failed')`, postgresQuoteIdentifier(q.jobsTable))
	res, err := q.db.ExecContext(ctx, query, jobID, string(job.State), job.FailedReason, job.RunAt, job.UpdatedAt)
	if err != nil {
		return "", err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return "", fmt.Errorf("%w: job %s finished concurrently", ErrInvalidState, jobID)
	}
	return job.State, nil
}

func (q *PostgresJobQueue) Get(ctx context.Context, jobID string) (Job, error) {
	if err := q.ensureReady(); err != nil {
		return Job{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND queue_key = $2", postgresJobColumns, postgresQuoteIdentifier(q.jobsTable))
	job, err := scanPostgresJob(q.db.QueryRowContext(ctx, query, jobID, q.queueKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

func (q *PostgresJobQueue) RegisterRecurring(ctx context.Context, job RecurringJob) error {
	if job.ID == "" || job.Type == "" || job.Every <= 0 {
		return ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	nextRunAt := job.NextRunAt
	if nextRunAt.IsZero() {
		nextRunAt = q.now().Add(job.Every)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, queue_key, type, payload, every_ms, attempts, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (queue_key, id) DO UPDATE SET
			type = EXCLUDED.type,
			payload = EXCLUDED.payload,
			every_ms = EXCLUDED.every_ms,
			attempts = EXCLUDED.attempts`, postgresQuoteIdentifier(q.recurringTable))
	_, err = q.db.ExecContext(ctx, query, job.ID, q.queueKey, string(job.Type), string(body), job.Every.Milliseconds(), job.Attempts, nextRunAt)
	return err
}

// ClaimDueRecurring advances due rows in one statement; row locks make
// concurrent schedulers skip a slot another instance already advanced.
func (q *PostgresJobQueue) ClaimDueRecurring(ctx context.Context, now time.Time) ([]RecurringJob, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s AS r
		SET next_run_at = r.next_run_at + (((FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - r.next_run_at)) * 1000 / r.every_ms) + 1) * r.every_ms) * INTERVAL '1 millisecond')
		WHERE r.queue_key = $1 AND r.next_run_at <= $2::timestamptz
		RETURNING r.id, r.type, r.payload, r.every_ms, r.attempts, r.next_run_at`, postgresQuoteIdentifier(q.recurringTable))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	due := make([]RecurringJob, 0)
	for rows.Next() {
		var (
			job     RecurringJob
			jobType string
			payload []byte
			everyMS int64
		)
		if err := rows.Scan(&job.ID, &jobType, &payload, &everyMS, &job.Attempts, &job.NextRunAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			continue
		}
		job.Type = JobType(jobType)
		job.Every = time.Duration(everyMS) * time.Millisecond
		job.NextRunAt = job.NextRunAt.UTC()
		due = append(due, job)
	}
	return due, rows.Err()
}

func (q *PostgresJobQueue) Depth(ctx context.Context) int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1 AND state IN ('waiting', 'delayed', 'active')", postgresQuoteIdentifier(q.jobsTable))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	if q == nil {
		return nil
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
