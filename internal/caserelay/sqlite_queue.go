package caserelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteJobsTable      = "caserelay_jobs"
	sqliteRecurringTable = "caserelay_recurring_jobs"
	sqliteDSNPragmas     = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
)

// SQLiteJobQueue is a visibility-timeout queue on a single SQLite file.
type SQLiteJobQueue struct {
	path           string
	jobsTable      string
	recurringTable string
	capacity       int
	lease          time.Duration
	newID          IDFunc
	now            func() time.Time
	openDB         sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteJobQueue(path string, capacity int) (*SQLiteJobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &SQLiteJobQueue{
		path:           path,
		jobsTable:      sqliteJobsTable,
		recurringTable: sqliteRecurringTable,
		capacity:       capacity,
		lease:          defaultJobLease,
		newID:          NewID,
		now:            func() time.Time { return time.Now().UTC() },
		openDB:         sql.Open,
	}, nil
}

func (q *SQLiteJobQueue) dsn() string {
	if strings.Contains(q.path, "?") {
		return q.path
	}
	return q.path + "?" + sqliteDSNPragmas
}

func (q *SQLiteJobQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("sqlite", q.dsn())
		if err != nil {
			q.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				payload TEXT NOT NULL,
				state TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				backoff_ms INTEGER NOT NULL,
				progress INTEGER NOT NULL DEFAULT 0,
				failed_reason TEXT NOT NULL DEFAULT '',
				return_value TEXT,
				run_at INTEGER NOT NULL,
				lease_until INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`, q.jobsTable),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_state_run_idx ON %s (state, run_at)", q.jobsTable, q.jobsTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				payload TEXT NOT NULL,
				every_ms INTEGER NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				next_run_at INTEGER NOT NULL
			)`, q.recurringTable),
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = fmt.Errorf("sqlite queue schema: %w", err)
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *SQLiteJobQueue) Enqueue(ctx context.Context, jobType JobType, payload JobPayload, opts EnqueueOptions) (string, error) {
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
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE state IN ('waiting', 'delayed', 'active')", q.jobsTable)
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&depth); err != nil {
		return "", err
	}
	if depth >= q.capacity {
		return "", ErrQueueFull
	}
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, type, payload, state, attempts, max_attempts, backoff_ms, progress, failed_reason, run_at, lease_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, 0, '', ?, 0, ?, ?)`, q.jobsTable)
	if _, err := tx.ExecContext(ctx, insertQuery,
		job.ID, string(job.Type), string(body), string(job.State), job.MaxAttempts, job.Backoff.Milliseconds(),
		job.RunAt.UnixMilli(), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli()); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	committed = true
	return job.ID, nil
}

const sqliteJobColumns = "id, type, payload, state, attempts, max_attempts, backoff_ms, progress, failed_reason, return_value, run_at, lease_until, created_at, updated_at"

func scanSQLiteJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		job         Job
		jobType     string
		payload     string
		state       string
		backoffMS   int64
		returnValue sql.NullString
		runAt       int64
		leaseUntil  int64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(&job.ID, &jobType, &payload, &state, &job.Attempts, &job.MaxAttempts, &backoffMS, &job.Progress,
		&job.FailedReason, &returnValue, &runAt, &leaseUntil, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return Job{}, err
	}
	job.Type = JobType(jobType)
	job.State = JobState(state)
	job.Backoff = time.Duration(backoffMS) * time.Millisecond
	if returnValue.Valid && returnValue.String != "" {
		job.ReturnValue = json.RawMessage(returnValue.String)
	}
	job.RunAt = time.UnixMilli(runAt).UTC()
	if leaseUntil > 0 {
		job.LeaseUntil = time.UnixMilli(leaseUntil).UTC()
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return job, nil
}

func (q *SQLiteJobQueue) Claim(ctx context.Context) (Job, bool, error) {
	if err := q.ensureReady(); err != nil {
		return Job{}, false, err
	}
	now := q.now()
	query := fmt.Sprintf(`
		UPDATE %s SET state = 'active', attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM %s
			WHERE (state IN ('waiting', 'delayed') AND run_at <= ?) OR (state = 'active' AND lease_until <= ?)
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING %s`, q.jobsTable, q.jobsTable, sqliteJobColumns)
	nowMS := now.UnixMilli()
	job, err := scanSQLiteJob(q.db.QueryRowContext(ctx, query, now.Add(q.lease).UnixMilli(), nowMS, nowMS, nowMS))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *SQLiteJobQueue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET state = 'completed', progress = 100, return_value = ?, failed_reason = '', lease_until = 0, updated_at = ?
		WHERE id = ?`, q.jobsTable)
	res, err := q.db.ExecContext(ctx, query, nullableJSON(result), q.now().UnixMilli(), jobID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *SQLiteJobQueue) Fail(ctx context.Context, jobID, reason string, permanent bool) (JobState, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State == JobCompleted || job.State == JobFailed {
		return job.State, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.State)
	}
	job.markFailed(reason, permanent, q.now())
	query := fmt.Sprintf(`
		UPDATE %s SET state = ?, failed_reason = ?, run_at = ?, lease_until = 0, updated_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed')`, q.jobsTable)
	res, err := q.db.ExecContext(ctx, query, string(job.State), job.FailedReason, job.RunAt.UnixMilli(), job.UpdatedAt.UnixMilli(), jobID)
	if err != nil {
		return "", err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return "", fmt.Errorf("%w: job %s finished concurrently", ErrInvalidState, jobID)
	}
	return job.State, nil
}

func (q *SQLiteJobQueue) Get(ctx context.Context, jobID string) (Job, error) {
	if err := q.ensureReady(); err != nil {
		return Job{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", sqliteJobColumns, q.jobsTable)
	job, err := scanSQLiteJob(q.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

func (q *SQLiteJobQueue) RegisterRecurring(ctx context.Context, job RecurringJob) error {
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
	query := fmt.Sprintf(`
		INSERT INTO %s (id, type, payload, every_ms, attempts, next_run_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET type = excluded.type, payload = excluded.payload, every_ms = excluded.every_ms, attempts = excluded.attempts`,
		q.recurringTable)
	_, err = q.db.ExecContext(ctx, query, job.ID, string(job.Type), string(body), job.Every.Milliseconds(), job.Attempts, nextRunAt.UnixMilli())
	return err
}

func (q *SQLiteJobQueue) ClaimDueRecurring(ctx context.Context, now time.Time) ([]RecurringJob, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf("SELECT id, type, payload, every_ms, attempts, next_run_at FROM %s WHERE next_run_at <= ? ORDER BY id", q.recurringTable), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	candidates := make([]RecurringJob, 0)
	for rows.Next() {
		var (
			job       RecurringJob
			jobType   string
			payload   string
			everyMS   int64
			nextRunAt int64
		)
		if err := rows.Scan(&job.ID, &jobType, &payload, &everyMS, &job.Attempts, &nextRunAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
			continue
		}
		job.Type = JobType(jobType)
		job.Every = time.Duration(everyMS) * time.Millisecond
		job.NextRunAt = time.UnixMilli(nextRunAt).UTC()
		candidates = append(candidates, job)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	due := make([]RecurringJob, 0, len(candidates))
	advance := fmt.Sprintf("UPDATE %s SET next_run_at = ? WHERE id = ? AND next_run_at = ?", q.recurringTable)
	for _, job := range candidates {
		res, err := q.db.ExecContext(ctx, advance, nextRecurringRun(job, now).UnixMilli(), job.ID, job.NextRunAt.UnixMilli())
		if err != nil {
			return due, err
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			due = append(due, job)
		}
	}
	return due, nil
}

func (q *SQLiteJobQueue) Depth(ctx context.Context) int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE state IN ('waiting', 'delayed', 'active')", q.jobsTable)
	if err := q.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *SQLiteJobQueue) Capacity() int {
	return q.capacity
}

func (q *SQLiteJobQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
