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

	"github.com/lib/pq"
)

const (
	postgresDefaultTablePrefix = "caserelay_"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresRepository struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRepository{
		dsn:         dsn,
		tablePrefix: postgresDefaultTablePrefix,
		openDB:      sql.Open,
	}, nil
}

func (r *PostgresRepository) table(name string) string {
	return postgresQuoteIdentifier(r.tablePrefix + name)
}

// ensureReady opens the database and creates the schema. A failed attempt
// is not remembered; the next call tries again.
func (r *PostgresRepository) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.db != nil {
		return nil
	}
	db, err := r.openDB("postgres", r.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*postgresOperationTimeout)
	defer cancel()
	for _, stmt := range r.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("postgres repository schema: %w", err)
		}
	}
	r.db = db
	return nil
}

func (r *PostgresRepository) schema() []string {
	users := r.table("users")
	cases := r.table("cases")
	hearings := r.table("hearings")
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, users),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES %s (id),
			case_number TEXT NOT NULL,
			court_code TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			next_hearing TIMESTAMPTZ NULL,
			last_synced TIMESTAMPTZ NULL,
			raw_snapshot JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, cases, users),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES %s (id),
			transcript TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, hearings, cases),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			case_id TEXT NOT NULL REFERENCES %s (id),
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			file_url TEXT NOT NULL,
			form_data JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, r.table("documents"), cases),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, r.table("notifications")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			case_id TEXT NOT NULL REFERENCES %s (id),
			connector TEXT NOT NULL,
			status TEXT NOT NULL,
			job_id TEXT NULL,
			request_payload JSONB NULL,
			result_payload JSONB NULL,
			error_message TEXT NULL,
			completed_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, r.table("connector_requests"), cases),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (user_id, connector, created_at DESC)",
			postgresQuoteIdentifier(r.tablePrefix+"connector_requests_owner_idx"), r.table("connector_requests")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			hearing_id TEXT NOT NULL REFERENCES %s (id),
			speaker TEXT NULL,
			text TEXT NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			confidence DOUBLE PRECISION NULL,
			source TEXT NOT NULL,
			source_event_id TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, r.table("transcript_segments"), hearings),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (hearing_id, source_event_id)",
			postgresQuoteIdentifier(r.tablePrefix+"transcript_segments_event_idx"), r.table("transcript_segments")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hearing_id TEXT NOT NULL REFERENCES %s (id),
			source_event_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (hearing_id, source_event_id)
		)`, r.table("transcript_events"), hearings),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NULL REFERENCES %s (id),
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			metadata JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, r.table("audit_entries"), users),
	}
}

func (r *PostgresRepository) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (r *PostgresRepository) SaveCase(ctx context.Context, c Case) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.UserID) == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", r.table("users")), c.UserID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, user_id, case_number, court_code, status, next_hearing, last_synced, raw_snapshot, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				case_number = EXCLUDED.case_number,
				court_code = EXCLUDED.court_code,
				status = EXCLUDED.status,
				next_hearing = EXCLUDED.next_hearing,
				last_synced = EXCLUDED.last_synced,
				raw_snapshot = EXCLUDED.raw_snapshot`, r.table("cases")),
			c.ID, c.UserID, c.CaseNumber, c.CourtCode, c.Status, c.NextHearing, c.LastSynced, nullableJSON(c.RawSnapshot), c.CreatedAt)
		return err
	})
}

const postgresCaseColumns = "id, user_id, case_number, court_code, status, next_hearing, last_synced, raw_snapshot, created_at"

func scanCase(row interface{ Scan(...any) error }) (Case, error) {
	var (
		c           Case
		nextHearing sql.NullTime
		lastSynced  sql.NullTime
		raw         []byte
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.CaseNumber, &c.CourtCode, &c.Status, &nextHearing, &lastSynced, &raw, &c.CreatedAt); err != nil {
		return Case{}, err
	}
	if nextHearing.Valid {
		c.NextHearing = timePtr(nextHearing.Time.UTC())
	}
	if lastSynced.Valid {
		c.LastSynced = timePtr(lastSynced.Time.UTC())
	}
	if len(raw) > 0 {
		c.RawSnapshot = json.RawMessage(raw)
	}
	return c, nil
}

func (r *PostgresRepository) GetCase(ctx context.Context, caseID string) (Case, error) {
	if err := r.ensureReady(); err != nil {
		return Case{}, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	row := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", postgresCaseColumns, r.table("cases")), caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepository) GetOwnedCase(ctx context.Context, userID, caseID string) (Case, error) {
	if err := r.ensureReady(); err != nil {
		return Case{}, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	row := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND user_id = $2", postgresCaseColumns, r.table("cases")), caseID, userID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepository) ListCases(ctx context.Context, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = bulkSyncLimit
	}
	return r.queryCases(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at ASC, id ASC LIMIT $1", postgresCaseColumns, r.table("cases")), limit)
}

func (r *PostgresRepository) ListCasesByUser(ctx context.Context, userID string) ([]Case, error) {
	return r.queryCases(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at ASC, id ASC", postgresCaseColumns, r.table("cases")), userID)
}

func (r *PostgresRepository) queryCases(ctx context.Context, query string, args ...any) ([]Case, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Case, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateCaseSync(ctx context.Context, caseID string, update CaseSyncUpdate) error {
	return r.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, next_hearing = $3, raw_snapshot = $4, last_synced = $5
		WHERE id = $1`, r.table("cases")),
		caseID, update.Status, update.NextHearing, nullableJSON(update.RawSnapshot), update.LastSynced)
}

func (r *PostgresRepository) SaveHearing(ctx context.Context, h Hearing) error {
	if strings.TrimSpace(h.ID) == "" || strings.TrimSpace(h.CaseID) == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, case_id, transcript, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET case_id = EXCLUDED.case_id, transcript = EXCLUDED.transcript, updated_at = EXCLUDED.updated_at`,
		r.table("hearings")), h.ID, h.CaseID, h.Transcript, h.UpdatedAt)
	return mapPostgresError(err)
}

func (r *PostgresRepository) GetHearing(ctx context.Context, hearingID string) (Hearing, error) {
	if err := r.ensureReady(); err != nil {
		return Hearing{}, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	var h Hearing
	err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT id, case_id, transcript, updated_at FROM %s WHERE id = $1", r.table("hearings")), hearingID).
		Scan(&h.ID, &h.CaseID, &h.Transcript, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Hearing{}, ErrNotFound
	}
	return h, err
}

// AppendTranscript appends in a single statement so concurrent deliveries
// never drop each other's lines.
func (r *PostgresRepository) AppendTranscript(ctx context.Context, hearingID, line string) error {
	return r.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET
			transcript = CASE
				WHEN btrim(transcript, E' \t\r\n') = '' THEN $2
				ELSE btrim(transcript, E' \t\r\n') || E'\n' || $2
			END,
			updated_at = NOW()
		WHERE id = $1`, r.table("hearings")), hearingID, line)
}

func (r *PostgresRepository) CreateDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, case_id, type, title, file_url, form_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, r.table("documents"))
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, doc := range docs {
			formData, err := marshalNullable(doc.FormData)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, doc.ID, doc.UserID, doc.CaseID, doc.Type, doc.Title, doc.FileURL, formData, doc.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) ListDocuments(ctx context.Context, caseID string) ([]Document, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, case_id, type, title, file_url, form_data, created_at
		FROM %s WHERE case_id = $1 ORDER BY created_at ASC, id ASC`, r.table("documents")), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Document, 0)
	for rows.Next() {
		var doc Document
		var formData []byte
		if err := rows.Scan(&doc.ID, &doc.UserID, &doc.CaseID, &doc.Type, &doc.Title, &doc.FileURL, &formData, &doc.CreatedAt); err != nil {
			return nil, err
		}
		if len(formData) > 0 {
			if err := json.Unmarshal(formData, &doc.FormData); err != nil {
				return nil, err
			}
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateNotification(ctx context.Context, n Notification) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	content, err := json.Marshal(n.Content)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, user_id, type, content, created_at) VALUES ($1, $2, $3, $4, $5)", r.table("notifications")),
		n.ID, n.UserID, n.Type, string(content), n.CreatedAt)
	return mapPostgresError(err)
}

func (r *PostgresRepository) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT id, user_id, type, content, created_at FROM %s WHERE user_id = $1 ORDER BY created_at ASC, id ASC", r.table("notifications")), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		var content []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &content, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &n.Content); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateConnectorRequest(ctx context.Context, req ConnectorRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, case_id, connector, status, job_id, request_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`, r.table("connector_requests")),
		req.ID, req.UserID, req.CaseID, string(req.Connector), string(req.Status), req.JobID, nullableJSON(req.RequestPayload), req.CreatedAt, req.UpdatedAt)
	return mapPostgresError(err)
}

const postgresRequestColumns = "id, user_id, case_id, connector, status, job_id, request_payload, result_payload, error_message, completed_at, created_at, updated_at"

func scanConnectorRequest(row interface{ Scan(...any) error }) (ConnectorRequest, error) {
	var (
		req          ConnectorRequest
		connector    string
		status       string
		jobID        sql.NullString
		requestBody  []byte
		resultBody   []byte
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.UserID, &req.CaseID, &connector, &status, &jobID, &requestBody, &resultBody, &errorMessage, &completedAt, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return ConnectorRequest{}, err
	}
	req.Connector = Connector(connector)
	req.Status = RequestStatus(status)
	req.JobID = jobID.String
	req.ErrorMessage = errorMessage.String
	if len(requestBody) > 0 {
		req.RequestPayload = json.RawMessage(requestBody)
	}
	if len(resultBody) > 0 {
		req.ResultPayload = json.RawMessage(resultBody)
	}
	if completedAt.Valid {
		req.CompletedAt = timePtr(completedAt.Time.UTC())
	}
	return req, nil
}

func (r *PostgresRepository) GetConnectorRequest(ctx context.Context, requestID string) (ConnectorRequest, error) {
	if err := r.ensureReady(); err != nil {
		return ConnectorRequest{}, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	row := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", postgresRequestColumns, r.table("connector_requests")), requestID)
	req, err := scanConnectorRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConnectorRequest{}, ErrNotFound
	}
	return req, err
}

func (r *PostgresRepository) ListConnectorRequests(ctx context.Context, filter ConnectorRequestFilter) ([]ConnectorRequest, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND ($2 = '' OR connector = $2) AND ($3 = '' OR case_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, postgresRequestColumns, r.table("connector_requests")),
		filter.UserID, string(filter.Connector), filter.CaseID, normalizeRequestLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ConnectorRequest, 0)
	for rows.Next() {
		req, err := scanConnectorRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetConnectorRequestJob(ctx context.Context, requestID, jobID string) error {
	return r.execOne(ctx, fmt.Sprintf("UPDATE %s SET job_id = $2, updated_at = NOW() WHERE id = $1", r.table("connector_requests")), requestID, jobID)
}

func (r *PostgresRepository) ClaimConnectorRequest(ctx context.Context, requestID string, now, staleBefore time.Time) (bool, error) {
	claimed, err := r.execConditional(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'processing', error_message = NULL, updated_at = $2
		WHERE id = $1 AND (status IN ('queued', 'failed') OR (status = 'processing' AND updated_at < $3))`,
		r.table("connector_requests")), requestID, now, staleBefore)
	if err != nil || claimed {
		return claimed, err
	}
	return false, r.requireRequest(ctx, requestID)
}

func (r *PostgresRepository) CompleteConnectorRequest(ctx context.Context, requestID string, result json.RawMessage, at time.Time) (bool, error) {
	done, err := r.execConditional(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'completed', result_payload = $2, error_message = NULL, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, r.table("connector_requests")), requestID, nullableJSON(result), at)
	if err != nil || done {
		return done, err
	}
	return false, r.requireRequest(ctx, requestID)
}

func (r *PostgresRepository) FailConnectorRequest(ctx context.Context, requestID, message string, at time.Time) (bool, error) {
	done, err := r.execConditional(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status <> 'completed'`, r.table("connector_requests")), requestID, message, at)
	if err != nil || done {
		return done, err
	}
	return false, r.requireRequest(ctx, requestID)
}

func (r *PostgresRepository) requireRequest(ctx context.Context, requestID string) error {
	_, err := r.GetConnectorRequest(ctx, requestID)
	return err
}

func (r *PostgresRepository) TranscriptSegmentExists(ctx context.Context, hearingID, sourceEventID string) (bool, error) {
	if err := r.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	var exists bool
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT EXISTS (SELECT 1 FROM %s WHERE hearing_id = $1 AND source_event_id = $2)
		    OR EXISTS (SELECT 1 FROM %s WHERE hearing_id = $1 AND source_event_id = $2)`,
		r.table("transcript_segments"), r.table("transcript_events")), hearingID, sourceEventID).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) InsertTranscriptSegments(ctx context.Context, segments []TranscriptSegment) error {
	if len(segments) == 0 {
		return nil
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	eventQuery := fmt.Sprintf("INSERT INTO %s (hearing_id, source_event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", r.table("transcript_events"))
	segmentQuery := fmt.Sprintf(`
		INSERT INTO %s (id, hearing_id, speaker, text, started_at, ended_at, confidence, source, source_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, r.table("transcript_segments"))
	return r.inTx(ctx, func(tx *sql.Tx) error {
		seen := map[string]struct{}{}
		for _, segment := range segments {
			if segment.Source != SegmentSourceLivekit || segment.SourceEventID == nil {
				continue
			}
			key := segment.HearingID + "|" + *segment.SourceEventID
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			res, err := tx.ExecContext(ctx, eventQuery, segment.HearingID, *segment.SourceEventID)
			if err != nil {
				return err
			}
			if affected, err := res.RowsAffected(); err != nil {
				return err
			} else if affected == 0 {
				return fmt.Errorf("%w: transcript event %s already ingested", ErrConflict, *segment.SourceEventID)
			}
		}
		for _, segment := range segments {
			if _, err := tx.ExecContext(ctx, segmentQuery,
				segment.ID, segment.HearingID, segment.Speaker, segment.Text, segment.StartedAt, segment.EndedAt,
				segment.Confidence, segment.Source, segment.SourceEventID, segment.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) ListTranscriptSegments(ctx context.Context, hearingID string) ([]TranscriptSegment, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, hearing_id, speaker, text, started_at, ended_at, confidence, source, source_event_id, created_at
		FROM %s WHERE hearing_id = $1
		ORDER BY started_at ASC NULLS LAST, created_at ASC, seq ASC`, r.table("transcript_segments")), hearingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TranscriptSegment, 0)
	for rows.Next() {
		var (
			segment    TranscriptSegment
			speaker    sql.NullString
			startedAt  sql.NullTime
			endedAt    sql.NullTime
			confidence sql.NullFloat64
			eventID    sql.NullString
		)
		if err := rows.Scan(&segment.ID, &segment.HearingID, &speaker, &segment.Text, &startedAt, &endedAt, &confidence, &segment.Source, &eventID, &segment.CreatedAt); err != nil {
			return nil, err
		}
		if speaker.Valid {
			segment.Speaker = stringPtr(speaker.String)
		}
		if startedAt.Valid {
			segment.StartedAt = timePtr(startedAt.Time.UTC())
		}
		if endedAt.Valid {
			segment.EndedAt = timePtr(endedAt.Time.UTC())
		}
		if confidence.Valid {
			value := confidence.Float64
			segment.Confidence = &value
		}
		if eventID.Valid {
			segment.SourceEventID = stringPtr(eventID.String)
		}
		out = append(out, segment)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateAuditEntry(ctx context.Context, entry AuditEntry) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	metadata, err := marshalNullable(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, action, resource, metadata, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`, r.table("audit_entries")),
		entry.ID, entry.UserID, entry.Action, entry.Resource, metadata, entry.CreatedAt)
	return mapPostgresError(err)
}

func (r *PostgresRepository) ListAuditEntries(ctx context.Context, resource string) ([]AuditEntry, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, COALESCE(user_id, ''), action, resource, metadata, created_at
		FROM %s WHERE ($1 = '' OR resource = $1) ORDER BY created_at ASC, id ASC`, r.table("audit_entries")), resource)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.Resource, &metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Close() error {
	if r == nil {
		return nil
	}
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return mapPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapPostgresError(err)
	}
	committed = true
	return nil
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	affected, err := r.execConditional(ctx, query, args...)
	if err != nil {
		return err
	}
	if !affected {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	if err := r.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mapPostgresError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", ErrForeignKey, pqErr.Message)
		}
	}
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalNullable(value map[string]any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
