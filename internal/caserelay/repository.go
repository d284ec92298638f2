package caserelay

import (
	"context"
	"encoding/json"
	"time"
)

const defaultRequestListLimit = 50

// Repository is the persistence port for every entity the integration
// pipeline reads or mutates. Lookups report ErrNotFound for missing rows.
type Repository interface {
	SaveCase(ctx context.Context, c Case) error
	GetCase(ctx context.Context, caseID string) (Case, error)
	GetOwnedCase(ctx context.Context, userID, caseID string) (Case, error)
	ListCases(ctx context.Context, limit int) ([]Case, error)
	ListCasesByUser(ctx context.Context, userID string) ([]Case, error)
	UpdateCaseSync(ctx context.Context, caseID string, update CaseSyncUpdate) error

	SaveHearing(ctx context.Context, h Hearing) error
	GetHearing(ctx context.Context, hearingID string) (Hearing, error)
	AppendTranscript(ctx context.Context, hearingID, line string) error

	CreateDocuments(ctx context.Context, docs []Document) error
	ListDocuments(ctx context.Context, caseID string) ([]Document, error)
	CreateNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, userID string) ([]Notification, error)

	CreateConnectorRequest(ctx context.Context, req ConnectorRequest) error
	GetConnectorRequest(ctx context.Context, requestID string) (ConnectorRequest, error)
	ListConnectorRequests(ctx context.Context, filter ConnectorRequestFilter) ([]ConnectorRequest, error)
	SetConnectorRequestJob(ctx context.Context, requestID, jobID string) error
	// ClaimConnectorRequest moves a queued or failed request (or a processing
	// request last touched before staleBefore) into processing. It reports
	// false when another worker holds the claim or the request is completed.
	ClaimConnectorRequest(ctx context.Context, requestID string, now, staleBefore time.Time) (bool, error)
	CompleteConnectorRequest(ctx context.Context, requestID string, result json.RawMessage, at time.Time) (bool, error)
	FailConnectorRequest(ctx context.Context, requestID, message string, at time.Time) (bool, error)

	TranscriptSegmentExists(ctx context.Context, hearingID, sourceEventID string) (bool, error)
	// InsertTranscriptSegments returns ErrConflict when a segment repeats a
	// hearing/sourceEventId pair already stored.
	InsertTranscriptSegments(ctx context.Context, segments []TranscriptSegment) error
	ListTranscriptSegments(ctx context.Context, hearingID string) ([]TranscriptSegment, error)

	// CreateAuditEntry returns ErrForeignKey when entry.UserID is unknown.
	CreateAuditEntry(ctx context.Context, entry AuditEntry) error
	ListAuditEntries(ctx context.Context, resource string) ([]AuditEntry, error)

	Close() error
}

func normalizeRequestLimit(limit int) int {
	if limit <= 0 || limit > defaultRequestListLimit {
		return defaultRequestListLimit
	}
	return limit
}

func claimable(req ConnectorRequest, staleBefore time.Time) bool {
	switch req.Status {
	case RequestQueued, RequestFailed:
		return true
	case RequestProcessing:
		return !staleBefore.IsZero() && req.UpdatedAt.Before(staleBefore)
	default:
		return false
	}
}
