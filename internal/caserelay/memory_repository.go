package caserelay

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu            sync.RWMutex
	users         map[string]struct{}
	cases         map[string]Case
	caseOrder     []string
	hearings      map[string]Hearing
	documents     []Document
	notifications []Notification
	requests      map[string]ConnectorRequest
	segments      []TranscriptSegment
	segmentKeys   map[string]struct{}
	audit         []AuditEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       map[string]struct{}{},
		cases:       map[string]Case{},
		hearings:    map[string]Hearing{},
		requests:    map[string]ConnectorRequest{},
		segmentKeys: map[string]struct{}{},
	}
}

func (r *MemoryRepository) SaveCase(_ context.Context, c Case) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.UserID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if _, exists := r.cases[c.ID]; !exists {
		r.caseOrder = append(r.caseOrder, c.ID)
	}
	r.users[c.UserID] = struct{}{}
	r.cases[c.ID] = c
	return nil
}

func (r *MemoryRepository) GetCase(_ context.Context, caseID string) (Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cases[caseID]
	if !ok {
		return Case{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepository) GetOwnedCase(ctx context.Context, userID, caseID string) (Case, error) {
	c, err := r.GetCase(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if c.UserID != userID {
		return Case{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepository) ListCases(_ context.Context, limit int) ([]Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Case, 0, len(r.caseOrder))
	for _, id := range r.caseOrder {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.cases[id])
	}
	return out, nil
}

func (r *MemoryRepository) ListCasesByUser(_ context.Context, userID string) ([]Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Case, 0)
	for _, id := range r.caseOrder {
		if c := r.cases[id]; c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpdateCaseSync(_ context.Context, caseID string, update CaseSyncUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	c.Status = update.Status
	c.NextHearing = update.NextHearing
	c.RawSnapshot = append(json.RawMessage(nil), update.RawSnapshot...)
	c.LastSynced = timePtr(update.LastSynced)
	r.cases[caseID] = c
	return nil
}

func (r *MemoryRepository) SaveHearing(_ context.Context, h Hearing) error {
	if strings.TrimSpace(h.ID) == "" || strings.TrimSpace(h.CaseID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	r.hearings[h.ID] = h
	return nil
}

func (r *MemoryRepository) GetHearing(_ context.Context, hearingID string) (Hearing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hearings[hearingID]
	if !ok {
		return Hearing{}, ErrNotFound
	}
	return h, nil
}

func (r *MemoryRepository) AppendTranscript(_ context.Context, hearingID, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hearings[hearingID]
	if !ok {
		return ErrNotFound
	}
	h.Transcript = appendTranscriptLine(h.Transcript, line)
	h.UpdatedAt = time.Now().UTC()
	r.hearings[hearingID] = h
	return nil
}

func (r *MemoryRepository) CreateDocuments(_ context.Context, docs []Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range docs {
		if _, ok := r.cases[doc.CaseID]; !ok {
			return ErrForeignKey
		}
	}
	r.documents = append(r.documents, docs...)
	return nil
}

func (r *MemoryRepository) ListDocuments(_ context.Context, caseID string) ([]Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Document, 0)
	for _, doc := range r.documents {
		if doc.CaseID == caseID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateNotification(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return nil
}

func (r *MemoryRepository) ListNotifications(_ context.Context, userID string) ([]Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Notification, 0)
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateConnectorRequest(_ context.Context, req ConnectorRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.requests[req.ID]; exists {
		return ErrConflict
	}
	if _, ok := r.cases[req.CaseID]; !ok {
		return ErrForeignKey
	}
	r.requests[req.ID] = req
	return nil
}

func (r *MemoryRepository) GetConnectorRequest(_ context.Context, requestID string) (ConnectorRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[requestID]
	if !ok {
		return ConnectorRequest{}, ErrNotFound
	}
	return req, nil
}

func (r *MemoryRepository) ListConnectorRequests(_ context.Context, filter ConnectorRequestFilter) ([]ConnectorRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectorRequest, 0)
	for _, req := range r.requests {
		if req.UserID != filter.UserID {
			continue
		}
		if filter.Connector != "" && req.Connector != filter.Connector {
			continue
		}
		if filter.CaseID != "" && req.CaseID != filter.CaseID {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := normalizeRequestLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) SetConnectorRequestJob(_ context.Context, requestID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	req.JobID = jobID
	req.UpdatedAt = time.Now().UTC()
	r.requests[requestID] = req
	return nil
}

func (r *MemoryRepository) ClaimConnectorRequest(_ context.Context, requestID string, now, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if !claimable(req, staleBefore) {
		return false, nil
	}
	req.Status = RequestProcessing
	req.ErrorMessage = ""
	req.UpdatedAt = now
	r.requests[requestID] = req
	return true, nil
}

func (r *MemoryRepository) CompleteConnectorRequest(_ context.Context, requestID string, result json.RawMessage, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if req.Status != RequestProcessing {
		return false, nil
	}
	req.Status = RequestCompleted
	req.ResultPayload = append(json.RawMessage(nil), result...)
	req.ErrorMessage = ""
	req.CompletedAt = timePtr(at)
	req.UpdatedAt = at
	r.requests[requestID] = req
	return true, nil
}

func (r *MemoryRepository) FailConnectorRequest(_ context.Context, requestID, message string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if req.Status == RequestCompleted {
		return false, nil
	}
	req.Status = RequestFailed
	req.ErrorMessage = message
	req.CompletedAt = timePtr(at)
	req.UpdatedAt = at
	r.requests[requestID] = req
	return true, nil
}

func (r *MemoryRepository) TranscriptSegmentExists(_ context.Context, hearingID, sourceEventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, segment := range r.segments {
		if segment.HearingID == hearingID && segment.SourceEventID != nil && *segment.SourceEventID == sourceEventID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) InsertTranscriptSegments(_ context.Context, segments []TranscriptSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, segment := range segments {
		if _, ok := r.hearings[segment.HearingID]; !ok {
			return ErrForeignKey
		}
	}
	// A webhook delivery writes several segments that share one event id, so
	// uniqueness is enforced against earlier deliveries only.
	batchKeys := map[string]struct{}{}
	for _, segment := range segments {
		if segment.Source != SegmentSourceLivekit || segment.SourceEventID == nil {
			continue
		}
		key := segment.HearingID + "|" + *segment.SourceEventID
		if _, exists := r.segmentKeys[key]; exists {
			return ErrConflict
		}
		batchKeys[key] = struct{}{}
	}
	for key := range batchKeys {
		r.segmentKeys[key] = struct{}{}
	}
	r.segments = append(r.segments, segments...)
	return nil
}

func (r *MemoryRepository) ListTranscriptSegments(_ context.Context, hearingID string) ([]TranscriptSegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TranscriptSegment, 0)
	for _, segment := range r.segments {
		if segment.HearingID == hearingID {
			out = append(out, segment)
		}
	}
	sortSegments(out)
	return out, nil
}

func (r *MemoryRepository) CreateAuditEntry(_ context.Context, entry AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.UserID != "" {
		if _, ok := r.users[entry.UserID]; !ok {
			return ErrForeignKey
		}
	}
	r.audit = append(r.audit, entry)
	return nil
}

func (r *MemoryRepository) ListAuditEntries(_ context.Context, resource string) ([]AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuditEntry, 0)
	for _, entry := range r.audit {
		if resource == "" || entry.Resource == resource {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

// sortSegments orders by startedAt with unstarted segments last, then by
// createdAt, keeping insertion order for ties.
func sortSegments(segments []TranscriptSegment) {
	sort.SliceStable(segments, func(i, j int) bool {
		a, b := segments[i], segments[j]
		switch {
		case a.StartedAt != nil && b.StartedAt != nil:
			if !a.StartedAt.Equal(*b.StartedAt) {
				return a.StartedAt.Before(*b.StartedAt)
			}
		case a.StartedAt != nil:
			return true
		case b.StartedAt != nil:
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func appendTranscriptLine(previous, line string) string {
	previous = strings.TrimSpace(previous)
	if previous == "" {
		return line
	}
	return previous + "\n" + line
}
