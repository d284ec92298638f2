package caserelay

import (
	"encoding/json"
	"time"
)

type Connector string

const (
	ConnectorECourtsSync Connector = "ecourts_sync"
	ConnectorDigiLocker  Connector = "digilocker"
	ConnectorFIR         Connector = "fir"
	ConnectorLandRecords Connector = "land_records"
)

func (c Connector) Valid() bool {
	switch c {
	case ConnectorECourtsSync, ConnectorDigiLocker, ConnectorFIR, ConnectorLandRecords:
		return true
	default:
		return false
	}
}

type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

type ConnectorRequest struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	CaseID         string          `json:"caseId"`
	Connector      Connector       `json:"connector"`
	Status         RequestStatus   `json:"status"`
	JobID          string          `json:"jobId,omitempty"`
	RequestPayload json.RawMessage `json:"requestPayload,omitempty"`
	ResultPayload  json.RawMessage `json:"resultPayload,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type ConnectorRequestFilter struct {
	UserID    string
	Connector Connector
	CaseID    string
	Limit     int
}

type Case struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	CaseNumber  string          `json:"caseNumber"`
	CourtCode   string          `json:"courtCode"`
	Status      string          `json:"status"`
	NextHearing *time.Time      `json:"nextHearing,omitempty"`
	LastSynced  *time.Time      `json:"lastSynced,omitempty"`
	RawSnapshot json.RawMessage `json:"rawSnapshot,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type CaseSyncUpdate struct {
	Status      string
	NextHearing *time.Time
	RawSnapshot json.RawMessage
	LastSynced  time.Time
}

type Hearing struct {
	ID         string    `json:"id"`
	CaseID     string    `json:"caseId"`
	Transcript string    `json:"transcript,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Document struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	CaseID    string         `json:"caseId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	FileURL   string         `json:"fileUrl"`
	FormData  map[string]any `json:"formData,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
}

const (
	SegmentSourceLivekit = "livekit_webhook"
	SegmentSourceManual  = "manual_upload"
)

type TranscriptSegment struct {
	ID            string     `json:"id"`
	HearingID     string     `json:"hearingId"`
	Speaker       *string    `json:"speaker"`
	Text          string     `json:"text"`
	StartedAt     *time.Time `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt"`
	Confidence    *float64   `json:"confidence"`
	Source        string     `json:"source"`
	SourceEventID *string    `json:"sourceEventId"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type AuditEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func stringPtr(value string) *string {
	return &value
}

func timePtr(value time.Time) *time.Time {
	return &value
}

const isoLayout = "2006-01-02T15:04:05.000Z"

func formatISO(value time.Time) string {
	return value.UTC().Format(isoLayout)
}

func isoOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatISO(*value)
}
