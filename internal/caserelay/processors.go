package caserelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const bulkSyncLimit = 200

const (
	ReasonRequestNotFound   = "request_not_found"
	ReasonAlreadyCompleted  = "already_completed"
	ReasonAlreadyProcessing = "already_processing"
	ReasonCaseNotFound      = "case_not_found"
)

var (
	errCaseNotFound    = errors.New(ReasonCaseNotFound)
	errRequestInFlight = errors.New("connector request in flight")
)

// ProcessResult is what a processor hands back to the queue. Skips are
// benign outcomes, not errors.
type ProcessResult struct {
	Skipped bool
	Reason  string
	Result  json.RawMessage
}

func (r ProcessResult) MarshalJSON() ([]byte, error) {
	if !r.Skipped {
		if len(r.Result) == 0 {
			return []byte("null"), nil
		}
		return r.Result, nil
	}
	body := map[string]any{"skipped": true, "reason": r.Reason}
	if len(r.Result) > 0 {
		body["resultPayload"] = r.Result
	}
	return json.Marshal(body)
}

type recordTemplate struct {
	category string
	title    string
	slug     string
	detail   func(c Case) (string, any)
}

// connectorProfile describes one simulated connector: which documents it
// produces and how they are labelled.
type connectorProfile struct {
	connector    Connector
	documentType string
	urlScheme    string
	source       string
	records      []recordTemplate
}

func courtCodeDetail(c Case) (string, any) {
	return "courtCode", c.CourtCode
}

func nextHearingDetail(c Case) (string, any) {
	return "nextHearing", isoOrNil(c.NextHearing)
}

func districtDetail(Case) (string, any) {
	return "district", "sample-district"
}

var connectorProfiles = map[Connector]connectorProfile{
	ConnectorDigiLocker: {
		connector:    ConnectorDigiLocker,
		documentType: "digilocker_record",
		urlScheme:    "digilocker",
		source:       "digilocker-simulated",
		records: []recordTemplate{
			{category: "filing_summary", title: "DigiLocker filing summary", slug: "filing-summary", detail: courtCodeDetail},
			{category: "hearing_metadata", title: "DigiLocker hearing metadata", slug: "hearing-metadata", detail: nextHearingDetail},
		},
	},
	ConnectorFIR: {
		connector:    ConnectorFIR,
		documentType: "fir_record",
		urlScheme:    "fir",
		source:       "fir-simulated",
		records: []recordTemplate{
			{category: "registry_match", title: "FIR registry match", slug: "registry-match", detail: courtCodeDetail},
			{category: "station_summary", title: "FIR station summary", slug: "station-summary", detail: districtDetail},
		},
	},
	ConnectorLandRecords: {
		connector:    ConnectorLandRecords,
		documentType: "land_record",
		urlScheme:    "land-records",
		source:       "land-records-simulated",
		records: []recordTemplate{
			{category: "parcel_extract", title: "Land parcel extract", slug: "parcel-extract", detail: courtCodeDetail},
			{category: "mutation_status", title: "Mutation status note", slug: "mutation-status", detail: districtDetail},
		},
	},
}

func connectorJobType(connector Connector) JobType {
	switch connector {
	case ConnectorDigiLocker:
		return JobDigiLockerFetch
	case ConnectorFIR:
		return JobFIRFetch
	case ConnectorLandRecords:
		return JobLandRecordsFetch
	default:
		return JobSyncCase
	}
}

func (p connectorProfile) documents(req ConnectorRequest, c Case, generatedAt string) []Document {
	docs := make([]Document, 0, len(p.records))
	for _, record := range p.records {
		formData := map[string]any{
			"connectorRequestId": req.ID,
			"connector":          string(p.connector),
			"generatedAt":        generatedAt,
			"category":           record.category,
			"caseNumber":         c.CaseNumber,
		}
		if record.detail != nil {
			key, value := record.detail(c)
			formData[key] = value
		}
		docs = append(docs, Document{
			UserID:   c.UserID,
			CaseID:   c.ID,
			Type:     p.documentType,
			Title:    record.title + " " + c.CaseNumber,
			FileURL:  fmt.Sprintf("%s://records/%s/%s", p.urlScheme, req.ID, record.slug),
			FormData: formData,
		})
	}
	return docs
}

// ProcessConnectorRequest drives one request through
// queued -> processing -> completed|failed. A returned error means the
// request was recorded as failed and the job should be retried.
func (s *Service) ProcessConnectorRequest(ctx context.Context, connector Connector, payload JobPayload) (ProcessResult, error) {
	req, err := s.repo.GetConnectorRequest(ctx, payload.RequestID)
	if isNotFound(err) {
		return ProcessResult{Skipped: true, Reason: ReasonRequestNotFound}, nil
	}
	if err != nil {
		return ProcessResult{}, err
	}
	if req.UserID != payload.UserID || req.Connector != connector {
		return ProcessResult{Skipped: true, Reason: ReasonRequestNotFound}, nil
	}
	if req.Status == RequestCompleted {
		return ProcessResult{Skipped: true, Reason: ReasonAlreadyCompleted, Result: req.ResultPayload}, nil
	}

	now := s.now()
	claimed, err := s.repo.ClaimConnectorRequest(ctx, req.ID, now, now.Add(-s.staleProcessing))
	if err != nil {
		return ProcessResult{}, err
	}
	if !claimed {
		return s.lostClaim(ctx, req.ID)
	}

	logger := s.logger.With("request_id", req.ID, "connector", connector, "case_id", payload.CaseID)
	result, err := s.runConnector(ctx, connector, req, payload)
	if err == nil {
		var completed bool
		completed, err = s.repo.CompleteConnectorRequest(ctx, req.ID, result, s.now())
		if err == nil && !completed {
			return s.lostClaim(ctx, req.ID)
		}
	}
	if err != nil {
		s.failConnectorRequest(ctx, connector, req, payload, err)
		logger.Warn("connector request failed", "err", err)
		return ProcessResult{}, err
	}

	s.audit.Log(ctx, payload.UserID, "integration."+string(connector)+".processed", "cases:"+req.CaseID, completionAuditMetadata(req.ID, result))
	s.notifier.EmitToUser(payload.UserID, "integration.connector.completed", map[string]any{
		"requestId": req.ID,
		"connector": string(connector),
		"caseId":    req.CaseID,
	})
	logger.Info("connector request completed")
	return ProcessResult{Result: result}, nil
}

// lostClaim re-reads a request another worker holds. A completed row
// returns its cached payload.
func (s *Service) lostClaim(ctx context.Context, requestID string) (ProcessResult, error) {
	current, err := s.repo.GetConnectorRequest(ctx, requestID)
	if err != nil {
		return ProcessResult{}, err
	}
	if current.Status == RequestCompleted {
		return ProcessResult{Skipped: true, Reason: ReasonAlreadyCompleted, Result: current.ResultPayload}, nil
	}
	return ProcessResult{Skipped: true, Reason: ReasonAlreadyProcessing}, nil
}

func completionAuditMetadata(requestID string, result json.RawMessage) map[string]any {
	metadata := map[string]any{"requestId": requestID}
	var summary struct {
		RecordsImported *int `json:"recordsImported"`
	}
	if json.Unmarshal(result, &summary) == nil && summary.RecordsImported != nil {
		metadata["recordsImported"] = *summary.RecordsImported
	}
	return metadata
}

func (s *Service) runConnector(ctx context.Context, connector Connector, req ConnectorRequest, payload JobPayload) (json.RawMessage, error) {
	c, err := s.repo.GetOwnedCase(ctx, payload.UserID, payload.CaseID)
	if isNotFound(err) {
		// Not retried: a deleted case does not come back.
		return nil, Permanent(errCaseNotFound)
	}
	if err != nil {
		return nil, err
	}
	if connector == ConnectorECourtsSync {
		outcome, err := s.syncAndReport(ctx, c, payload.UserID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(outcome)
	}
	profile, ok := connectorProfiles[connector]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: connector %s", ErrNotImplemented, connector))
	}
	docs := profile.documents(req, c, formatISO(s.now()))
	for i := range docs {
		docs[i].ID = s.newID()
		docs[i].CreatedAt = s.now()
	}
	if err := s.repo.CreateDocuments(ctx, docs); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"recordsImported": len(docs),
		"caseId":          c.ID,
		"caseNumber":      c.CaseNumber,
		"source":          profile.source,
	})
}

func (s *Service) failConnectorRequest(ctx context.Context, connector Connector, req ConnectorRequest, payload JobPayload, cause error) {
	reason := cause.Error()
	if reason == "" {
		reason = "unknown_error"
	}
	if _, err := s.repo.FailConnectorRequest(ctx, req.ID, reason, s.now()); err != nil {
		s.logger.Error("connector request fail write", "request_id", req.ID, "err", err)
	}
	s.audit.Log(ctx, payload.UserID, "integration."+string(connector)+".failed", "cases:"+payload.CaseID, map[string]any{
		"requestId": req.ID,
		"reason":    reason,
	})
	s.notifier.EmitToUser(payload.UserID, "integration.connector.failed", map[string]any{
		"requestId": req.ID,
		"connector": string(connector),
		"caseId":    payload.CaseID,
		"reason":    reason,
	})
}

type CaseSyncOutcome struct {
	CaseID             string  `json:"caseId"`
	Status             string  `json:"status"`
	NextHearing        *string `json:"nextHearing"`
	NextHearingChanged bool    `json:"nextHearingChanged"`
}

// syncCase refreshes one case from the registry. The row is updated on every
// call; a notification is created only when nextHearing moved.
func (s *Service) syncCase(ctx context.Context, c Case) (CaseSyncOutcome, error) {
	if s.registry == nil {
		return CaseSyncOutcome{}, Permanent(fmt.Errorf("%w: case registry", ErrNotImplemented))
	}
	snapshot := s.registry.FetchCase(ctx, c.CaseNumber, c.CourtCode)
	previous := optionalISO(c.NextHearing)
	update := CaseSyncUpdate{
		Status:      snapshot.Status,
		NextHearing: snapshot.NextHearing,
		RawSnapshot: snapshot.Raw,
		LastSynced:  s.now(),
	}
	if err := s.repo.UpdateCaseSync(ctx, c.ID, update); err != nil {
		return CaseSyncOutcome{}, err
	}
	next := optionalISO(snapshot.NextHearing)
	outcome := CaseSyncOutcome{
		CaseID:             c.ID,
		Status:             snapshot.Status,
		NextHearing:        next,
		NextHearingChanged: !sameOptionalString(previous, next),
	}
	if !outcome.NextHearingChanged {
		return outcome, nil
	}
	err := s.repo.CreateNotification(ctx, Notification{
		ID:     s.newID(),
		UserID: c.UserID,
		Type:   "case_next_hearing_changed",
		Content: map[string]any{
			"caseId":              c.ID,
			"caseNumber":          c.CaseNumber,
			"previousNextHearing": optionalValue(previous),
			"nextHearing":         optionalValue(next),
		},
		CreatedAt: s.now(),
	})
	return outcome, err
}

func (s *Service) emitCaseSynced(userID string, outcome CaseSyncOutcome) {
	s.notifier.EmitToUser(userID, "case.synced", map[string]any{
		"caseId":             outcome.CaseID,
		"status":             outcome.Status,
		"nextHearing":        optionalValue(outcome.NextHearing),
		"nextHearingChanged": outcome.NextHearingChanged,
	})
}

func (s *Service) syncAndReport(ctx context.Context, c Case, actorID string) (CaseSyncOutcome, error) {
	outcome, err := s.syncCase(ctx, c)
	if err != nil {
		return outcome, err
	}
	s.audit.Log(ctx, actorID, "integration.sync_case.processed", "cases:"+c.ID, map[string]any{
		"nextHearingChanged": outcome.NextHearingChanged,
		"status":             outcome.Status,
	})
	s.emitCaseSynced(c.UserID, outcome)
	return outcome, nil
}

// SyncCase handles a sync-case job. With a requestId it runs the ecourts_sync
// connector state machine, otherwise a plain refresh of an owned case.
func (s *Service) SyncCase(ctx context.Context, payload JobPayload) (ProcessResult, error) {
	if payload.RequestID != "" {
		return s.ProcessConnectorRequest(ctx, ConnectorECourtsSync, payload)
	}
	c, err := s.repo.GetCase(ctx, payload.CaseID)
	if isNotFound(err) {
		return ProcessResult{Skipped: true, Reason: ReasonCaseNotFound}, nil
	}
	if err != nil {
		return ProcessResult{}, err
	}
	if payload.UserID != "" && c.UserID != payload.UserID {
		return ProcessResult{Skipped: true, Reason: ReasonCaseNotFound}, nil
	}
	outcome, err := s.syncAndReport(ctx, c, payload.UserID)
	if err != nil {
		return ProcessResult{}, err
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Result: raw}, nil
}

type BulkSyncSummary struct {
	CaseCount    int `json:"caseCount"`
	ChangedCount int `json:"changedCount"`
	FailedCount  int `json:"failedCount"`
}

// SyncAllCases sweeps up to bulkSyncLimit cases. One failing case is logged
// and skipped; the sweep itself only fails when cases cannot be listed.
func (s *Service) SyncAllCases(ctx context.Context) (BulkSyncSummary, error) {
	cases, err := s.repo.ListCases(ctx, bulkSyncLimit)
	if err != nil {
		return BulkSyncSummary{}, err
	}
	summary := BulkSyncSummary{CaseCount: len(cases)}
	for _, c := range cases {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		outcome, err := s.syncCase(ctx, c)
		if err != nil {
			summary.FailedCount++
			s.logger.Warn("bulk case sync failed", "case_id", c.ID, "err", err)
			continue
		}
		if outcome.NextHearingChanged {
			summary.ChangedCount++
			s.emitCaseSynced(c.UserID, outcome)
		}
	}
	s.audit.Log(ctx, "", "integration.sync_all_users.processed", "integrations:sync", map[string]any{
		"caseCount":    summary.CaseCount,
		"changedCount": summary.ChangedCount,
		"failedCount":  summary.FailedCount,
	})
	return summary, nil
}

// RegisterHandlers binds every job type to its processor.
func (s *Service) RegisterHandlers(pool *WorkerPool) {
	pool.Handle(JobSyncCase, func(ctx context.Context, job Job) (json.RawMessage, error) {
		result, err := s.SyncCase(ctx, job.Payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	pool.Handle(JobSyncAllUsers, func(ctx context.Context, _ Job) (json.RawMessage, error) {
		summary, err := s.SyncAllCases(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(summary)
	})
	for connector := range connectorProfiles {
		connector := connector
		pool.Handle(connectorJobType(connector), func(ctx context.Context, job Job) (json.RawMessage, error) {
			result, err := s.ProcessConnectorRequest(ctx, connector, job.Payload)
			if err != nil {
				return nil, err
			}
			// Another worker holds the row. Retry until it completes or goes stale.
			if result.Reason == ReasonAlreadyProcessing {
				return nil, fmt.Errorf("%w: request %s", errRequestInFlight, job.Payload.RequestID)
			}
			return json.Marshal(result)
		})
	}
}

func optionalISO(value *time.Time) *string {
	if value == nil {
		return nil
	}
	return stringPtr(formatISO(*value))
}

func optionalValue(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func sameOptionalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
