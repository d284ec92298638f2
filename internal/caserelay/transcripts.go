package caserelay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	manualTranscriptLineLimit = 1000

	ReasonInvalidPayload    = "invalid_payload"
	ReasonRoomNameMissing   = "room_name_missing"
	ReasonHearingNotFound   = "hearing_not_found"
	ReasonDuplicateEvent    = "duplicate_event"
	ReasonTranscriptMissing = "transcript_missing"
)

var speakerLinePattern = regexp.MustCompile(`^([^:]{1,40}):\s+(.+)$`)

// WebhookResult is always delivered with HTTP 200 so the provider does not
// retry shapes it cannot fix.
type WebhookResult struct {
	Accepted      bool   `json:"accepted"`
	Processed     bool   `json:"processed"`
	Reason        string `json:"reason,omitempty"`
	RoomName      string `json:"roomName,omitempty"`
	SourceEventID string `json:"sourceEventId,omitempty"`
	HearingID     string `json:"hearingId,omitempty"`
}

func skippedWebhook(reason, roomName string) WebhookResult {
	return WebhookResult{Accepted: true, Reason: reason, RoomName: roomName}
}

func (s *Service) webhookAuthorized(token string) bool {
	expected := s.secret.Secret()
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// HandleLivekitWebhook ingests one provider transcript delivery. A wrong
// token produces exactly the envelope an unknown hearing would.
func (s *Service) HandleLivekitWebhook(ctx context.Context, body []byte, token string) (WebhookResult, error) {
	doc, ok := decodeWebhookPayload(body)
	if !ok {
		return skippedWebhook(ReasonInvalidPayload, ""), nil
	}
	authorized := s.webhookAuthorized(token)

	roomName, ok := roomNameRule.firstString(doc)
	if !ok {
		return skippedWebhook(ReasonRoomNameMissing, ""), nil
	}
	if !authorized {
		return skippedWebhook(ReasonHearingNotFound, roomName), nil
	}
	hearing, err := s.repo.GetHearing(ctx, roomName)
	if isNotFound(err) {
		return skippedWebhook(ReasonHearingNotFound, roomName), nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	eventID, hasEventID := eventIDRule.firstString(doc)
	duplicate := WebhookResult{Accepted: true, Reason: ReasonDuplicateEvent, RoomName: roomName, SourceEventID: eventID}
	if hasEventID {
		exists, err := s.repo.TranscriptSegmentExists(ctx, hearing.ID, eventID)
		if err != nil {
			return WebhookResult{}, err
		}
		if exists {
			return duplicate, nil
		}
	}

	extracted := extractWebhookSegments(doc)
	lines := make([]string, 0, len(extracted))
	if len(extracted) > 0 {
		createdAt := s.now()
		segments := make([]TranscriptSegment, 0, len(extracted))
		for _, item := range extracted {
			segment := TranscriptSegment{
				ID:         s.newID(),
				HearingID:  hearing.ID,
				Speaker:    item.Speaker,
				Text:       item.Text,
				StartedAt:  item.StartedAt,
				EndedAt:    item.EndedAt,
				Confidence: item.Confidence,
				Source:     SegmentSourceLivekit,
				CreatedAt:  createdAt,
			}
			if hasEventID {
				segment.SourceEventID = stringPtr(eventID)
			}
			segments = append(segments, segment)
			lines = append(lines, segmentLine(item.Speaker, item.Text))
		}
		// A concurrent delivery of the same event can pass the existence
		// check; the store rejects the second insert.
		if err := s.repo.InsertTranscriptSegments(ctx, segments); err != nil {
			if errors.Is(err, ErrConflict) && hasEventID {
				return duplicate, nil
			}
			return WebhookResult{}, err
		}
	}

	rawText := strings.Join(lines, " ")
	if rawText == "" {
		rawText, _ = rawTextRule.firstString(doc)
	}
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return skippedWebhook(ReasonTranscriptMissing, roomName), nil
	}
	language, _ := languageRule.firstString(doc)
	text := s.normalize(ctx, rawText, language)

	if err := s.repo.AppendTranscript(ctx, hearing.ID, s.stampedLine(text)); err != nil {
		return WebhookResult{}, err
	}
	if c, err := s.repo.GetCase(ctx, hearing.CaseID); err == nil {
		s.notifier.EmitToUser(c.UserID, "hearing.transcript_updated", map[string]any{
			"hearingId": hearing.ID,
			"caseId":    hearing.CaseID,
		})
	} else {
		s.logger.Warn("transcript owner lookup failed", "hearing_id", hearing.ID, "err", err)
	}
	var sourceEventID any
	if hasEventID {
		sourceEventID = eventID
	}
	s.audit.Log(ctx, "", "hearing.transcript.ingested", "hearings:"+hearing.ID, map[string]any{
		"roomName":      roomName,
		"length":        utf8.RuneCountInString(text),
		"segmentCount":  len(extracted),
		"sourceEventId": sourceEventID,
	})
	return WebhookResult{Accepted: true, Processed: true, HearingID: hearing.ID}, nil
}

// normalize is best-effort: any failure keeps the raw text.
func (s *Service) normalize(ctx context.Context, text, language string) string {
	if s.normalizer == nil {
		return text
	}
	if strings.TrimSpace(language) == "" {
		language = "en"
	}
	normalized, err := s.normalizer.Normalize(ctx, text, language)
	if err != nil {
		s.logger.Debug("transcript normalization skipped", "err", err)
		return text
	}
	if normalized = strings.TrimSpace(normalized); normalized == "" {
		return text
	}
	return normalized
}

func (s *Service) stampedLine(text string) string {
	return "[" + formatISO(s.now()) + "] " + text
}

// resolveOwnedHearing reports ErrNotFound for hearings whose case belongs to
// someone else.
func (s *Service) resolveOwnedHearing(ctx context.Context, userID, hearingID string) (Hearing, Case, error) {
	hearing, err := s.repo.GetHearing(ctx, hearingID)
	if err != nil {
		return Hearing{}, Case{}, err
	}
	c, err := s.repo.GetCase(ctx, hearing.CaseID)
	if isNotFound(err) || (err == nil && c.UserID != userID) {
		return Hearing{}, Case{}, ErrNotFound
	}
	if err != nil {
		return Hearing{}, Case{}, err
	}
	return hearing, c, nil
}

type ManualTranscriptInput struct {
	Text     string `json:"text" validate:"required,max=500000"`
	Language string `json:"language,omitempty" validate:"omitempty,max=16"`
	Source   string `json:"source,omitempty" validate:"omitempty,max=64"`
}

type ManualIngestResult struct {
	Accepted         bool   `json:"accepted"`
	HearingID        string `json:"hearingId"`
	Source           string `json:"source"`
	SegmentsIngested int    `json:"segmentsIngested"`
}

// IngestManualTranscript stores user-submitted text as one segment per line.
// Lines shaped "Speaker: text" keep their speaker.
func (s *Service) IngestManualTranscript(ctx context.Context, userID, hearingID string, in ManualTranscriptInput) (ManualIngestResult, error) {
	hearing, _, err := s.resolveOwnedHearing(ctx, userID, hearingID)
	if err != nil {
		return ManualIngestResult{}, err
	}
	raw := strings.TrimSpace(in.Text)
	if raw == "" {
		return ManualIngestResult{}, &InputError{Message: "Transcript text is required"}
	}
	text := s.normalize(ctx, raw, in.Language)
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = SegmentSourceManual
	}

	lines := splitTranscriptLines(text)
	if len(lines) == 0 {
		return ManualIngestResult{}, &InputError{Message: "Transcript contains no valid lines"}
	}
	now := s.now()
	batch := now.UnixMilli()
	segments := make([]TranscriptSegment, 0, len(lines))
	for index, line := range lines {
		segment := TranscriptSegment{
			ID:            s.newID(),
			HearingID:     hearing.ID,
			Text:          line,
			Source:        source,
			SourceEventID: stringPtr(fmt.Sprintf("%s-%d-%d", source, batch, index)),
			CreatedAt:     now,
		}
		if match := speakerLinePattern.FindStringSubmatch(line); match != nil {
			segment.Speaker = stringPtr(strings.TrimSpace(match[1]))
			segment.Text = strings.TrimSpace(match[2])
		}
		segments = append(segments, segment)
	}
	if err := s.repo.InsertTranscriptSegments(ctx, segments); err != nil {
		return ManualIngestResult{}, err
	}
	if err := s.repo.AppendTranscript(ctx, hearing.ID, s.stampedLine(text)); err != nil {
		return ManualIngestResult{}, err
	}
	s.audit.Log(ctx, userID, "hearing.transcript.manual_ingest", "hearings:"+hearing.ID, map[string]any{
		"source":       source,
		"segmentCount": len(segments),
	})
	s.notifier.EmitToUser(userID, "hearing.transcript_updated", map[string]any{
		"hearingId": hearing.ID,
		"caseId":    hearing.CaseID,
		"source":    source,
	})
	return ManualIngestResult{
		Accepted:         true,
		HearingID:        hearing.ID,
		Source:           source,
		SegmentsIngested: len(segments),
	}, nil
}

func splitTranscriptLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == manualTranscriptLineLimit {
			break
		}
	}
	return lines
}

func (s *Service) ListTranscriptSegments(ctx context.Context, userID, hearingID string) ([]TranscriptSegment, error) {
	if _, _, err := s.resolveOwnedHearing(ctx, userID, hearingID); err != nil {
		return nil, err
	}
	return s.repo.ListTranscriptSegments(ctx, hearingID)
}
