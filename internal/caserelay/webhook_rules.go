package caserelay

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// fieldPath addresses a value inside a decoded JSON document.
type fieldPath []string

// fieldRule lists candidate locations for one logical field in priority
// order. The first present value wins; null and blank strings are absent.
type fieldRule []fieldPath

func paths(dotted ...string) fieldRule {
	rule := make(fieldRule, 0, len(dotted))
	for _, p := range dotted {
		rule = append(rule, fieldPath(strings.Split(p, ".")))
	}
	return rule
}

var (
	roomNameRule       = paths("room.name", "room_name", "event.room.name", "room.metadata.roomName")
	eventIDRule        = paths("event.id", "id", "event_id", "webhook_id")
	segmentsRule       = paths("transcription.segments", "segments", "transcript.segments")
	rawTextRule        = paths("transcript.text", "text", "event.text")
	languageRule       = paths("language", "transcription.language")
	segmentTextRule    = paths("text")
	segmentSpeakerRule = paths("speaker", "speaker_id", "participant_identity", "identity")
	segmentStartRule   = paths("start_time", "startTime", "start", "from")
	segmentEndRule     = paths("end_time", "endTime", "end", "to")
	segmentConfRule    = paths("confidence")
)

// decodeWebhookPayload keeps numbers as json.Number so large event ids keep
// every digit.
func decodeWebhookPayload(body []byte) (map[string]any, bool) {
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

func lookupPath(doc any, path fieldPath) (any, bool) {
	current := doc
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			// Provider metadata is sometimes a JSON string.
			raw, isString := current.(string)
			if !isString {
				return nil, false
			}
			nested, parsed := decodeWebhookPayload([]byte(raw))
			if !parsed {
				return nil, false
			}
			object = nested
		}
		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func present(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

func (r fieldRule) first(doc any) (any, bool) {
	for _, path := range r {
		if value, ok := lookupPath(doc, path); ok && present(value) {
			return value, true
		}
	}
	return nil, false
}

// firstString accepts strings and numbers, the shapes providers use for ids.
func (r fieldRule) firstString(doc any) (string, bool) {
	for _, path := range r {
		value, ok := lookupPath(doc, path)
		if !ok || !present(value) {
			continue
		}
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v), true
		case json.Number:
			return v.String(), true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(v), true
		}
	}
	return "", false
}

func (r fieldRule) firstList(doc any) []any {
	for _, path := range r {
		value, ok := lookupPath(doc, path)
		if !ok || value == nil {
			continue
		}
		if list, isList := value.([]any); isList {
			return list
		}
		return nil
	}
	return nil
}

const (
	epochMillisThreshold  = 1_000_000_000_000
	epochSecondsThreshold = 1_000_000_000
)

var webhookTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseWebhookTimestamp reads ISO strings and epoch numbers, telling
// milliseconds from seconds by magnitude. Small numbers are offsets, not
// instants, and yield nil.
func parseWebhookTimestamp(value any) *time.Time {
	switch v := value.(type) {
	case string:
		text := strings.TrimSpace(v)
		for _, layout := range webhookTimeLayouts {
			if parsed, err := time.Parse(layout, text); err == nil {
				return timePtr(parsed.UTC())
			}
		}
		return nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		return epochTimestamp(f)
	case float64:
		return epochTimestamp(v)
	default:
		return nil
	}
}

func epochTimestamp(value float64) *time.Time {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	switch {
	case value > epochMillisThreshold:
		return timePtr(time.UnixMilli(int64(value)).UTC())
	case value > epochSecondsThreshold:
		return timePtr(time.UnixMilli(int64(value * 1000)).UTC())
	default:
		return nil
	}
}

func parseConfidence(value any) *float64 {
	var f float64
	switch v := value.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

type webhookSegment struct {
	Speaker    *string
	Text       string
	StartedAt  *time.Time
	EndedAt    *time.Time
	Confidence *float64
}

// extractWebhookSegments keeps items with non-blank text; everything else
// about a segment is optional.
func extractWebhookSegments(doc map[string]any) []webhookSegment {
	items := segmentsRule.firstList(doc)
	out := make([]webhookSegment, 0, len(items))
	for _, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			continue
		}
		textValue, _ := segmentTextRule.first(object)
		text, _ := textValue.(string)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		segment := webhookSegment{Text: text}
		for _, path := range segmentSpeakerRule {
			value, found := lookupPath(object, path)
			if speaker, isString := value.(string); found && isString && strings.TrimSpace(speaker) != "" {
				segment.Speaker = stringPtr(strings.TrimSpace(speaker))
				break
			}
		}
		if value, found := segmentStartRule.first(object); found {
			segment.StartedAt = parseWebhookTimestamp(value)
		}
		if value, found := segmentEndRule.first(object); found {
			segment.EndedAt = parseWebhookTimestamp(value)
		}
		if value, found := segmentConfRule.first(object); found {
			segment.Confidence = parseConfidence(value)
		}
		out = append(out, segment)
	}
	return out
}

func segmentLine(speaker *string, text string) string {
	if speaker != nil && *speaker != "" {
		return *speaker + ": " + text
	}
	return text
}
