package caserelay

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	topSpeakerLimit     = 5
	summaryMaxLength    = 340
	emptySummary        = "No transcript content available yet."
	unknownSpeakerLabel = "Unknown"
)

type SpeakerStat struct {
	Speaker      string `json:"speaker"`
	SegmentCount int    `json:"segmentCount"`
}

type TranscriptInsights struct {
	HearingID         string        `json:"hearingId"`
	SegmentCount      int           `json:"segmentCount"`
	SpeakerCount      int           `json:"speakerCount"`
	AverageConfidence *float64      `json:"averageConfidence"`
	DurationSeconds   *int64        `json:"durationSeconds"`
	TopSpeakers       []SpeakerStat `json:"topSpeakers"`
	Summary           string        `json:"summary"`
	GeneratedAt       string        `json:"generatedAt"`
}

func (s *Service) GetTranscriptInsights(ctx context.Context, userID, hearingID string) (TranscriptInsights, error) {
	if _, _, err := s.resolveOwnedHearing(ctx, userID, hearingID); err != nil {
		return TranscriptInsights{}, err
	}
	segments, err := s.repo.ListTranscriptSegments(ctx, hearingID)
	if err != nil {
		return TranscriptInsights{}, err
	}
	insights := summarizeSegments(segments)
	insights.HearingID = hearingID
	insights.GeneratedAt = formatISO(s.now())
	return insights, nil
}

// summarizeSegments expects segments already ordered by startedAt, then
// createdAt.
func summarizeSegments(segments []TranscriptSegment) TranscriptInsights {
	counts := map[string]int{}
	order := make([]string, 0)
	var (
		confidenceTotal float64
		confidenceCount int
		earliest        *time.Time
		latest          *time.Time
	)
	lines := make([]string, 0, len(segments))
	for _, segment := range segments {
		speaker := unknownSpeakerLabel
		if segment.Speaker != nil && strings.TrimSpace(*segment.Speaker) != "" {
			speaker = strings.TrimSpace(*segment.Speaker)
		}
		if _, seen := counts[speaker]; !seen {
			order = append(order, speaker)
		}
		counts[speaker]++

		if segment.Confidence != nil {
			confidenceTotal += *segment.Confidence
			confidenceCount++
		}
		if segment.StartedAt != nil && (earliest == nil || segment.StartedAt.Before(*earliest)) {
			earliest = segment.StartedAt
		}
		if segment.EndedAt != nil && (latest == nil || segment.EndedAt.After(*latest)) {
			latest = segment.EndedAt
		}
		lines = append(lines, segmentLine(segment.Speaker, segment.Text))
	}

	top := make([]SpeakerStat, 0, len(order))
	for _, speaker := range order {
		top = append(top, SpeakerStat{Speaker: speaker, SegmentCount: counts[speaker]})
	}
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].SegmentCount > top[j].SegmentCount
	})
	if len(top) > topSpeakerLimit {
		top = top[:topSpeakerLimit]
	}

	insights := TranscriptInsights{
		SegmentCount: len(segments),
		SpeakerCount: len(counts),
		TopSpeakers:  top,
		Summary:      summarizeLines(lines),
	}
	if confidenceCount > 0 {
		average := math.Round(confidenceTotal/float64(confidenceCount)*1000) / 1000
		insights.AverageConfidence = &average
	}
	if earliest != nil && latest != nil && !latest.Before(*earliest) {
		seconds := int64(math.Round(latest.Sub(*earliest).Seconds()))
		insights.DurationSeconds = &seconds
	}
	return insights
}

// summarizeLines stitches the opening two, middle and closing two lines into
// one capped paragraph.
func summarizeLines(lines []string) string {
	if len(lines) == 0 {
		return emptySummary
	}
	first := strings.Join(lines[:min(2, len(lines))], " ")
	middle := lines[len(lines)/2]
	last := strings.Join(lines[max(0, len(lines)-2):], " ")

	parts := make([]string, 0, 3)
	for _, part := range []string{first, middle, last} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	joined := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	runes := []rune(joined)
	if len(runes) <= summaryMaxLength {
		return joined
	}
	return strings.TrimRight(string(runes[:summaryMaxLength-3]), " \t\r\n") + "..."
}
