package caserelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	ecourtsDefaultBaseURL = "https://services.ecourts.gov.in"
	ecourtsTimeout        = 12 * time.Second
	ecourtsPreviewLimit   = 10000
	ecourtsMaxBody        = 4 << 20
)

var hearingDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"02-Jan-2006",
	"02 Jan 2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

type ECourtsClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ECourtsClient scrapes the public case status page. It implements
// CaseRegistry and therefore never returns an error.
type ECourtsClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewECourtsClient(opts ECourtsClientOptions) *ECourtsClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = ecourtsDefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: ecourtsTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ECourtsClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *ECourtsClient) FetchCase(ctx context.Context, caseNumber, courtCode string) CaseSnapshot {
	snapshot, err := c.fetch(ctx, caseNumber, courtCode)
	if err == nil {
		return snapshot
	}
	c.logger.Warn("ecourts fetch failed", "case_number", caseNumber, "court_code", courtCode, "err", err)
	raw, _ := json.Marshal(map[string]any{
		"source":    "ecourts",
		"fallback":  true,
		"fetchedAt": formatISO(c.now()),
		"message":   "Unable to fetch live data from eCourts at this time",
		"request":   map[string]any{"caseNumber": caseNumber, "courtCode": courtCode},
		"error":     err.Error(),
	})
	return CaseSnapshot{Status: "Unknown", Raw: raw}
}

func (c *ECourtsClient) fetch(ctx context.Context, caseNumber, courtCode string) (CaseSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, ecourtsTimeout)
	defer cancel()
	query := url.Values{}
	query.Set("case_no", caseNumber)
	query.Set("state_cd", courtCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ecourtindia_v6/?"+query.Encode(), nil)
	if err != nil {
		return CaseSnapshot{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CaseSnapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, ecourtsMaxBody))
	if err != nil {
		return CaseSnapshot{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return CaseSnapshot{}, fmt.Errorf("ecourts status %d", resp.StatusCode)
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return CaseSnapshot{}, err
	}
	status := labelledCellText(doc, "Case Status")
	if status == "" {
		status = "Pending"
	}
	hearingText := labelledCellText(doc, "Next Hearing Date")
	var nextHearing *time.Time
	if parsed, ok := parseHearingDate(hearingText); ok {
		nextHearing = &parsed
	}
	preview := string(body)
	if len(preview) > ecourtsPreviewLimit {
		preview = preview[:ecourtsPreviewLimit]
	}
	raw, err := json.Marshal(map[string]any{
		"source":      "ecourts",
		"fetchedAt":   formatISO(c.now()),
		"htmlPreview": preview,
		"parsed": map[string]any{
			"status":      status,
			"hearingText": hearingText,
		},
	})
	if err != nil {
		return CaseSnapshot{}, err
	}
	return CaseSnapshot{Status: status, NextHearing: nextHearing, Raw: raw}, nil
}

// labelledCellText finds the first <td> containing label and returns the
// trimmed text of the following sibling cell.
func labelledCellText(root *html.Node, label string) string {
	var found *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "td" && strings.Contains(nodeText(n), label) {
			found = n
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	if found == nil {
		return ""
	}
	for sibling := found.NextSibling; sibling != nil; sibling = sibling.NextSibling {
		if sibling.Type == html.ElementNode {
			return strings.TrimSpace(nodeText(sibling))
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

func parseHearingDate(text string) (time.Time, bool) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range hearingDateLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
