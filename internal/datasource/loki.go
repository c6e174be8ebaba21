package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/linnemanlabs/escalate/internal/analysis"
)

const (
	defaultLogLimit = 100
	maxLogRange     = 6 * time.Hour
)

// LokiSource fetches error-level logs for the incident window using a
// configured LogQL selector.
type LokiSource struct {
	endpoint   string
	tenantID   string
	selector   string
	limit      int
	httpClient *http.Client
}

// NewLokiSource creates a log source. selector is a LogQL expression, e.g.
// `{env="prod"} |= "error"`. limit caps returned lines, default 100.
func NewLokiSource(endpoint, tenantID, selector string, limit int) *LokiSource {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return &LokiSource{
		endpoint:   endpoint,
		tenantID:   tenantID,
		selector:   selector,
		limit:      limit,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements analysis.DataSource.
func (l *LokiSource) Name() string { return "logs" }

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// Fetch queries the range endpoint, newest first, flattening streams into a
// bounded line list.
func (l *LokiSource) Fetch(ctx context.Context, tr analysis.TimeRange, _ string) (json.RawMessage, error) {
	start, end := tr.Start, tr.End
	if end.Sub(start) > maxLogRange {
		start = end.Add(-maxLogRange)
	}

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", l.selector)
	q.Set("start", start.UTC().Format(time.RFC3339Nano))
	q.Set("end", end.UTC().Format(time.RFC3339Nano))
	q.Set("limit", fmt.Sprintf("%d", l.limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, string(body))
	}

	var lokiResp struct {
		Status string `json:"status"`
		Data   struct {
			Result []lokiStream `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return body, nil
	}
	if lokiResp.Status != "success" {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lokiResp.Data.Result, l.limit)

	return json.Marshal(map[string]any{
		"selector":     l.selector,
		"stream_count": len(lokiResp.Data.Result),
		"line_count":   len(lines),
		"lines":        lines,
		"truncated":    len(lines) >= l.limit,
	})
}

func flattenStreams(results []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)

	for _, stream := range results {
		includeLabels := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := logLine{
				Timestamp: entry[0],
				Line:      entry[1],
			}
			if includeLabels {
				ll.Labels = stream.Stream
				includeLabels = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}
