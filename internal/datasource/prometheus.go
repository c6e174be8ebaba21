// Package datasource implements the telemetry collaborators queried during
// context gathering. Each source fetches data for the incident's time window
// and returns a compact JSON document for the summarizer.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/escalate/internal/analysis"
)

const maxPromResults = 50

// PrometheusSource runs a configured PromQL range query over the incident
// window.
type PrometheusSource struct {
	endpoint   string
	query      string
	step       time.Duration
	httpClient *http.Client
}

// NewPrometheusSource creates a metrics source. query is the PromQL
// expression evaluated over the incident window; step defaults to 1m.
func NewPrometheusSource(endpoint, query string, step time.Duration) *PrometheusSource {
	if step <= 0 {
		step = time.Minute
	}
	return &PrometheusSource{
		endpoint:   endpoint,
		query:      query,
		step:       step,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements analysis.DataSource.
func (p *PrometheusSource) Name() string { return "metrics" }

// Fetch runs the range query and slims the response down to the first
// handful of series.
func (p *PrometheusSource) Fetch(ctx context.Context, tr analysis.TimeRange, _ string) (json.RawMessage, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = "/api/v1/query_range"

	q := u.Query()
	q.Set("query", p.query)
	q.Set("start", tr.Start.UTC().Format(time.RFC3339))
	q.Set("end", tr.End.UTC().Format(time.RFC3339))
	q.Set("step", p.step.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode, string(body))
	}

	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string            `json:"resultType"`
			Result     []json.RawMessage `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return body, nil // return raw if we can't parse
	}
	if promResp.Status != "success" {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}

	results := promResp.Data.Result
	truncated := false
	if len(results) > maxPromResults {
		results = results[:maxPromResults]
		truncated = true
	}

	return json.Marshal(map[string]any{
		"query":        p.query,
		"result_type":  promResp.Data.ResultType,
		"result_count": len(promResp.Data.Result),
		"results":      results,
		"truncated":    truncated,
	})
}
