// Package jira is the issue-tracker collaborator: incident metadata lookup,
// similarity search over past issues, and analysis comments posted back to
// the triggering issue.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/escalate/internal/analysis"
	"github.com/linnemanlabs/escalate/internal/incident"
)

const httpTimeout = 15 * time.Second

// Client talks to the Jira REST API v2 with basic auth.
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
}

// New creates a Jira client. baseURL is the site root, e.g.
// https://example.atlassian.net.
func New(baseURL, email, apiToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: httpTimeout},
	}
}

type issueFields struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Created     string `json:"created"`
	Priority    *struct {
		Name string `json:"name"`
	} `json:"priority"`
	Status *struct {
		Name string `json:"name"`
	} `json:"status"`
}

type issueResponse struct {
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

// GetIssue fetches one issue and maps it to the analysis view.
func (c *Client) GetIssue(ctx context.Context, id string) (*analysis.Issue, error) {
	var out issueResponse
	path := "/rest/api/2/issue/" + url.PathEscape(id)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return mapIssue(&out), nil
}

type searchResponse struct {
	Issues []issueResponse `json:"issues"`
}

// FindSimilar runs a JQL text search for issues matching the keywords,
// newest first.
func (c *Client) FindSimilar(ctx context.Context, keywords string, limit int) ([]analysis.SimilarIncident, error) {
	jql := fmt.Sprintf(`text ~ %q ORDER BY created DESC`, keywords)
	q := url.Values{
		"jql":        {jql},
		"maxResults": {fmt.Sprint(limit)},
		"fields":     {"summary,created"},
	}

	var out searchResponse
	if err := c.get(ctx, "/rest/api/2/search", q, &out); err != nil {
		return nil, err
	}

	similar := make([]analysis.SimilarIncident, 0, len(out.Issues))
	for i := range out.Issues {
		issue := &out.Issues[i]
		similar = append(similar, analysis.SimilarIncident{
			ID:      issue.Key,
			Summary: issue.Fields.Summary,
			Created: parseJiraTime(issue.Fields.Created),
		})
	}
	return similar, nil
}

// Name implements analysis.Notifier.
func (c *Client) Name() string {
	return "jira"
}

// Publish posts the analysis summary as a comment on the incident's issue.
func (c *Client) Publish(ctx context.Context, res *analysis.Result) error {
	body := map[string]string{
		"body": fmt.Sprintf("*Automated incident analysis* (%s)\n\n%s", res.AnalysisID, res.Summary),
	}
	path := "/rest/api/2/issue/" + url.PathEscape(res.IncidentID) + "/comment"
	return c.post(ctx, path, body, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("jira: create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jira: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jira: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jira: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jira: %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("jira: decode response: %w", err)
	}
	return nil
}

func mapIssue(r *issueResponse) *analysis.Issue {
	issue := &analysis.Issue{
		ID:          r.Key,
		Title:       r.Fields.Summary,
		Description: r.Fields.Description,
		Severity:    incident.SeverityUnknown,
		Status:      incident.StatusOpen,
		Created:     parseJiraTime(r.Fields.Created),
	}
	if r.Fields.Priority != nil {
		issue.Severity = incident.ParseSeverity(r.Fields.Priority.Name)
	}
	if r.Fields.Status != nil {
		issue.Status = mapStatus(r.Fields.Status.Name)
	}
	return issue
}

func mapStatus(name string) incident.IncidentStatus {
	switch strings.ToLower(name) {
	case "in progress", "investigating":
		return incident.StatusInvestigating
	case "resolved", "done":
		return incident.StatusResolved
	case "closed":
		return incident.StatusClosed
	default:
		return incident.StatusOpen
	}
}

// parseJiraTime handles Jira's RFC3339-with-offset format, falling back to
// the zero time on garbage.
func parseJiraTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
