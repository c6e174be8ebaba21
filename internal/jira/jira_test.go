package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/escalate/internal/analysis"
	"github.com/linnemanlabs/escalate/internal/incident"
)

func TestGetIssue_MapsFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/issue/OPS-42" {
			t.Errorf("path = %q, want issue endpoint", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "oncall@example.com" || pass != "tok" {
			t.Errorf("basic auth = %q/%q ok=%v, want configured credentials", user, pass, ok)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key": "OPS-42",
			"fields": map[string]any{
				"summary":     "Checkout latency spike",
				"description": "p99 above 5s",
				"created":     "2026-03-14T03:12:00.000+0000",
				"priority":    map[string]string{"name": "P1"},
				"status":      map[string]string{"name": "In Progress"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "oncall@example.com", "tok")
	issue, err := c.GetIssue(context.Background(), "OPS-42")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}

	if issue.ID != "OPS-42" {
		t.Errorf("ID = %q, want OPS-42", issue.ID)
	}
	if issue.Title != "Checkout latency spike" {
		t.Errorf("Title = %q, want summary", issue.Title)
	}
	if issue.Severity != incident.SeverityP1 {
		t.Errorf("Severity = %q, want P1", issue.Severity)
	}
	if issue.Status != incident.StatusInvestigating {
		t.Errorf("Status = %q, want investigating", issue.Status)
	}
	if issue.Created.IsZero() {
		t.Error("Created should be parsed")
	}
	if got := issue.Created.UTC(); got.Hour() != 3 || got.Minute() != 12 {
		t.Errorf("Created = %v, want 03:12 UTC", got)
	}
}

func TestGetIssue_MissingOptionalFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key":    "OPS-7",
			"fields": map[string]any{"summary": "bare issue"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "e", "t")
	issue, err := c.GetIssue(context.Background(), "OPS-7")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Severity != incident.SeverityUnknown {
		t.Errorf("Severity = %q, want Unknown without priority", issue.Severity)
	}
	if issue.Status != incident.StatusOpen {
		t.Errorf("Status = %q, want open without status", issue.Status)
	}
}

func TestGetIssue_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errorMessages":["issue does not exist"]}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "e", "t")
	_, err := c.GetIssue(context.Background(), "OPS-404")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want status code in message", err)
	}
}

func TestFindSimilar(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/search" {
			t.Errorf("path = %q, want search endpoint", r.URL.Path)
		}
		q := r.URL.Query()
		if !strings.Contains(q.Get("jql"), "checkout latency") {
			t.Errorf("jql = %q, want keywords embedded", q.Get("jql"))
		}
		if q.Get("maxResults") != "5" {
			t.Errorf("maxResults = %q, want 5", q.Get("maxResults"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issues": []map[string]any{
				{"key": "OPS-1", "fields": map[string]any{"summary": "Checkout latency", "created": "2026-02-01T10:00:00.000+0000"}},
				{"key": "OPS-2", "fields": map[string]any{"summary": "Latency again", "created": "2026-01-15T09:00:00.000+0000"}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "e", "t")
	similar, err := c.FindSimilar(context.Background(), "checkout latency", 5)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(similar) != 2 {
		t.Fatalf("similar = %d, want 2", len(similar))
	}
	if similar[0].ID != "OPS-1" || similar[0].Summary != "Checkout latency" {
		t.Errorf("first = %+v, want OPS-1", similar[0])
	}
	if similar[0].Created.IsZero() {
		t.Error("Created should be parsed")
	}
}

func TestPublish_PostsComment(t *testing.T) {
	t.Parallel()

	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/rest/api/2/issue/OPS-9/comment" {
			t.Errorf("path = %q, want comment endpoint", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "e", "t")
	err := c.Publish(context.Background(), &analysis.Result{
		IncidentID: "OPS-9",
		AnalysisID: "a-1",
		Summary:    "root cause: cache stampede",
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.Contains(gotBody["body"], "root cause: cache stampede") {
		t.Errorf("comment = %q, want summary included", gotBody["body"])
	}
	if !strings.Contains(gotBody["body"], "a-1") {
		t.Errorf("comment = %q, want analysis ID included", gotBody["body"])
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New("http://x", "e", "t").Name(); got != "jira" {
		t.Errorf("Name() = %q, want jira", got)
	}
}

func TestParseJiraTime_Garbage(t *testing.T) {
	t.Parallel()

	if got := parseJiraTime("not-a-time"); !got.IsZero() {
		t.Errorf("parseJiraTime garbage = %v, want zero time", got)
	}
	if got := parseJiraTime("2026-03-14T03:12:00Z"); got.IsZero() {
		t.Error("RFC3339 fallback should parse")
	}
}
