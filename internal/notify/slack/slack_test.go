package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/escalate/internal/analysis"
)

func TestPublish_NoWebhookIsNoOp(t *testing.T) {
	t.Parallel()

	n := New("")
	if err := n.Publish(context.Background(), &analysis.Result{IncidentID: "INC-1"}); err != nil {
		t.Fatalf("Publish without webhook: %v", err)
	}
}

func TestPublish_PostsBlocks(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	n := New(srv.URL)
	err := n.Publish(context.Background(), &analysis.Result{
		IncidentID: "INC-2",
		AnalysisID: "a-1",
		Summary:    "root cause: connection pool exhausted",
		DurationMS: 4200,
		Timestamp:  time.Date(2026, 3, 14, 3, 12, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok || len(blocks) != 5 {
		t.Fatalf("blocks = %v, want 5 entries", got["blocks"])
	}

	raw, _ := json.Marshal(got)
	body := string(raw)
	if !strings.Contains(body, "INC-2") {
		t.Error("message should name the incident")
	}
	if !strings.Contains(body, "connection pool exhausted") {
		t.Error("message should carry the summary")
	}
	if !strings.Contains(body, "4.2s") {
		t.Error("message should show the run duration")
	}
}

func TestPublish_EmptySummaryPlaceholder(t *testing.T) {
	t.Parallel()

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		body = string(raw)
	}))
	defer srv.Close()

	n := New(srv.URL)
	if err := n.Publish(context.Background(), &analysis.Result{IncidentID: "INC-3"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.Contains(body, "No summary available") {
		t.Error("empty summary should render a placeholder")
	}
}

func TestPublish_TruncatesLongSummary(t *testing.T) {
	t.Parallel()

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		body = string(raw)
	}))
	defer srv.Close()

	n := New(srv.URL)
	long := strings.Repeat("x", 5000)
	if err := n.Publish(context.Background(), &analysis.Result{IncidentID: "INC-4", Summary: long}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if strings.Contains(body, long) {
		t.Error("summary above the block limit should be truncated")
	}
	if !strings.Contains(body, "...") {
		t.Error("truncated summary should carry an ellipsis")
	}
}

func TestPublish_WebhookError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL)
	err := n.Publish(context.Background(), &analysis.Result{IncidentID: "INC-5"})
	if err == nil {
		t.Fatal("expected error for non-2xx webhook response")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("err = %v, want status code in message", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New("").Name(); got != "slack" {
		t.Errorf("Name() = %q, want slack", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q, want unchanged", got)
	}
	got := truncate(strings.Repeat("a", 20), 10)
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("got = %q, want ellipsis suffix", got)
	}
}
