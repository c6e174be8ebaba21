package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/escalate/internal/cache"
	"github.com/linnemanlabs/escalate/internal/events"
	"github.com/linnemanlabs/escalate/internal/incident"
	"github.com/linnemanlabs/escalate/internal/incident/memstore"
	"github.com/linnemanlabs/escalate/internal/queue"
)

// fakeSummarizer counts calls and returns a canned summary or error.
type fakeSummarizer struct {
	mu      sync.Mutex
	summary string
	err     error
	calls   int
	bundle  *ContextBundle
}

func (f *fakeSummarizer) Summarize(_ context.Context, bundle *ContextBundle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.bundle = bundle
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func (f *fakeSummarizer) Model() string { return "test-model" }

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSource is one data collaborator with a fixed response.
type fakeSource struct {
	name string
	data json.RawMessage
	err  error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context, TimeRange, string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

// fakeNotifier records published results.
type fakeNotifier struct {
	mu        sync.Mutex
	name      string
	published []*Result
	err       error
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Publish(_ context.Context, res *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, res)
	return f.err
}

// fakeTracker serves a fixed issue and similarity list.
type fakeTracker struct {
	issue      *Issue
	issueErr   error
	similar    []SimilarIncident
	similarErr error
}

func (f *fakeTracker) GetIssue(context.Context, string) (*Issue, error) {
	return f.issue, f.issueErr
}

func (f *fakeTracker) FindSimilar(context.Context, string, int) ([]SimilarIncident, error) {
	return f.similar, f.similarErr
}

// fakeScheduler records follow-up jobs.
type fakeScheduler struct {
	mu            sync.Mutex
	notifications []queue.NotificationPayload
	patterns      []string
	err           error
}

func (f *fakeScheduler) EnqueueNotification(_ context.Context, p queue.NotificationPayload) (queue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Handle{}, f.err
	}
	f.notifications = append(f.notifications, p)
	return queue.Handle{ID: "job-n", Queue: queue.QueueNotifications}, nil
}

func (f *fakeScheduler) EnqueuePatternDetection(_ context.Context, incidentID string) (queue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Handle{}, f.err
	}
	f.patterns = append(f.patterns, incidentID)
	return queue.Handle{ID: "job-p", Queue: queue.QueuePatterns}, nil
}

// capturePublisher collects published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, incidentID, eventType string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events.Event{IncidentID: incidentID, Type: eventType, Payload: payload})
}

func (c *capturePublisher) byType(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// failStore injects errors on top of a working store.
type failStore struct {
	incident.Store
	upsertErr error
	updateErr error
}

func (f *failStore) UpsertForAnalysis(ctx context.Context, inc *incident.Incident) (*incident.Incident, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	return f.Store.UpsertForAnalysis(ctx, inc)
}

func (f *failStore) UpdateAnalysis(ctx context.Context, a *incident.Analysis) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Store.UpdateAnalysis(ctx, a)
}

type testPipeline struct {
	svc        *Service
	store      incident.Store
	cache      *cache.Service
	summarizer *fakeSummarizer
	scheduler  *fakeScheduler
	publisher  *capturePublisher
}

func newTestPipeline(t *testing.T, mutate func(*Deps, *Options)) *testPipeline {
	t.Helper()

	summarizer := &fakeSummarizer{summary: "root cause: disk full"}
	scheduler := &fakeScheduler{}
	publisher := &capturePublisher{}
	cacheSvc := cache.NewService(cache.NewMemoryProvider(), log.Nop(), cache.Options{})

	d := Deps{
		Store:      memstore.New(),
		Cache:      cacheSvc,
		Summarizer: summarizer,
		Scheduler:  scheduler,
		Publisher:  publisher,
		Logger:     log.Nop(),
		Metrics:    NewMetrics(prometheus.NewRegistry()),
	}
	opts := Options{PatternDetection: true}
	if mutate != nil {
		mutate(&d, &opts)
	}

	return &testPipeline{
		svc:        NewService(d, opts),
		store:      d.Store,
		cache:      cacheSvc,
		summarizer: summarizer,
		scheduler:  scheduler,
		publisher:  publisher,
	}
}

func TestAnalyze_Completes(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Sources = []DataSource{
			&fakeSource{name: "metrics", data: json.RawMessage(`{"series":3}`)},
		}
		d.Notifiers = []Notifier{&fakeNotifier{name: "slack"}}
		d.Tracker = &fakeTracker{issue: &Issue{
			ID:       "INC-1",
			Title:    "Checkout latency spike",
			Severity: incident.SeverityP1,
			Status:   incident.StatusInvestigating,
			Created:  time.Now().Add(-30 * time.Minute),
		}}
	})

	res, err := tp.svc.Analyze(context.Background(), "INC-1", "api", false)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Cached {
		t.Error("fresh run should not be marked cached")
	}
	if res.Summary != "root cause: disk full" {
		t.Errorf("summary = %q, want %q", res.Summary, "root cause: disk full")
	}
	if res.AnalysisID == "" {
		t.Error("expected non-empty analysis ID")
	}
	if !res.DataSources["metrics"] || !res.DataSources["tracker"] {
		t.Errorf("data sources = %v, want metrics and tracker true", res.DataSources)
	}

	a, ok, err := tp.store.LatestAnalysis(context.Background(), "INC-1")
	if err != nil || !ok {
		t.Fatalf("LatestAnalysis: ok=%v err=%v", ok, err)
	}
	if a.Status != incident.AnalysisCompleted {
		t.Errorf("status = %q, want %q", a.Status, incident.AnalysisCompleted)
	}
	if a.Model != "test-model" {
		t.Errorf("model = %q, want %q", a.Model, "test-model")
	}
	if a.TriggeredBy != "api" {
		t.Errorf("triggered_by = %q, want %q", a.TriggeredBy, "api")
	}

	inc, ok, err := tp.store.GetIncident(context.Background(), "INC-1")
	if err != nil || !ok {
		t.Fatalf("GetIncident: ok=%v err=%v", ok, err)
	}
	if inc.Title != "Checkout latency spike" {
		t.Errorf("incident title = %q, want tracker title", inc.Title)
	}
	if inc.Severity != incident.SeverityP1 {
		t.Errorf("severity = %q, want P1", inc.Severity)
	}

	if got := tp.publisher.byType(events.TypeAnalysisComplete); len(got) != 1 {
		t.Errorf("analysis-complete events = %d, want 1", len(got))
	}
	if len(tp.scheduler.patterns) != 1 || tp.scheduler.patterns[0] != "INC-1" {
		t.Errorf("pattern jobs = %v, want [INC-1]", tp.scheduler.patterns)
	}
	if len(tp.scheduler.notifications) != 1 || tp.scheduler.notifications[0].Channel != "slack" {
		t.Errorf("notification jobs = %+v, want one slack job", tp.scheduler.notifications)
	}
}

func TestAnalyze_SecondRunServedFromCache(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, nil)

	first, err := tp.svc.Analyze(context.Background(), "INC-2", "api", false)
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}

	second, err := tp.svc.Analyze(context.Background(), "INC-2", "api", false)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if !second.Cached {
		t.Error("second run should be served from cache")
	}
	if second.AnalysisID != first.AnalysisID {
		t.Errorf("cached analysis ID = %q, want %q", second.AnalysisID, first.AnalysisID)
	}
	if tp.summarizer.callCount() != 1 {
		t.Errorf("summarizer calls = %d, want 1", tp.summarizer.callCount())
	}
}

func TestAnalyze_ForceBypassesCache(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, nil)

	if _, err := tp.svc.Analyze(context.Background(), "INC-3", "api", false); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}

	res, err := tp.svc.Analyze(context.Background(), "INC-3", "api", true)
	if err != nil {
		t.Fatalf("forced Analyze: %v", err)
	}
	if res.Cached {
		t.Error("forced run must not be served from cache")
	}
	if tp.summarizer.callCount() != 2 {
		t.Errorf("summarizer calls = %d, want 2", tp.summarizer.callCount())
	}

	inc, _, err := tp.store.GetIncident(context.Background(), "INC-3")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if inc.AnalysisCount != 1 {
		t.Errorf("analysis count = %d, want 1 after one upsert of an existing incident", inc.AnalysisCount)
	}
}

func TestAnalyze_LockUnavailable(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, nil)

	if _, err := tp.cache.AcquireLock(context.Background(), "incident:INC-4", time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	_, err := tp.svc.Analyze(context.Background(), "INC-4", "api", false)
	if !errors.Is(err, cache.ErrLockUnavailable) {
		t.Fatalf("err = %v, want ErrLockUnavailable", err)
	}
	if tp.summarizer.callCount() != 0 {
		t.Errorf("summarizer calls = %d, want 0 when locked", tp.summarizer.callCount())
	}
}

func TestAnalyze_ReleasesLock(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, nil)

	if _, err := tp.svc.Analyze(context.Background(), "INC-5", "api", false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	// A completed run must leave the lock free for the next holder.
	token, err := tp.cache.AcquireLock(context.Background(), "incident:INC-5", time.Minute)
	if err != nil {
		t.Fatalf("lock still held after run: %v", err)
	}
	_, _ = tp.cache.ReleaseLock(context.Background(), "incident:INC-5", token)
}

func TestAnalyze_PartialSourceFailureProceeds(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Sources = []DataSource{
			&fakeSource{name: "metrics", data: json.RawMessage(`{"ok":true}`)},
			&fakeSource{name: "logs", err: errors.New("loki unreachable")},
			&fakeSource{name: "deploys", data: json.RawMessage(`[]`)},
		}
	})

	res, err := tp.svc.Analyze(context.Background(), "INC-6", "api", false)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.DataSources["metrics"] || !res.DataSources["deploys"] {
		t.Errorf("healthy sources marked failed: %v", res.DataSources)
	}
	if res.DataSources["logs"] {
		t.Error("failed source should be recorded as false")
	}

	bundle := tp.summarizer.bundle
	if _, ok := bundle.Data["logs"]; ok {
		t.Error("failed source data must not reach the summarizer")
	}
	if _, ok := bundle.Data["metrics"]; !ok {
		t.Error("healthy source data missing from bundle")
	}
}

func TestAnalyze_SummarizeFailureMarksAnalysisFailed(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Summarizer = &fakeSummarizer{err: errors.New("model overloaded")}
	})

	_, err := tp.svc.Analyze(context.Background(), "INC-7", "api", false)
	if err == nil {
		t.Fatal("expected summarize failure to surface")
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("err = %v, want wrapped summarizer error", err)
	}

	a, ok, serr := tp.store.LatestAnalysis(context.Background(), "INC-7")
	if serr != nil || !ok {
		t.Fatalf("LatestAnalysis: ok=%v err=%v", ok, serr)
	}
	if a.Status != incident.AnalysisFailed {
		t.Errorf("status = %q, want %q", a.Status, incident.AnalysisFailed)
	}
	if a.Errors == nil || a.Errors.Stage != "summarize" {
		t.Errorf("diagnostic = %+v, want stage summarize", a.Errors)
	}
	if a.CompletedAt.IsZero() {
		t.Error("failed analysis should record a completion time")
	}

	if got := tp.publisher.byType(events.TypeAnalysisFailed); len(got) != 1 {
		t.Errorf("analysis-failed events = %d, want 1", len(got))
	}
	if len(tp.scheduler.notifications) != 0 {
		t.Error("failed run must not schedule notifications")
	}
}

func TestAnalyze_UpsertFailure(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Store = &failStore{Store: memstore.New(), upsertErr: errors.New("db down")}
	})

	_, err := tp.svc.Analyze(context.Background(), "INC-8", "api", false)
	if err == nil {
		t.Fatal("expected upsert failure to surface")
	}
	if tp.summarizer.callCount() != 0 {
		t.Error("summarizer must not run when persistence fails")
	}
}

func TestAnalyze_TrackerFailureProceedsDegraded(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Tracker = &fakeTracker{issueErr: errors.New("jira 503")}
	})

	res, err := tp.svc.Analyze(context.Background(), "INC-9", "api", false)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.DataSources["tracker"] {
		t.Error("tracker failure should be recorded as false")
	}

	// Without tracker metadata the incident falls back to safe defaults.
	inc, _, err := tp.store.GetIncident(context.Background(), "INC-9")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if inc.Title != "INC-9" {
		t.Errorf("title = %q, want incident ID fallback", inc.Title)
	}
	if inc.Severity != incident.SeverityUnknown {
		t.Errorf("severity = %q, want Unknown", inc.Severity)
	}
}

func TestAnalyze_SchedulerFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Notifiers = []Notifier{&fakeNotifier{name: "slack"}}
	})
	tp.scheduler.err = errors.New("queue closed")

	if _, err := tp.svc.Analyze(context.Background(), "INC-10", "api", false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
}

func TestNotify_DispatchesToChannel(t *testing.T) {
	t.Parallel()

	slackFake := &fakeNotifier{name: "slack"}
	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Notifiers = []Notifier{slackFake, &fakeNotifier{name: "jira"}}
	})

	err := tp.svc.Notify(context.Background(), queue.NotificationPayload{
		Channel:    "slack",
		IncidentID: "INC-11",
		AnalysisID: "a-1",
		Summary:    "all good",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(slackFake.published) != 1 {
		t.Fatalf("published = %d, want 1", len(slackFake.published))
	}
	if slackFake.published[0].Summary != "all good" {
		t.Errorf("summary = %q, want %q", slackFake.published[0].Summary, "all good")
	}
}

func TestNotify_UnknownChannel(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, nil)

	err := tp.svc.Notify(context.Background(), queue.NotificationPayload{
		Channel:    "pager",
		IncidentID: "INC-12",
	})
	if err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}

func TestAnalyze_SimilarIncidentsFromTracker(t *testing.T) {
	t.Parallel()

	tp := newTestPipeline(t, func(d *Deps, opts *Options) {
		opts.MaxSimilar = 2
		d.Tracker = &fakeTracker{
			issue: &Issue{ID: "INC-13", Title: "Payment gateway timeouts rising"},
			similar: []SimilarIncident{
				{ID: "INC-13", Summary: "self, must be dropped"},
				{ID: "INC-90", Summary: "Payment gateway timeouts"},
				{ID: "INC-91", Summary: "Gateway latency"},
				{ID: "INC-92", Summary: "overflow, beyond cap"},
			},
		}
	})

	if _, err := tp.svc.Analyze(context.Background(), "INC-13", "api", false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	bundle := tp.summarizer.bundle
	if len(bundle.Similar) != 2 {
		t.Fatalf("similar = %d, want 2", len(bundle.Similar))
	}
	for _, sim := range bundle.Similar {
		if sim.ID == "INC-13" {
			t.Error("triggering incident must be excluded from its own similar list")
		}
	}

	inc, _, err := tp.store.GetIncident(context.Background(), "INC-13")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if len(inc.SimilarIncidents) != 2 {
		t.Errorf("persisted similar IDs = %v, want 2 entries", inc.SimilarIncidents)
	}
}

func TestAnalyze_SimilarFallsBackToStore(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	for i := range 3 {
		_, err := store.UpsertForAnalysis(context.Background(), &incident.Incident{
			ID:    fmt.Sprintf("OLD-%d", i),
			Title: "Database connection pool exhausted",
		})
		if err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Store = store
		d.Tracker = &fakeTracker{
			issue:      &Issue{ID: "INC-14", Title: "Database connection pool exhausted"},
			similarErr: errors.New("jql rejected"),
		}
	})

	if _, err := tp.svc.Analyze(context.Background(), "INC-14", "api", false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	bundle := tp.summarizer.bundle
	if len(bundle.Similar) != 3 {
		t.Fatalf("similar from store fallback = %d, want 3", len(bundle.Similar))
	}
}

func TestAnalyze_MetricsCacheReusedAcrossRuns(t *testing.T) {
	t.Parallel()

	now := time.Now()
	src := &fakeSource{name: "metrics", data: json.RawMessage(`{"v":1}`)}
	tp := newTestPipeline(t, func(d *Deps, _ *Options) {
		d.Sources = []DataSource{src}
	})
	// Pin the clock so both runs compute the identical time range.
	tp.svc.now = func() time.Time { return now }

	if _, err := tp.svc.Analyze(context.Background(), "INC-15", "api", false); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}

	src.err = errors.New("must not be fetched again")
	res, err := tp.svc.Analyze(context.Background(), "INC-15", "api", true)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if !res.DataSources["metrics"] {
		t.Error("second run should reuse the cached collaborator data")
	}
}

func TestAnalyze_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	tp := newTestPipeline(t, nil)

	if _, err := tp.svc.Analyze(context.Background(), "INC-16", "api", false); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	tp.summarizer.err = errors.New("model unavailable")
	if _, err := tp.svc.Analyze(context.Background(), "INC-17", "api", false); err == nil {
		t.Fatal("expected error from failing summarizer")
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}

	byIncident := make(map[string]tracetest.SpanStub)
	for _, s := range spans {
		if s.Name != "analysis.Analyze" {
			t.Errorf("span name = %q, want analysis.Analyze", s.Name)
		}
		for _, a := range s.Attributes {
			if a.Key == "incident.id" {
				byIncident[a.Value.AsString()] = s
			}
		}
	}

	ok, found := byIncident["INC-16"]
	if !found {
		t.Fatal("missing span for the successful run")
	}
	if ok.Status.Code == codes.Error {
		t.Error("successful run should not carry an error status")
	}
	var hasAnalysisID bool
	for _, a := range ok.Attributes {
		if a.Key == "analysis.id" && a.Value.AsString() != "" {
			hasAnalysisID = true
		}
	}
	if !hasAnalysisID {
		t.Error("successful span should record the analysis ID")
	}

	failed, found := byIncident["INC-17"]
	if !found {
		t.Fatal("missing span for the failed run")
	}
	if failed.Status.Code != codes.Error {
		t.Errorf("failed span status = %v, want error", failed.Status.Code)
	}
	if failed.Status.Description != "summarize" {
		t.Errorf("failed span description = %q, want summarize", failed.Status.Description)
	}
	if len(failed.Events) == 0 {
		t.Error("failed span should record the error event")
	}
}
