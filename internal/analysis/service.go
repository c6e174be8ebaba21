// Package analysis runs the incident analysis pipeline: context gathering
// from external collaborators, LLM summarization, persistence, caching and
// downstream fan-out to notifications and pattern detection.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/escalate/internal/cache"
	"github.com/linnemanlabs/escalate/internal/events"
	"github.com/linnemanlabs/escalate/internal/incident"
	"github.com/linnemanlabs/escalate/internal/queue"
)

const (
	// DefaultLockTTL bounds how long a crashed run can hold an incident lock.
	DefaultLockTTL = time.Minute

	// DefaultWindow is the trailing telemetry window handed to data
	// collaborators when the incident has no recorded start time.
	DefaultWindow = time.Hour

	// DefaultMaxSimilar caps how many similar incidents are attached to the
	// context bundle.
	DefaultMaxSimilar = 5
)

// Scheduler is the slice of the queue manager the pipeline needs for its
// downstream fan-out.
type Scheduler interface {
	EnqueueNotification(ctx context.Context, p queue.NotificationPayload) (queue.Handle, error)
	EnqueuePatternDetection(ctx context.Context, incidentID string) (queue.Handle, error)
}

// Deps carries the pipeline collaborators. Store, Cache, Summarizer and
// Metrics are required; the rest may be nil or empty and the corresponding
// stages degrade gracefully.
type Deps struct {
	Store      incident.Store
	Cache      *cache.Service
	Summarizer Summarizer
	Sources    []DataSource
	Notifiers  []Notifier
	Tracker    IssueTracker
	Scheduler  Scheduler
	Publisher  events.Publisher
	Logger     log.Logger
	Metrics    *Metrics
}

// Options tunes pipeline behavior. Zero values take the defaults.
type Options struct {
	LockTTL          time.Duration
	Window           time.Duration
	MaxSimilar       int
	PatternDetection bool
}

// Service orchestrates one analysis run per invocation. It is safe for
// concurrent use; per-incident exclusion is enforced through the lock
// service, not through local state.
type Service struct {
	store      incident.Store
	cache      *cache.Service
	summarizer Summarizer
	sources    []DataSource
	notifiers  map[string]Notifier
	tracker    IssueTracker
	scheduler  Scheduler
	publisher  events.Publisher
	logger     log.Logger
	metrics    *Metrics
	tracer     trace.Tracer

	lockTTL          time.Duration
	window           time.Duration
	maxSimilar       int
	patternDetection bool

	now func() time.Time
}

// NewService creates the pipeline service.
func NewService(d Deps, opts Options) *Service {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxSimilar <= 0 {
		opts.MaxSimilar = DefaultMaxSimilar
	}

	notifiers := make(map[string]Notifier, len(d.Notifiers))
	for _, n := range d.Notifiers {
		notifiers[n.Name()] = n
	}

	return &Service{
		store:            d.Store,
		cache:            d.Cache,
		summarizer:       d.Summarizer,
		sources:          d.Sources,
		notifiers:        notifiers,
		tracker:          d.Tracker,
		scheduler:        d.Scheduler,
		publisher:        d.Publisher,
		logger:           d.Logger,
		metrics:          d.Metrics,
		tracer:           otel.Tracer("escalate/analysis"),
		lockTTL:          opts.LockTTL,
		window:           opts.Window,
		maxSimilar:       opts.MaxSimilar,
		patternDetection: opts.PatternDetection,
		now:              time.Now,
	}
}

// Analyze runs the full pipeline for one incident. A fresh-enough cached
// result short-circuits everything unless force is set. While another run
// holds the incident lock it returns cache.ErrLockUnavailable immediately.
func (s *Service) Analyze(ctx context.Context, incidentID, source string, force bool) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "analysis.Analyze", trace.WithAttributes(
		attribute.String("incident.id", incidentID),
		attribute.String("incident.source", source),
		attribute.Bool("force", force),
	))
	defer span.End()

	started := s.now()

	if !force {
		if res, ok := s.fromCache(ctx, incidentID); ok {
			s.metrics.CacheHits.Inc()
			s.metrics.RunsTotal.WithLabelValues("cached").Inc()
			span.SetAttributes(attribute.Bool("cached", true))
			return res, nil
		}
	}

	token, err := s.cache.AcquireLock(ctx, "incident:"+incidentID, s.lockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockUnavailable) {
			s.metrics.RunsTotal.WithLabelValues("lock_unavailable").Inc()
			return nil, fmt.Errorf("incident %s: %w", incidentID, err)
		}
		return nil, fmt.Errorf("acquire lock for %s: %w", incidentID, err)
	}
	defer func() {
		released, rerr := s.cache.ReleaseLock(ctx, "incident:"+incidentID, token)
		if rerr != nil {
			s.logger.Error(ctx, rerr, "lock release failed", "incident_id", incidentID)
			return
		}
		if !released {
			s.logger.Warn(ctx, "lock expired before release", "incident_id", incidentID)
		}
	}()

	bundle := s.gather(ctx, incidentID, source)

	inc, err := s.store.UpsertForAnalysis(ctx, bundleIncident(bundle))
	if err != nil {
		return s.fail(ctx, span, nil, "persist", fmt.Errorf("upsert incident %s: %w", incidentID, err))
	}
	s.publisher.Publish(ctx, inc.ID, events.TypeIncidentUpdated, inc)

	a := &incident.Analysis{
		ID:          ulid.Make().String(),
		IncidentID:  inc.ID,
		Status:      incident.AnalysisProcessing,
		Model:       s.summarizer.Model(),
		TriggeredBy: source,
		DataSources: bundle.DataSources,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateAnalysis(ctx, a); err != nil {
		return s.fail(ctx, span, nil, "persist", fmt.Errorf("create analysis row: %w", err))
	}
	span.SetAttributes(attribute.String("analysis.id", a.ID))

	summarizeStart := s.now()
	summary, err := s.summarizer.Summarize(ctx, bundle)
	s.metrics.SummarizeDuration.Observe(s.now().Sub(summarizeStart).Seconds())
	if err != nil {
		return s.fail(ctx, span, a, "summarize", fmt.Errorf("summarize incident %s: %w", incidentID, err))
	}

	a.Status = incident.AnalysisCompleted
	a.Summary = summary
	a.DurationMS = s.now().Sub(started).Milliseconds()
	a.CompletedAt = s.now()
	if err := s.store.UpdateAnalysis(ctx, a); err != nil {
		return s.fail(ctx, span, nil, "persist", fmt.Errorf("complete analysis row: %w", err))
	}

	res := &Result{
		IncidentID:  inc.ID,
		AnalysisID:  a.ID,
		Summary:     summary,
		DurationMS:  a.DurationMS,
		DataSources: bundle.DataSources,
		Timestamp:   s.now(),
	}

	if err := s.cache.SetCachedAnalysis(ctx, inc.ID, &cache.CachedAnalysis{
		AnalysisID: a.ID,
		Summary:    summary,
		DurationMS: a.DurationMS,
	}); err != nil {
		s.logger.Error(ctx, err, "cache writeback failed", "incident_id", inc.ID)
	}

	s.scheduleFollowups(ctx, res)

	s.publisher.Publish(ctx, inc.ID, events.TypeAnalysisComplete, res)
	s.metrics.RunsTotal.WithLabelValues("completed").Inc()
	s.metrics.RunDuration.Observe(s.now().Sub(started).Seconds())

	s.logger.Info(ctx, "analysis complete",
		"incident_id", inc.ID,
		"analysis_id", a.ID,
		"duration_ms", a.DurationMS,
		"sources_ok", countOK(bundle.DataSources),
	)
	return res, nil
}

// Notify dispatches one queued notification to its channel. Called by the
// notifications queue worker.
func (s *Service) Notify(ctx context.Context, p queue.NotificationPayload) error {
	n, ok := s.notifiers[p.Channel]
	if !ok {
		return fmt.Errorf("unknown notification channel %q", p.Channel)
	}
	return n.Publish(ctx, &Result{
		IncidentID: p.IncidentID,
		AnalysisID: p.AnalysisID,
		Summary:    p.Summary,
		Timestamp:  s.now(),
	})
}

// fromCache returns a result built from the cached analysis when present and
// fresh. Cache read errors are logged and treated as a miss.
func (s *Service) fromCache(ctx context.Context, incidentID string) (*Result, bool) {
	ca, ok, err := s.cache.GetCachedAnalysis(ctx, incidentID)
	if err != nil {
		s.logger.Error(ctx, err, "analysis cache read failed", "incident_id", incidentID)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &Result{
		IncidentID: incidentID,
		AnalysisID: ca.AnalysisID,
		Summary:    ca.Summary,
		DurationMS: ca.DurationMS,
		Cached:     true,
		Timestamp:  ca.Timestamp,
	}, true
}

// fail marks the analysis row failed when one exists, publishes the failure
// event and returns the wrapped error.
func (s *Service) fail(ctx context.Context, span trace.Span, a *incident.Analysis, stage string, err error) (*Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	s.metrics.RunsTotal.WithLabelValues("failed").Inc()

	incidentID := ""
	if a != nil {
		incidentID = a.IncidentID
		a.Status = incident.AnalysisFailed
		a.Errors = &incident.Diagnostic{Stage: stage, Message: err.Error()}
		a.CompletedAt = s.now()
		if uerr := s.store.UpdateAnalysis(ctx, a); uerr != nil {
			s.logger.Error(ctx, uerr, "failed to record analysis failure", "analysis_id", a.ID)
		}
		s.publisher.Publish(ctx, a.IncidentID, events.TypeAnalysisFailed, a.Errors)
	}

	s.logger.Error(ctx, err, "analysis failed", "incident_id", incidentID, "stage", stage)
	return nil, err
}

// scheduleFollowups enqueues pattern detection and per-channel notifications.
// Both are isolated; failures are logged and never affect the completed run.
func (s *Service) scheduleFollowups(ctx context.Context, res *Result) {
	if s.scheduler == nil {
		return
	}

	if s.patternDetection {
		if _, err := s.scheduler.EnqueuePatternDetection(ctx, res.IncidentID); err != nil {
			s.logger.Error(ctx, err, "pattern job enqueue failed", "incident_id", res.IncidentID)
		}
	}

	for channel := range s.notifiers {
		_, err := s.scheduler.EnqueueNotification(ctx, queue.NotificationPayload{
			Channel:    channel,
			IncidentID: res.IncidentID,
			AnalysisID: res.AnalysisID,
			Summary:    res.Summary,
		})
		if err != nil {
			s.logger.Error(ctx, err, "notification enqueue failed",
				"incident_id", res.IncidentID,
				"channel", channel,
			)
		}
	}
}

func bundleIncident(b *ContextBundle) *incident.Incident {
	inc := &incident.Incident{
		ID:          b.IncidentID,
		Title:       b.Title,
		Description: b.Description,
		Severity:    b.Severity,
		Status:      b.Status,
		Source:      b.Source,
		StartTime:   b.StartedAt,
	}
	if inc.Title == "" {
		inc.Title = b.IncidentID
	}
	if inc.Severity == "" {
		inc.Severity = incident.SeverityUnknown
	}
	if inc.Status == "" {
		inc.Status = incident.StatusOpen
	}
	for _, sim := range b.Similar {
		inc.SimilarIncidents = append(inc.SimilarIncidents, sim.ID)
	}
	return inc
}

func countOK(sources map[string]bool) int {
	n := 0
	for _, ok := range sources {
		if ok {
			n++
		}
	}
	return n
}
