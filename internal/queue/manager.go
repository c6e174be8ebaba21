package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/escalate/internal/incident"
)

// Fixed queue names.
const (
	QueueAnalysis      = "analysis"
	QueueNotifications = "notifications"
	QueuePatterns      = "patterns"
)

// DefaultPatternDelay holds pattern-detection jobs back so the analysis
// transaction is visible before the window query runs.
const DefaultPatternDelay = time.Minute

// Manager owns the three named queues and the typed enqueue surface.
type Manager struct {
	logger  log.Logger
	metrics *Metrics
	queues  map[string]*Queue
}

// NewManager creates an empty manager. Queues are added with AddQueue before
// Start.
func NewManager(logger log.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		logger:  logger,
		metrics: metrics,
		queues:  make(map[string]*Queue),
	}
}

// AddQueue registers a named queue with its handler and returns it.
func (m *Manager) AddQueue(name string, cfg Config, handler Handler) *Queue {
	q := newQueue(name, cfg, handler, m.logger, m.metrics)
	m.queues[name] = q
	return q
}

// Queue returns a queue by name.
func (m *Manager) Queue(name string) (*Queue, bool) {
	q, ok := m.queues[name]
	return q, ok
}

// Start launches dispatch on every queue.
func (m *Manager) Start(ctx context.Context) {
	for _, q := range m.queues {
		q.Start(ctx)
	}
}

// EnqueueAnalysis schedules an analysis run. Severity drives dispatch
// priority on the analysis queue.
func (m *Manager) EnqueueAnalysis(ctx context.Context, incidentID, source string, force bool, severity incident.Severity, delay time.Duration) (Handle, error) {
	q, ok := m.queues[QueueAnalysis]
	if !ok {
		return Handle{}, fmt.Errorf("queue %s not configured", QueueAnalysis)
	}
	h, err := q.Enqueue(
		AnalysisPayload{IncidentID: incidentID, Source: source, Force: force},
		EnqueueOptions{Priority: severity.QueuePriority(), Delay: delay},
	)
	if err != nil {
		return Handle{}, err
	}
	m.logger.Info(ctx, "enqueued analysis job",
		"job_id", h.ID,
		"incident_id", incidentID,
		"source", source,
		"priority", severity.QueuePriority(),
	)
	return h, nil
}

// EnqueueNotification schedules an outbound notification.
func (m *Manager) EnqueueNotification(ctx context.Context, p NotificationPayload) (Handle, error) {
	q, ok := m.queues[QueueNotifications]
	if !ok {
		return Handle{}, fmt.Errorf("queue %s not configured", QueueNotifications)
	}
	return q.Enqueue(p, EnqueueOptions{})
}

// EnqueuePatternDetection schedules pattern detection for an incident with
// the default delay.
func (m *Manager) EnqueuePatternDetection(ctx context.Context, incidentID string) (Handle, error) {
	q, ok := m.queues[QueuePatterns]
	if !ok {
		return Handle{}, fmt.Errorf("queue %s not configured", QueuePatterns)
	}
	return q.Enqueue(PatternPayload{IncidentID: incidentID}, EnqueueOptions{Delay: DefaultPatternDelay})
}

// Stats snapshots every queue.
func (m *Manager) Stats() map[string]Stats {
	out := make(map[string]Stats, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.Stats()
	}
	return out
}

// Pause stops dispatch on a named queue.
func (m *Manager) Pause(name string) error {
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("unknown queue %q", name)
	}
	q.Pause()
	m.logger.Info(context.Background(), "queue paused", "queue", name)
	return nil
}

// Resume restarts dispatch on a named queue.
func (m *Manager) Resume(name string) error {
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("unknown queue %q", name)
	}
	q.Resume()
	m.logger.Info(context.Background(), "queue resumed", "queue", name)
	return nil
}

// Shutdown pauses all queues and waits for in-flight jobs up to ctx's
// deadline. Errors from individual queues are joined.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, q := range m.queues {
		q.Pause()
	}
	var errs []error
	for _, q := range m.queues {
		if err := q.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
