// Package events provides the completion-event surface of the engine.
// Subscribers are external real-time collaborators; delivery is best-effort
// and never blocks a publisher.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Event types published by the core.
const (
	TypeAnalysisComplete = "analysis-complete"
	TypeAnalysisFailed   = "analysis-failed"
	TypeIncidentUpdated  = "incident-updated"
	TypePatternUpdated   = "pattern-updated"
)

// Event is one published update for an incident.
type Event struct {
	IncidentID string    `json:"incident_id"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is the narrow interface the core publishes through.
type Publisher interface {
	Publish(ctx context.Context, incidentID, eventType string, payload any)
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, string, any) {}

// Bus fans events out to channel subscribers. Slow subscribers drop events
// rather than stall the pipeline.
type Bus struct {
	logger log.Logger

	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped int
}

// NewBus creates an event bus.
func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe returns a buffered event channel and an unsubscribe func that
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, incidentID, eventType string, payload any) {
	ev := Event{
		IncidentID: incidentID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  time.Now(),
	}

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
	dropped := b.dropped
	b.mu.Unlock()

	b.logger.Info(ctx, "event published",
		"incident_id", incidentID,
		"event_type", eventType,
		"dropped_total", dropped,
	)
}

// Dropped reports how many events were discarded on full subscriber buffers.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
