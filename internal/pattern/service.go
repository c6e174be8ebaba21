package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/escalate/internal/events"
	"github.com/linnemanlabs/escalate/internal/incident"
)

const (
	// Lookback is the trailing window considered for clustering.
	Lookback = 7 * 24 * time.Hour

	// confidenceIncrement is added on every repeat observation of an
	// existing pattern, independent of the fresh candidate confidence.
	confidenceIncrement = 0.1
)

// Service runs detection for one incident and upserts the results.
type Service struct {
	store          incident.Store
	publisher      events.Publisher
	logger         log.Logger
	minOccurrences int
}

// NewService creates a pattern service. minOccurrences below 1 defaults to 3.
func NewService(store incident.Store, publisher events.Publisher, logger log.Logger, minOccurrences int) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if minOccurrences < 1 {
		minOccurrences = 3
	}
	return &Service{
		store:          store,
		publisher:      publisher,
		logger:         logger,
		minOccurrences: minOccurrences,
	}
}

// Run detects patterns around the given incident over the trailing window
// and merges them into the persisted aggregates.
func (s *Service) Run(ctx context.Context, incidentID string) ([]*incident.Pattern, error) {
	inc, ok, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	if !ok {
		s.logger.Warn(ctx, "pattern detection skipped, incident not found", "incident_id", incidentID)
		return nil, nil
	}

	recent, err := s.store.ListRecent(ctx, time.Now().Add(-Lookback))
	if err != nil {
		return nil, fmt.Errorf("list recent incidents: %w", err)
	}

	candidates := Detect(inc, recent, s.minOccurrences)
	if len(candidates) == 0 {
		return nil, nil
	}

	out := make([]*incident.Pattern, 0, len(candidates))
	for _, c := range candidates {
		p, err := s.upsert(ctx, incidentID, c)
		if err != nil {
			return out, err
		}
		out = append(out, p)
		s.publisher.Publish(ctx, incidentID, events.TypePatternUpdated, p)
	}

	s.logger.Info(ctx, "pattern detection complete",
		"incident_id", incidentID,
		"window_size", len(recent),
		"patterns", len(out),
	)
	return out, nil
}

// upsert merges one candidate: create on first sight, otherwise bump the
// occurrence counter, union the incident set and nudge confidence up by a
// fixed increment clamped to 1.0.
func (s *Service) upsert(ctx context.Context, incidentID string, c Candidate) (*incident.Pattern, error) {
	existing, ok, err := s.store.GetPattern(ctx, c.Type, c.Signature)
	if err != nil {
		return nil, fmt.Errorf("lookup pattern %s: %w", c.Type, err)
	}

	if !ok {
		p := &incident.Pattern{
			Type:         c.Type,
			Signature:    c.Signature,
			Name:         c.Name,
			Description:  c.Description,
			Incidents:    append([]string(nil), c.Incidents...),
			Occurrences:  c.Occurrences,
			Confidence:   clamp(c.Confidence),
			LastOccurred: time.Now(),
		}
		if err := s.store.PutPattern(ctx, p); err != nil {
			return nil, fmt.Errorf("store pattern %s: %w", c.Type, err)
		}
		return p, nil
	}

	existing.Occurrences++
	existing.Incidents = unionIncident(existing.Incidents, incidentID)
	existing.LastOccurred = time.Now()
	existing.Confidence = clamp(existing.Confidence + confidenceIncrement)
	if err := s.store.PutPattern(ctx, existing); err != nil {
		return nil, fmt.Errorf("update pattern %s: %w", c.Type, err)
	}
	return existing, nil
}

func unionIncident(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
