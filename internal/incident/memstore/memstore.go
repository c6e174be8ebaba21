// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/escalate/internal/incident"
)

// Store holds records in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
	analyses  map[string]*incident.Analysis
	byInc     map[string][]string // incident ID -> analysis IDs in insert order
	patterns  map[string]*incident.Pattern
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		analyses:  make(map[string]*incident.Analysis),
		byInc:     make(map[string][]string),
		patterns:  make(map[string]*incident.Pattern),
	}
}

// GetIncident retrieves an incident by its ID. Returns a copy.
func (s *Store) GetIncident(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inc
	return &cp, true, nil
}

// UpsertForAnalysis creates the incident if absent; otherwise increments the
// analysis counter and refreshes mutable fields.
func (s *Store) UpsertForAnalysis(_ context.Context, inc *incident.Incident) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.incidents[inc.ID]
	if !ok {
		cp := *inc
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		s.incidents[inc.ID] = &cp
		out := cp
		return &out, nil
	}

	existing.AnalysisCount++
	existing.LastAnalyzedAt = time.Now()
	if inc.Title != "" {
		existing.Title = inc.Title
	}
	if inc.Description != "" {
		existing.Description = inc.Description
	}
	if inc.Severity != incident.SeverityUnknown && inc.Severity != "" {
		existing.Severity = inc.Severity
	}
	if inc.Status != "" {
		existing.Status = inc.Status
	}
	if len(inc.AffectedServices) > 0 {
		existing.AffectedServices = append([]string(nil), inc.AffectedServices...)
	}
	if len(inc.SimilarIncidents) > 0 {
		existing.SimilarIncidents = append([]string(nil), inc.SimilarIncidents...)
	}
	cp := *existing
	return &cp, nil
}

// SearchByTitle returns incidents whose title contains the keywords,
// case-insensitive, newest first, capped at limit.
func (s *Store) SearchByTitle(_ context.Context, keywords string, limit int) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(keywords)
	var out []*incident.Incident
	for _, inc := range s.incidents {
		if strings.Contains(strings.ToLower(inc.Title), needle) {
			cp := *inc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecent returns incidents created at or after since.
func (s *Store) ListRecent(_ context.Context, since time.Time) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*incident.Incident
	for _, inc := range s.incidents {
		if !inc.CreatedAt.Before(since) {
			cp := *inc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateAnalysis stores a copy of a new analysis row.
func (s *Store) CreateAnalysis(_ context.Context, a *incident.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.analyses[a.ID] = &cp
	s.byInc[a.IncidentID] = append(s.byInc[a.IncidentID], a.ID)
	return nil
}

// UpdateAnalysis replaces an existing analysis row.
func (s *Store) UpdateAnalysis(_ context.Context, a *incident.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.analyses[a.ID] = &cp
	return nil
}

// GetAnalysis retrieves an analysis by ID. Returns a copy.
func (s *Store) GetAnalysis(_ context.Context, id string) (*incident.Analysis, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// LatestAnalysis returns the most recently created analysis for an incident.
func (s *Store) LatestAnalysis(_ context.Context, incidentID string) (*incident.Analysis, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byInc[incidentID]
	if len(ids) == 0 {
		return nil, false, nil
	}
	a := s.analyses[ids[len(ids)-1]]
	cp := *a
	return &cp, true, nil
}

// GetPattern looks up a pattern by its (type, signature) identity.
func (s *Store) GetPattern(_ context.Context, typ incident.PatternType, sig incident.Signature) (*incident.Pattern, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[incident.PatternKey(typ, sig)]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	cp.Incidents = append([]string(nil), p.Incidents...)
	return &cp, true, nil
}

// PutPattern stores a copy of the pattern under its identity key.
func (s *Store) PutPattern(_ context.Context, p *incident.Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Incidents = append([]string(nil), p.Incidents...)
	s.patterns[incident.PatternKey(p.Type, p.Signature)] = &cp
	return nil
}

// ListPatterns returns all stored patterns, most occurrences first.
func (s *Store) ListPatterns(_ context.Context) ([]*incident.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		cp := *p
		cp.Incidents = append([]string(nil), p.Incidents...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Occurrences > out[j].Occurrences })
	return out, nil
}
