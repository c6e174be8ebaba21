// Package cache provides the shared cache and distributed lock service:
// generic get/set/delete over a TTL-capable key-value store, staleness-aware
// analysis-result caching, short-lived metrics caching, and the per-incident
// mutual-exclusion primitive used by the analysis pipeline.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	// DefaultAnalysisTTL is the staleness window for cached analysis results.
	DefaultAnalysisTTL = 24 * time.Hour

	// DefaultMetricsTTL bounds how long gathered collaborator data is reused
	// across pipeline runs.
	DefaultMetricsTTL = 5 * time.Minute
)

// Service wraps a Provider with domain-scoped helpers and locking.
type Service struct {
	provider    Provider
	logger      log.Logger
	analysisTTL time.Duration
	metricsTTL  time.Duration

	now func() time.Time
}

// Options tunes the service TTLs. Zero values take the defaults.
type Options struct {
	AnalysisTTL time.Duration
	MetricsTTL  time.Duration
}

// NewService creates a cache service over the given provider.
func NewService(provider Provider, logger log.Logger, opts Options) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.AnalysisTTL <= 0 {
		opts.AnalysisTTL = DefaultAnalysisTTL
	}
	if opts.MetricsTTL <= 0 {
		opts.MetricsTTL = DefaultMetricsTTL
	}
	return &Service{
		provider:    provider,
		logger:      logger,
		analysisTTL: opts.AnalysisTTL,
		metricsTTL:  opts.MetricsTTL,
		now:         time.Now,
	}
}

// Get unmarshals the value at key into out. Returns ErrCacheMiss when absent.
func (s *Service) Get(ctx context.Context, key string, out any) error {
	raw, err := s.provider.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal cached %q: %w", key, err)
	}
	return nil
}

// Set marshals value and stores it under key with the given TTL.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal for cache %q: %w", key, err)
	}
	return s.provider.Set(ctx, key, raw, ttl)
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, key string) error {
	return s.provider.Del(ctx, key)
}

// CachedAnalysis is the cache-resident shape of a completed analysis.
// Timestamp is embedded so staleness is judged independently of the
// backing store's own TTL accounting.
type CachedAnalysis struct {
	IncidentID string    `json:"incident_id"`
	AnalysisID string    `json:"analysis_id"`
	Summary    string    `json:"summary"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// GetCachedAnalysis returns the cached analysis for an incident, or ok=false
// when absent or older than the staleness window. The window is checked
// against the embedded timestamp even if the store entry has not expired.
func (s *Service) GetCachedAnalysis(ctx context.Context, incidentID string) (*CachedAnalysis, bool, error) {
	var ca CachedAnalysis
	err := s.Get(ctx, analysisKey(incidentID), &ca)
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	age := s.now().Sub(ca.Timestamp)
	if ca.Timestamp.IsZero() || age >= s.analysisTTL {
		return nil, false, nil
	}

	s.logger.Info(ctx, "serving cached analysis",
		"incident_id", incidentID,
		"age_minutes", int(age.Minutes()),
	)
	return &ca, true, nil
}

// SetCachedAnalysis stores the analysis result with the current timestamp
// and a TTL matching the staleness window.
func (s *Service) SetCachedAnalysis(ctx context.Context, incidentID string, ca *CachedAnalysis) error {
	cp := *ca
	cp.IncidentID = incidentID
	cp.Timestamp = s.now()
	return s.Set(ctx, analysisKey(incidentID), &cp, s.analysisTTL)
}

// GetCachedMetrics returns collaborator data cached for a source and time
// range within one pipeline window. ok=false on miss.
func (s *Service) GetCachedMetrics(ctx context.Context, source string, start, end time.Time) (json.RawMessage, bool, error) {
	raw, err := s.provider.Get(ctx, metricsKey(source, start, end))
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// SetCachedMetrics stores collaborator data keyed by source and time range.
func (s *Service) SetCachedMetrics(ctx context.Context, source string, start, end time.Time, data json.RawMessage) error {
	return s.provider.Set(ctx, metricsKey(source, start, end), data, s.metricsTTL)
}

// Invalidate removes the analysis cache entry for an incident plus any
// metrics entries referencing it, found by pattern scan.
func (s *Service) Invalidate(ctx context.Context, incidentID string) error {
	exact := []string{
		analysisKey(incidentID),
		"incident:" + incidentID,
	}
	for _, key := range exact {
		if err := s.provider.Del(ctx, key); err != nil {
			return err
		}
	}

	matched, err := s.provider.ScanKeys(ctx, "metrics:*:"+incidentID)
	if err != nil {
		return err
	}
	for _, key := range matched {
		if err := s.provider.Del(ctx, key); err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "invalidated cache", "incident_id", incidentID, "scanned_keys", len(matched))
	return nil
}

// Stats reports backing-store health for the ops surface.
type Stats struct {
	Connected bool  `json:"connected"`
	Keys      int64 `json:"keys"`
}

// GetStats returns connectivity and key count from the backing store.
func (s *Service) GetStats(ctx context.Context) Stats {
	n, err := s.provider.KeyCount(ctx)
	if err != nil {
		return Stats{Connected: false}
	}
	return Stats{Connected: true, Keys: n}
}

func analysisKey(incidentID string) string {
	return "analysis:" + incidentID
}

func metricsKey(source string, start, end time.Time) string {
	return fmt.Sprintf("metrics:%s:%d:%d", source, start.UnixMilli(), end.UnixMilli())
}
