package incident

import (
	"context"
	"time"
)

// Store is the persistence boundary for incidents, analyses and patterns.
//
// UpsertForAnalysis creates the incident on first sight and otherwise
// increments AnalysisCount and refreshes the mutable fields; it returns the
// stored record. Pattern upsert semantics live in the pattern package; the
// store only provides lookup by (type, signature) and a plain put.
type Store interface {
	GetIncident(ctx context.Context, id string) (*Incident, bool, error)
	UpsertForAnalysis(ctx context.Context, inc *Incident) (*Incident, error)
	SearchByTitle(ctx context.Context, keywords string, limit int) ([]*Incident, error)
	ListRecent(ctx context.Context, since time.Time) ([]*Incident, error)

	CreateAnalysis(ctx context.Context, a *Analysis) error
	UpdateAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, id string) (*Analysis, bool, error)
	LatestAnalysis(ctx context.Context, incidentID string) (*Analysis, bool, error)

	GetPattern(ctx context.Context, typ PatternType, sig Signature) (*Pattern, bool, error)
	PutPattern(ctx context.Context, p *Pattern) error
	ListPatterns(ctx context.Context) ([]*Pattern, error)
}
