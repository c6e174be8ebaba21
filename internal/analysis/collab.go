package analysis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/linnemanlabs/escalate/internal/incident"
)

// TimeRange bounds what the data collaborators are asked for.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Summarizer produces the incident summary from a gathered context bundle.
// Its failure is fatal to the pipeline attempt.
type Summarizer interface {
	Summarize(ctx context.Context, bundle *ContextBundle) (string, error)
	Model() string
}

// DataSource is one external telemetry collaborator. Fetch failures are
// isolated per source and never abort the pipeline.
type DataSource interface {
	Name() string
	Fetch(ctx context.Context, tr TimeRange, incidentID string) (json.RawMessage, error)
}

// Notifier publishes a completed analysis outward. Failures are logged,
// never raised.
type Notifier interface {
	Name() string
	Publish(ctx context.Context, res *Result) error
}

// Issue is the tracker-side view of an incident.
type Issue struct {
	ID          string
	Title       string
	Description string
	Severity    incident.Severity
	Status      incident.IncidentStatus
	Created     time.Time
}

// SimilarIncident is a compact reference to a related past incident.
type SimilarIncident struct {
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	Created time.Time `json:"created"`
}

// IssueTracker resolves incident metadata and similar past incidents from
// the external tracker. May be absent; the store fallback covers search.
type IssueTracker interface {
	GetIssue(ctx context.Context, id string) (*Issue, error)
	FindSimilar(ctx context.Context, keywords string, limit int) ([]SimilarIncident, error)
}

// ContextBundle is everything gathered for one pipeline run, handed to the
// summarizer. DataSources records per-collaborator success so degraded
// context is observable on the analysis row.
type ContextBundle struct {
	IncidentID  string
	Source      string
	Title       string
	Description string
	Severity    incident.Severity
	Status      incident.IncidentStatus
	StartedAt   time.Time
	GatheredAt  time.Time

	Data        map[string]json.RawMessage
	DataSources map[string]bool
	Similar     []SimilarIncident
}

// Result is what Analyze returns to its caller.
type Result struct {
	IncidentID  string          `json:"incident_id"`
	AnalysisID  string          `json:"analysis_id"`
	Summary     string          `json:"summary"`
	DurationMS  int64           `json:"duration_ms"`
	DataSources map[string]bool `json:"data_sources,omitempty"`
	Cached      bool            `json:"cached"`
	Timestamp   time.Time       `json:"timestamp"`
}
