package incident

import (
	"strconv"
	"time"
)

// Severity classifies incident impact. Unknown sorts last for dispatch.
type Severity string

const (
	SeverityP1      Severity = "P1"
	SeverityP2      Severity = "P2"
	SeverityP3      Severity = "P3"
	SeverityP4      Severity = "P4"
	SeverityUnknown Severity = "Unknown"
)

// ParseSeverity maps arbitrary input to a known severity, defaulting to Unknown.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityP1, SeverityP2, SeverityP3, SeverityP4:
		return Severity(s)
	default:
		return SeverityUnknown
	}
}

// QueuePriority returns the analysis-queue dispatch priority for a severity.
// Higher values dispatch first among waiting jobs.
func (s Severity) QueuePriority() int {
	switch s {
	case SeverityP1:
		return 10
	case SeverityP2:
		return 5
	case SeverityP3:
		return 2
	default:
		return 1
	}
}

// IncidentStatus tracks the external lifecycle of an incident.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusClosed        IncidentStatus = "closed"
)

// Incident is the persisted record for an externally identified incident.
// The ID is externally assigned (e.g. a Jira key) and stable.
type Incident struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Severity         Severity       `json:"severity"`
	Status           IncidentStatus `json:"status"`
	Source           string         `json:"source"`
	AffectedServices []string       `json:"affected_services,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	SimilarIncidents []string       `json:"similar_incidents,omitempty"`
	StartTime        time.Time      `json:"start_time,omitempty"`
	AnalysisCount    int            `json:"analysis_count"`
	LastAnalyzedAt   time.Time      `json:"last_analyzed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AnalysisStatus tracks where an analysis run is in its lifecycle.
type AnalysisStatus string

const (
	// AnalysisPending means created, not yet started
	AnalysisPending AnalysisStatus = "pending"

	// AnalysisProcessing means the pipeline is running
	AnalysisProcessing AnalysisStatus = "processing"

	// AnalysisCompleted means finished with a summary
	AnalysisCompleted AnalysisStatus = "completed"

	// AnalysisFailed means finished with errors
	AnalysisFailed AnalysisStatus = "failed"
)

// Analysis is one pipeline run for an incident. A new row is created per
// triggered run and never reused.
type Analysis struct {
	ID          string          `json:"id"`
	IncidentID  string          `json:"incident_id"`
	Status      AnalysisStatus  `json:"status"`
	Summary     string          `json:"summary,omitempty"`
	Model       string          `json:"model,omitempty"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	DataSources map[string]bool `json:"data_sources,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	Errors      *Diagnostic     `json:"errors,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Diagnostic captures a structured failure description on a failed analysis.
type Diagnostic struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// PatternType is the kind of recurring-incident cluster a pattern describes.
type PatternType string

const (
	PatternTime       PatternType = "time"
	PatternService    PatternType = "service"
	PatternError      PatternType = "error"
	PatternDeployment PatternType = "deployment"
	PatternDependency PatternType = "dependency"
)

// Signature identifies a pattern cluster. Exactly one field is set per type.
type Signature struct {
	Hour    *int   `json:"hour,omitempty"`
	Service string `json:"service,omitempty"`
}

// PatternKey is the deterministic storage identity for a (type, signature)
// pair. Stores index patterns by it.
func PatternKey(typ PatternType, sig Signature) string {
	key := string(typ) + ":"
	if sig.Hour != nil {
		key += "hour=" + strconv.Itoa(*sig.Hour)
	}
	if sig.Service != "" {
		key += "service=" + sig.Service
	}
	return key
}

// Pattern is an aggregate over recurring incidents, keyed by (Type, Signature).
type Pattern struct {
	Type         PatternType `json:"type"`
	Signature    Signature   `json:"signature"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Incidents    []string    `json:"incidents"`
	Occurrences  int         `json:"occurrences"`
	Confidence   float64     `json:"confidence"`
	LastOccurred time.Time   `json:"last_occurred"`
}
