// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/escalate/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/escalate/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents, analyses and patterns in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, title, description, severity, status, source, affected_services,
	tags, similar_incidents, start_time, analysis_count, last_analyzed_at, created_at`

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetIncident", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncidentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// UpsertForAnalysis inserts the incident on first sight; on conflict it
// increments the analysis counter, stamps last_analyzed_at and refreshes the
// mutable fields, keeping stored values where the fresh record is empty.
func (s *Store) UpsertForAnalysis(ctx context.Context, inc *incident.Incident) (*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.UpsertForAnalysis", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	services, tags, similar, err := marshalIncidentLists(inc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	createdAt := inc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO incidents (
		id, title, description, severity, status, source, affected_services,
		tags, similar_incidents, start_time, analysis_count, last_analyzed_at, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL,$12)
	ON CONFLICT (id) DO UPDATE SET
		title             = COALESCE(NULLIF(EXCLUDED.title, ''), incidents.title),
		description       = COALESCE(NULLIF(EXCLUDED.description, ''), incidents.description),
		severity          = CASE WHEN EXCLUDED.severity IN ('', 'Unknown') THEN incidents.severity ELSE EXCLUDED.severity END,
		status            = COALESCE(NULLIF(EXCLUDED.status, ''), incidents.status),
		affected_services = CASE WHEN EXCLUDED.affected_services = '[]'::jsonb THEN incidents.affected_services ELSE EXCLUDED.affected_services END,
		similar_incidents = CASE WHEN EXCLUDED.similar_incidents = '[]'::jsonb THEN incidents.similar_incidents ELSE EXCLUDED.similar_incidents END,
		analysis_count    = incidents.analysis_count + 1,
		last_analyzed_at  = now()
	RETURNING ` + incidentColumns

	var startTime *time.Time
	if !inc.StartTime.IsZero() {
		startTime = &inc.StartTime
	}

	out, err := scanIncidentRow(s.pool.QueryRow(ctx, query,
		inc.ID, inc.Title, inc.Description, string(inc.Severity), string(inc.Status), inc.Source,
		services, tags, similar, startTime, inc.AnalysisCount, createdAt,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upsert incident: %w", err)
	}
	return out, nil
}

// SearchByTitle returns incidents whose title contains the keywords,
// case-insensitive, newest first, capped at limit.
func (s *Store) SearchByTitle(ctx context.Context, keywords string, limit int) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.SearchByTitle", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE title ILIKE '%' || $1 || '%' ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, keywords, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("search incidents: %w", err)
	}
	return collectIncidents(rows)
}

// ListRecent returns incidents created at or after since, oldest first.
func (s *Store) ListRecent(ctx context.Context, since time.Time) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListRecent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE created_at >= $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list recent incidents: %w", err)
	}
	return collectIncidents(rows)
}

const analysisColumns = `id, incident_id, status, summary, model, triggered_by,
	data_sources, duration_ms, errors, created_at, completed_at`

// CreateAnalysis inserts a new analysis row.
func (s *Store) CreateAnalysis(ctx context.Context, a *incident.Analysis) error {
	ctx, span := tracer.Start(ctx, "pgstore.CreateAnalysis", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	sources, errorsJSON, err := marshalAnalysisFields(a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (id, incident_id, status, summary, model, triggered_by,
			data_sources, duration_ms, errors, created_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.IncidentID, string(a.Status), a.Summary, a.Model, a.TriggeredBy,
		sources, a.DurationMS, errorsJSON, createdAt, nullableTime(a.CompletedAt),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// UpdateAnalysis rewrites the mutable fields of an analysis row.
func (s *Store) UpdateAnalysis(ctx context.Context, a *incident.Analysis) error {
	ctx, span := tracer.Start(ctx, "pgstore.UpdateAnalysis", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	sources, errorsJSON, err := marshalAnalysisFields(a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET status = $2, summary = $3, data_sources = $4,
			duration_ms = $5, errors = $6, completed_at = $7
		 WHERE id = $1`,
		a.ID, string(a.Status), a.Summary, sources, a.DurationMS, errorsJSON,
		nullableTime(a.CompletedAt),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis %s not found", a.ID)
	}
	return nil
}

// GetAnalysis retrieves an analysis by ID.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*incident.Analysis, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetAnalysis", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = $1`
	a, err := scanAnalysisRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// LatestAnalysis returns the most recently created analysis for an incident.
func (s *Store) LatestAnalysis(ctx context.Context, incidentID string) (*incident.Analysis, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LatestAnalysis", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + analysisColumns + ` FROM analyses
		WHERE incident_id = $1 ORDER BY created_at DESC LIMIT 1`
	a, err := scanAnalysisRow(s.pool.QueryRow(ctx, query, incidentID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

const patternColumns = `type, signature, name, description, incidents, occurrences, confidence, last_occurred`

// GetPattern looks up a pattern by its (type, signature) identity.
func (s *Store) GetPattern(ctx context.Context, typ incident.PatternType, sig incident.Signature) (*incident.Pattern, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetPattern", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + patternColumns + ` FROM patterns WHERE key = $1`
	p, err := scanPatternRow(s.pool.QueryRow(ctx, query, incident.PatternKey(typ, sig)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if p == nil {
		return nil, false, nil
	}
	return p, true, nil
}

// PutPattern inserts or replaces a pattern under its identity key.
func (s *Store) PutPattern(ctx context.Context, p *incident.Pattern) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutPattern", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	sigJSON, err := json.Marshal(p.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	incidentsJSON, err := json.Marshal(emptyIfNil(p.Incidents))
	if err != nil {
		return fmt.Errorf("marshal incidents: %w", err)
	}

	query := `INSERT INTO patterns (key, type, signature, name, description, incidents, occurrences, confidence, last_occurred)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (key) DO UPDATE SET
			name          = EXCLUDED.name,
			description   = EXCLUDED.description,
			incidents     = EXCLUDED.incidents,
			occurrences   = EXCLUDED.occurrences,
			confidence    = EXCLUDED.confidence,
			last_occurred = EXCLUDED.last_occurred`

	_, err = s.pool.Exec(ctx, query,
		incident.PatternKey(p.Type, p.Signature), string(p.Type), sigJSON,
		p.Name, p.Description, incidentsJSON, p.Occurrences, p.Confidence, p.LastOccurred,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

// ListPatterns returns all stored patterns, most occurrences first.
func (s *Store) ListPatterns(ctx context.Context) ([]*incident.Pattern, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListPatterns", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + patternColumns + ` FROM patterns ORDER BY occurrences DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*incident.Pattern
	for rows.Next() {
		p, err := scanPatternRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return out, nil
}

func collectIncidents(rows pgx.Rows) ([]*incident.Incident, error) {
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// scanIncidentRow scans a single incident row. Returns (nil, nil) when no row
// is found.
func scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	var (
		inc            incident.Incident
		severity       string
		status         string
		servicesJSON   []byte
		tagsJSON       []byte
		similarJSON    []byte
		startTime      *time.Time
		lastAnalyzedAt *time.Time
	)

	err := row.Scan(
		&inc.ID, &inc.Title, &inc.Description, &severity, &status, &inc.Source,
		&servicesJSON, &tagsJSON, &similarJSON, &startTime, &inc.AnalysisCount,
		&lastAnalyzedAt, &inc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	inc.Severity = incident.Severity(severity)
	inc.Status = incident.IncidentStatus(status)
	if startTime != nil {
		inc.StartTime = *startTime
	}
	if lastAnalyzedAt != nil {
		inc.LastAnalyzedAt = *lastAnalyzedAt
	}

	if err := json.Unmarshal(servicesJSON, &inc.AffectedServices); err != nil {
		return nil, fmt.Errorf("unmarshal affected_services: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &inc.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(similarJSON, &inc.SimilarIncidents); err != nil {
		return nil, fmt.Errorf("unmarshal similar_incidents: %w", err)
	}
	return &inc, nil
}

// scanAnalysisRow scans a single analysis row. Returns (nil, nil) when no row
// is found.
func scanAnalysisRow(row pgx.Row) (*incident.Analysis, error) {
	var (
		a           incident.Analysis
		status      string
		sourcesJSON []byte
		errorsJSON  []byte
		completedAt *time.Time
	)

	err := row.Scan(
		&a.ID, &a.IncidentID, &status, &a.Summary, &a.Model, &a.TriggeredBy,
		&sourcesJSON, &a.DurationMS, &errorsJSON, &a.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan analysis: %w", err)
	}

	a.Status = incident.AnalysisStatus(status)
	if completedAt != nil {
		a.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(sourcesJSON, &a.DataSources); err != nil {
		return nil, fmt.Errorf("unmarshal data_sources: %w", err)
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &a.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	return &a, nil
}

// scanPatternRow scans a single pattern row. Returns (nil, nil) when no row
// is found.
func scanPatternRow(row pgx.Row) (*incident.Pattern, error) {
	var (
		p             incident.Pattern
		typ           string
		sigJSON       []byte
		incidentsJSON []byte
	)

	err := row.Scan(&typ, &sigJSON, &p.Name, &p.Description, &incidentsJSON,
		&p.Occurrences, &p.Confidence, &p.LastOccurred)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pattern: %w", err)
	}

	p.Type = incident.PatternType(typ)
	if err := json.Unmarshal(sigJSON, &p.Signature); err != nil {
		return nil, fmt.Errorf("unmarshal signature: %w", err)
	}
	if err := json.Unmarshal(incidentsJSON, &p.Incidents); err != nil {
		return nil, fmt.Errorf("unmarshal incidents: %w", err)
	}
	return &p, nil
}

func marshalIncidentLists(inc *incident.Incident) (services, tags, similar []byte, err error) {
	if services, err = json.Marshal(emptyIfNil(inc.AffectedServices)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal affected_services: %w", err)
	}
	if tags, err = json.Marshal(emptyIfNil(inc.Tags)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	if similar, err = json.Marshal(emptyIfNil(inc.SimilarIncidents)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal similar_incidents: %w", err)
	}
	return services, tags, similar, nil
}

func marshalAnalysisFields(a *incident.Analysis) (sources, errorsJSON []byte, err error) {
	m := a.DataSources
	if m == nil {
		m = map[string]bool{}
	}
	if sources, err = json.Marshal(m); err != nil {
		return nil, nil, fmt.Errorf("marshal data_sources: %w", err)
	}
	if a.Errors != nil {
		if errorsJSON, err = json.Marshal(a.Errors); err != nil {
			return nil, nil, fmt.Errorf("marshal errors: %w", err)
		}
	}
	return sources, errorsJSON, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
