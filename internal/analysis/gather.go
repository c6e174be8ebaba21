package analysis

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// gather assembles the context bundle for one run. Every collaborator
// failure here is isolated: the failing branch is recorded as false in
// DataSources and the pipeline proceeds with whatever was collected.
func (s *Service) gather(ctx context.Context, incidentID, source string) *ContextBundle {
	b := &ContextBundle{
		IncidentID:  incidentID,
		Source:      source,
		GatheredAt:  s.now(),
		Data:        make(map[string]json.RawMessage, len(s.sources)),
		DataSources: make(map[string]bool, len(s.sources)+1),
	}

	if s.tracker != nil {
		issue, err := s.tracker.GetIssue(ctx, incidentID)
		if err != nil {
			s.logger.Warn(ctx, "issue lookup failed, proceeding without tracker metadata",
				"incident_id", incidentID, "error", err.Error())
			b.DataSources["tracker"] = false
		} else {
			b.Title = issue.Title
			b.Description = issue.Description
			b.Severity = issue.Severity
			b.Status = issue.Status
			b.StartedAt = issue.Created
			b.DataSources["tracker"] = true
		}
	}

	end := s.now()
	start := end.Add(-s.window)
	if !b.StartedAt.IsZero() && b.StartedAt.Before(start) {
		start = b.StartedAt
	}
	tr := TimeRange{Start: start, End: end}

	s.fanOut(ctx, b, tr)
	b.Similar = s.findSimilar(ctx, incidentID, b.Title)

	return b
}

// fanOut queries every data collaborator concurrently, consulting the
// short-lived metrics cache per source and time range first.
func (s *Service) fanOut(ctx context.Context, b *ContextBundle, tr TimeRange) {
	type branch struct {
		data json.RawMessage
		err  error
	}
	results := make([]branch, len(s.sources))

	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(i int, src DataSource) {
			defer wg.Done()

			if cached, ok, err := s.cache.GetCachedMetrics(ctx, src.Name(), tr.Start, tr.End); err == nil && ok {
				results[i] = branch{data: cached}
				return
			}

			data, err := src.Fetch(ctx, tr, b.IncidentID)
			if err == nil {
				if cerr := s.cache.SetCachedMetrics(ctx, src.Name(), tr.Start, tr.End, data); cerr != nil {
					s.logger.Warn(ctx, "metrics cache write failed",
						"source", src.Name(), "error", cerr.Error())
				}
			}
			results[i] = branch{data: data, err: err}
		}(i, src)
	}
	wg.Wait()

	for i, src := range s.sources {
		name := src.Name()
		if results[i].err != nil {
			b.DataSources[name] = false
			s.metrics.GatherFailures.WithLabelValues(name).Inc()
			s.logger.Warn(ctx, "data source fetch failed",
				"incident_id", b.IncidentID,
				"source", name,
				"error", results[i].err.Error(),
			)
			continue
		}
		b.DataSources[name] = true
		b.Data[name] = results[i].data
	}
}

// findSimilar asks the tracker for related incidents and falls back to a
// title search against the local store when the tracker is absent or errors.
func (s *Service) findSimilar(ctx context.Context, incidentID, title string) []SimilarIncident {
	keywords := titleKeywords(title)
	if keywords == "" {
		return nil
	}

	if s.tracker != nil {
		similar, err := s.tracker.FindSimilar(ctx, keywords, s.maxSimilar)
		if err == nil {
			return trimSelf(similar, incidentID, s.maxSimilar)
		}
		s.logger.Warn(ctx, "tracker similarity search failed, falling back to store",
			"incident_id", incidentID, "error", err.Error())
	}

	stored, err := s.store.SearchByTitle(ctx, keywords, s.maxSimilar+1)
	if err != nil {
		s.logger.Warn(ctx, "store similarity search failed",
			"incident_id", incidentID, "error", err.Error())
		return nil
	}

	similar := make([]SimilarIncident, 0, len(stored))
	for _, inc := range stored {
		similar = append(similar, SimilarIncident{
			ID:      inc.ID,
			Summary: inc.Title,
			Created: inc.CreatedAt,
		})
	}
	return trimSelf(similar, incidentID, s.maxSimilar)
}

func trimSelf(similar []SimilarIncident, incidentID string, limit int) []SimilarIncident {
	out := similar[:0]
	for _, sim := range similar {
		if sim.ID == incidentID {
			continue
		}
		out = append(out, sim)
		if len(out) == limit {
			break
		}
	}
	return out
}

// titleKeywords takes the first few words of the title as the search term.
func titleKeywords(title string) string {
	words := strings.Fields(title)
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}
