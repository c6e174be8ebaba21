// Package pattern detects recurring-incident clusters over a trailing window
// of analyzed incidents and maintains the aggregate Pattern records.
package pattern

import (
	"fmt"

	"github.com/linnemanlabs/escalate/internal/incident"
)

// Candidate is a freshly detected cluster before it is merged into the
// persisted Pattern aggregate.
type Candidate struct {
	Type        incident.PatternType
	Signature   incident.Signature
	Name        string
	Description string
	Incidents   []string
	Occurrences int
	Confidence  float64
}

// Detect is a pure aggregation over the trailing window. It emits a time
// candidate when enough recent incidents share the triggering incident's
// hour of day, and a service candidate when enough share its first affected
// service. Confidence is the matching share of the window.
func Detect(inc *incident.Incident, recent []*incident.Incident, minOccurrences int) []Candidate {
	if len(recent) == 0 {
		return nil
	}

	var out []Candidate

	hour := inc.CreatedAt.Hour()
	var sameHour []string
	for _, r := range recent {
		if r.CreatedAt.Hour() == hour {
			sameHour = append(sameHour, r.ID)
		}
	}
	if len(sameHour) >= minOccurrences {
		h := hour
		out = append(out, Candidate{
			Type:        incident.PatternTime,
			Signature:   incident.Signature{Hour: &h},
			Name:        fmt.Sprintf("Incidents at %02d:00", hour),
			Description: fmt.Sprintf("Multiple incidents occur around %02d:00", hour),
			Incidents:   sameHour,
			Occurrences: len(sameHour),
			Confidence:  float64(len(sameHour)) / float64(len(recent)),
		})
	}

	if len(inc.AffectedServices) > 0 {
		service := inc.AffectedServices[0]
		var sameService []string
		for _, r := range recent {
			if containsService(r.AffectedServices, service) {
				sameService = append(sameService, r.ID)
			}
		}
		if len(sameService) >= minOccurrences {
			out = append(out, Candidate{
				Type:        incident.PatternService,
				Signature:   incident.Signature{Service: service},
				Name:        service + " failures",
				Description: "Recurring issues with " + service,
				Incidents:   sameService,
				Occurrences: len(sameService),
				Confidence:  float64(len(sameService)) / float64(len(recent)),
			})
		}
	}

	return out
}

func containsService(services []string, want string) bool {
	for _, s := range services {
		if s == want {
			return true
		}
	}
	return false
}
