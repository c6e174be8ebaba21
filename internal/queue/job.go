package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Payload is a typed job body. Each queue accepts one payload kind and
// validates it at the enqueue boundary.
type Payload interface {
	Kind() string
	Validate() error
}

// AnalysisPayload triggers an incident analysis pipeline run.
type AnalysisPayload struct {
	IncidentID string `json:"incident_id"`
	Source     string `json:"source"`
	Force      bool   `json:"force"`
}

// Kind implements Payload.
func (AnalysisPayload) Kind() string { return "analysis" }

// Validate implements Payload.
func (p AnalysisPayload) Validate() error {
	if p.IncidentID == "" {
		return errors.New("analysis payload: incident id is required")
	}
	return nil
}

// NotificationPayload routes a completed analysis to an outbound channel.
type NotificationPayload struct {
	Channel    string `json:"channel"`
	IncidentID string `json:"incident_id"`
	AnalysisID string `json:"analysis_id"`
	Summary    string `json:"summary"`
}

// Kind implements Payload.
func (NotificationPayload) Kind() string { return "notification" }

// Validate implements Payload.
func (p NotificationPayload) Validate() error {
	if p.Channel == "" {
		return errors.New("notification payload: channel is required")
	}
	if p.IncidentID == "" {
		return errors.New("notification payload: incident id is required")
	}
	return nil
}

// PatternPayload triggers pattern detection for an analyzed incident.
type PatternPayload struct {
	IncidentID string `json:"incident_id"`
}

// Kind implements Payload.
func (PatternPayload) Kind() string { return "pattern" }

// Validate implements Payload.
func (p PatternPayload) Validate() error {
	if p.IncidentID == "" {
		return errors.New("pattern payload: incident id is required")
	}
	return nil
}

// Job is a unit of queued work. Attempt bookkeeping is owned by the queue;
// handlers only read the payload and call Touch to report progress.
type Job struct {
	ID       string
	Queue    string
	Payload  Payload
	Priority int

	// Attempt is the 1-based number of the currently running attempt.
	Attempt int

	EnqueuedAt time.Time
	ReadyAt    time.Time

	seq             uint64
	runID           uint64
	stalledRequeues int
	touch           func()
}

// Touch reports handler liveness so the stalled-job monitor does not requeue
// a slow but progressing job.
func (j *Job) Touch() {
	if j.touch != nil {
		j.touch()
	}
}

// Handle identifies an enqueued job to callers.
type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

func newJob(queueName string, p Payload, priority int, delay time.Duration) *Job {
	now := time.Now()
	return &Job{
		ID:         ulid.Make().String(),
		Queue:      queueName,
		Payload:    p,
		Priority:   priority,
		EnqueuedAt: now,
		ReadyAt:    now.Add(delay),
	}
}

// BackoffDelay returns the retry delay after a failed attempt:
// base * 2^(attempt-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// MaxRetriesError marks a job that exhausted its retry budget. It wraps
// the final handler error.
type MaxRetriesError struct {
	JobID    string
	Attempts int
	Err      error
}

// Error implements error.
func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

// Unwrap returns the final handler error.
func (e *MaxRetriesError) Unwrap() error { return e.Err }
