// Package dispatch hands workflow events to side-effect handlers on a
// bounded worker queue. Handlers run after the transition is committed;
// their failures are retried with backoff and finally dead-lettered, never
// reported back to the command that produced the event.
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Kind names a workflow event.
type Kind string

const (
	SessionStarted      Kind = "session.started"
	AssessmentStarted   Kind = "assessment.started"
	AssessmentCompleted Kind = "assessment.completed"
	DecisionRecorded    Kind = "decision.recorded"
	DecisionSuperseded  Kind = "decision.superseded"
	MeasurementRecorded Kind = "measurement.recorded"
	PrescriptionCreated Kind = "prescription.created"
	PrescriptionUpdated Kind = "prescription.updated"
	OrderPlaced         Kind = "order.placed"
	OrderAdvanced       Kind = "order.advanced"
	OrderRemade         Kind = "order.remade"
	SessionDelivered    Kind = "session.delivered"
	FittingCompleted    Kind = "fitting.completed"
	SessionAbandoned    Kind = "session.abandoned"
	SessionCancelled    Kind = "session.cancelled"
	FollowUpScheduled   Kind = "followup.scheduled"
	FollowUpDue         Kind = "followup.due"
	FollowUpResolved    Kind = "followup.resolved"
	SessionStale        Kind = "session.stale"
)

// Artifact points at the clinical record an event is about.
type Artifact struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one committed workflow fact.
type Event struct {
	ID           string                 `json:"id"`
	Kind         Kind                   `json:"kind"`
	SessionID    string                 `json:"session_id"`
	PatientRef   string                 `json:"patient_ref,omitempty"`
	RecipientRef string                 `json:"recipient_ref,omitempty"`
	SiteRef      string                 `json:"site_ref,omitempty"`
	From         string                 `json:"from,omitempty"`
	To           string                 `json:"to,omitempty"`
	Artifact     *Artifact              `json:"artifact,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent returns an event with a fresh id.
func NewEvent(kind Kind, sessionID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		SessionID:  sessionID,
		OccurredAt: at,
	}
}

// Publisher accepts events for asynchronous handling. Publish must not block
// on handler work.
type Publisher interface {
	Publish(events ...Event)
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(...Event) {}

// Recorder is a Publisher that keeps events in memory, for tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(events ...Event) {
	r.Events = append(r.Events, events...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	out := make([]Kind, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Kind
	}
	return out
}
