package screening

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/domain/registration"
	"github.com/visionpath/screening/internal/platform/audit"
	"github.com/visionpath/screening/internal/platform/store"
)

// Session is the root aggregate of one screening cycle. Sub-records are
// stored separately and referenced by id.
type Session struct {
	ID           string                   `json:"id"`
	PatientRef   string                   `json:"patient_ref"`
	ExaminerRef  string                   `json:"examiner_ref"`
	SiteRef      string                   `json:"site_ref"`
	RecipientRef string                   `json:"recipient_ref,omitempty"`
	State        State                    `json:"state"`
	Calibration  registration.Calibration `json:"calibration"`
	Consent      *registration.Consent    `json:"consent,omitempty"`
	Equipment    *registration.Equipment  `json:"equipment,omitempty"`

	AssessmentID   string `json:"assessment_id,omitempty"`
	DecisionID     string `json:"decision_id,omitempty"`
	MeasurementID  string `json:"measurement_id,omitempty"`
	PrescriptionID string `json:"prescription_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`

	// Recommendation is the engine output awaiting a clinician decision.
	Recommendation *decision.Decision `json:"recommendation,omitempty"`

	SpawnedBy         string `json:"spawned_by,omitempty"`
	PreviousSessionID string `json:"previous_session_id,omitempty"`
	TerminalReason    string `json:"terminal_reason,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	StaleAlertedAt   *time.Time `json:"stale_alerted_at,omitempty"`

	Audit   audit.Head `json:"audit"`
	Version int64      `json:"version"`
}

func (s *Session) record(now time.Time) (store.Record, error) {
	data, err := store.Encode(s)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		Collection: store.Sessions,
		ID:         s.ID,
		SessionID:  s.ID,
		Version:    s.Version,
		Status:     string(s.State),
		Ref:        s.PatientRef,
		Data:       data,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  now,
	}, nil
}

func sessionFromRecord(rec store.Record) (*Session, error) {
	var s Session
	if err := store.Decode(rec, &s); err != nil {
		return nil, err
	}
	if !s.State.Valid() {
		return nil, fmt.Errorf("%w: session %s has unknown state %q", store.ErrCorrupt, rec.ID, s.State)
	}
	s.Version = rec.Version
	return &s, nil
}

// patientIndex pins the single active session of a patient. Every start
// and terminal transition rewrites it in the same commit, so concurrent
// starts for one patient collide on its version.
type patientIndex struct {
	PatientRef      string `json:"patient_ref"`
	ActiveSessionID string `json:"active_session_id,omitempty"`
	LastSessionID   string `json:"last_session_id,omitempty"`
	Sessions        int    `json:"sessions"`

	version int64
}

var patientNamespace = uuid.MustParse("6f1c3f0e-4b7a-5d2e-9a51-3c8e2b7d9f40")

func indexID(patientRef string) string {
	return uuid.NewSHA1(patientNamespace, []byte(patientRef)).String()
}

func (p *patientIndex) record(now time.Time) (store.Record, error) {
	data, err := store.Encode(p)
	if err != nil {
		return store.Record{}, err
	}
	status := "idle"
	if p.ActiveSessionID != "" {
		status = "active"
	}
	return store.Record{
		Collection: store.PatientIndex,
		ID:         indexID(p.PatientRef),
		SessionID:  p.ActiveSessionID,
		Version:    p.version,
		Status:     status,
		Ref:        p.PatientRef,
		Data:       data,
		UpdatedAt:  now,
	}, nil
}
