// Package followup schedules and tracks post-screening reassessments.
package followup

import (
	"fmt"
	"time"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/platform/store"
)

type Type string

const (
	SixMonth Type = "six_month"
	Annual   Type = "annual"
	AdHoc    Type = "ad_hoc"
)

type State string

const (
	Pending           State = "pending"
	Due               State = "due"
	Complete          State = "complete"
	ReScreenTriggered State = "rescreen_triggered"
	Cancelled         State = "cancelled"
)

// Open reports whether the record still awaits resolution.
func (s State) Open() bool { return s == Pending || s == Due }

// Resolved reports whether the record was completed or spawned a rescreen.
func (s State) Resolved() bool { return s == Complete || s == ReScreenTriggered }

// Offsets are the follow-up horizons in months.
type Offsets struct {
	PostFittingMonths int
	PostNormalMonths  int
}

func DefaultOffsets() Offsets {
	return Offsets{PostFittingMonths: 6, PostNormalMonths: 12}
}

func (o Offsets) Validate() error {
	var v domain.Validator
	v.Check(o.PostFittingMonths > 0, "post_fitting_months", "must be positive")
	v.Check(o.PostNormalMonths > 0, "post_normal_months", "must be positive")
	return v.Err()
}

// PostFitting is the due date of the check after glasses are fitted.
func (o Offsets) PostFitting(from time.Time) time.Time {
	return from.AddDate(0, o.PostFittingMonths, 0)
}

// PostNormal is the due date of the routine rescreen after a normal result.
func (o Offsets) PostNormal(from time.Time) time.Time {
	return from.AddDate(0, o.PostNormalMonths, 0)
}

// FollowUp is one scheduled reassessment of a session.
type FollowUp struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	PatientRef       string     `json:"patient_ref"`
	RecipientRef     string     `json:"recipient_ref,omitempty"`
	SiteRef          string     `json:"site_ref,omitempty"`
	Type             Type       `json:"type"`
	State            State      `json:"state"`
	DueAt            time.Time  `json:"due_at"`
	Note             string     `json:"note,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	MarkedDueAt      *time.Time `json:"marked_due_at,omitempty"`
	NotifiedAt       *time.Time `json:"notified_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
	SpawnedSessionID string     `json:"spawned_session_id,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`

	// Version is the store version the record was loaded at.
	Version int64 `json:"-"`
}

// New creates a pending follow-up.
func New(id, sessionID, patientRef string, typ Type, due time.Time, note string, now time.Time) *FollowUp {
	return &FollowUp{
		ID:         id,
		SessionID:  sessionID,
		PatientRef: patientRef,
		Type:       typ,
		State:      Pending,
		DueAt:      due,
		Note:       note,
		CreatedAt:  now,
	}
}

// MarkDue moves a pending record to Due. It reports false when the record
// was not pending, which makes repeated sweeps no-ops.
func (f *FollowUp) MarkDue(now time.Time) bool {
	if f.State != Pending {
		return false
	}
	f.State = Due
	t := now
	f.MarkedDueAt = &t
	return true
}

// MarkNotified records that the due notice was handed off.
func (f *FollowUp) MarkNotified(now time.Time) {
	t := now
	f.NotifiedAt = &t
}

// ResolutionKind is how a follow-up ends.
type ResolutionKind string

const (
	ResolveComplete ResolutionKind = "complete"
	ResolveRescreen ResolutionKind = "rescreen"
)

// Resolution is the outcome of a follow-up visit.
type Resolution struct {
	Kind    ResolutionKind `json:"kind"`
	Outcome string         `json:"outcome,omitempty"`
	By      string         `json:"-"`
}

func (r Resolution) Validate() error {
	var v domain.Validator
	v.Check(r.Kind == ResolveComplete || r.Kind == ResolveRescreen, "kind", "must be complete or rescreen")
	return v.Err()
}

// Complete resolves the record without a new session.
func (f *FollowUp) Complete(r Resolution, now time.Time) error {
	if !f.State.Open() {
		return domain.InvalidStatef("follow-up %s is %s", f.ID, f.State)
	}
	f.State = Complete
	f.resolve(r, now)
	return nil
}

// Rescreen resolves the record by linking the session it spawned.
func (f *FollowUp) Rescreen(r Resolution, spawned string, now time.Time) error {
	if !f.State.Open() {
		return domain.InvalidStatef("follow-up %s is %s", f.ID, f.State)
	}
	f.State = ReScreenTriggered
	f.SpawnedSessionID = spawned
	f.resolve(r, now)
	return nil
}

func (f *FollowUp) resolve(r Resolution, now time.Time) {
	t := now
	f.ResolvedAt = &t
	f.ResolvedBy = r.By
	f.Outcome = r.Outcome
}

// Cancel withdraws an open record.
func (f *FollowUp) Cancel(reason string, now time.Time) bool {
	if !f.State.Open() {
		return false
	}
	f.State = Cancelled
	f.CancelReason = reason
	t := now
	f.ResolvedAt = &t
	return true
}

// Record encodes f for the store at its loaded version.
func (f *FollowUp) Record(now time.Time) (store.Record, error) {
	data, err := store.Encode(f)
	if err != nil {
		return store.Record{}, err
	}
	due := f.DueAt
	return store.Record{
		Collection: store.FollowUps,
		ID:         f.ID,
		SessionID:  f.SessionID,
		Version:    f.Version,
		Status:     string(f.State),
		Ref:        f.PatientRef,
		DueAt:      &due,
		Data:       data,
		UpdatedAt:  now,
	}, nil
}

// Write returns the create or update write for f.
func (f *FollowUp) Write(now time.Time) (store.Write, error) {
	rec, err := f.Record(now)
	if err != nil {
		return store.Write{}, err
	}
	if f.Version == 0 {
		rec.CreatedAt = f.CreatedAt
		return store.Create(rec), nil
	}
	return store.Update(rec), nil
}

// FromRecord decodes a stored follow-up.
func FromRecord(rec store.Record) (*FollowUp, error) {
	if rec.Collection != "" && rec.Collection != store.FollowUps {
		return nil, fmt.Errorf("%w: %s/%s is not a follow-up", store.ErrCorrupt, rec.Collection, rec.ID)
	}
	var f FollowUp
	if err := store.Decode(rec, &f); err != nil {
		return nil, err
	}
	f.Version = rec.Version
	return &f, nil
}
