package screening

import (
	"context"
	"fmt"
	"time"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/domain/registration"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

// stageFollowUp stages a pending follow-up for s.
func (c *Coordinator) stageFollowUp(ch *change, s *Session, typ followup.Type, due time.Time, note string) (*followup.FollowUp, error) {
	f := followup.New(c.newID(), s.ID, s.PatientRef, typ, due, note, ch.now)
	f.RecipientRef = s.RecipientRef
	f.SiteRef = s.SiteRef
	if err := ch.putFollowUp(f); err != nil {
		return nil, err
	}
	return f, nil
}

// scheduleFollowUp stages a follow-up and announces it without moving s.
func (c *Coordinator) scheduleFollowUp(ch *change, s *Session, typ followup.Type, due time.Time, note string) (*followup.FollowUp, error) {
	f, err := c.stageFollowUp(ch, s, typ, due, note)
	if err != nil {
		return nil, err
	}
	ch.audit(s, string(dispatch.FollowUpScheduled), "", "", f.ID, map[string]string{
		"type":     string(typ),
		"due_date": due.Format("2006-01-02"),
	})
	ch.events = append(ch.events, followUpEvent(dispatch.FollowUpScheduled, s, f, ch))
	return f, nil
}

func followUpEvent(kind dispatch.Kind, s *Session, f *followup.FollowUp, ch *change) *dispatch.Event {
	e := dispatch.NewEvent(kind, s.ID, ch.now)
	e.PatientRef = f.PatientRef
	e.RecipientRef = f.RecipientRef
	e.SiteRef = f.SiteRef
	e.Artifact = &dispatch.Artifact{Type: "followup", ID: f.ID}
	e.Payload = map[string]interface{}{
		"actor":         ch.actor,
		"followup_id":   f.ID,
		"followup_type": string(f.Type),
		"due_date":      f.DueAt.Format("2006-01-02"),
		"state":         string(f.State),
	}
	return &e
}

// ScheduleFollowUp adds an ad hoc follow-up to a session that was not
// abandoned or cancelled.
func (c *Coordinator) ScheduleFollowUp(ctx context.Context, sessionID string, due time.Time, note, actor string) (*followup.FollowUp, error) {
	var f *followup.FollowUp
	err := c.run(ctx, "schedule_followup", sessionID, func(ctx context.Context) error {
		ch := c.begin(actor)
		var v domain.Validator
		v.Check(!due.IsZero(), "due_at", "required")
		v.Check(due.IsZero() || !due.Before(ch.now), "due_at", "must not be in the past")
		if err := v.Err(); err != nil {
			return err
		}
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.State == Abandoned || s.State == Cancelled {
			return domain.InvalidStatef("session %s is %s", s.ID, s.State)
		}
		if f, err = c.scheduleFollowUp(ch, s, followup.AdHoc, due, note); err != nil {
			return err
		}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FollowUpResolution resolves a follow-up. A rescreen needs the intake of
// the new session; its patient is always the follow-up's patient.
type FollowUpResolution struct {
	followup.Resolution
	Intake *registration.Intake `json:"intake,omitempty"`
}

// ResolveFollowUp completes a follow-up or spawns a rescreen session from
// it. The prior session, when still waiting in FollowUpPending, ends in the
// same commit. Resolving an already resolved follow-up returns it as is.
func (c *Coordinator) ResolveFollowUp(ctx context.Context, followUpID string, r FollowUpResolution) (*followup.FollowUp, error) {
	var f *followup.FollowUp
	err := c.run(ctx, "resolve_followup", "", func(ctx context.Context) error {
		start := time.Now()
		rec, err := c.store.Get(ctx, store.FollowUps, followUpID)
		c.metrics.ObserveStore("get", start)
		if err != nil {
			return err
		}
		if f, err = followup.FromRecord(rec); err != nil {
			return err
		}
		if f.State.Resolved() {
			return nil
		}
		if !f.State.Open() {
			return domain.InvalidStatef("follow-up %s is %s", f.ID, f.State)
		}
		if err := r.Validate(); err != nil {
			return err
		}

		s, err := c.loadSession(ctx, f.SessionID)
		if err != nil {
			return err
		}
		ch := c.begin(r.By)

		if r.Kind == followup.ResolveComplete {
			return c.completeFollowUp(ctx, ch, s, f, r.Resolution)
		}
		return c.rescreen(ctx, ch, s, f, r)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Coordinator) completeFollowUp(ctx context.Context, ch *change, s *Session, f *followup.FollowUp, r followup.Resolution) error {
	if err := f.Complete(r, ch.now); err != nil {
		return err
	}
	if err := ch.putFollowUp(f); err != nil {
		return err
	}

	others, err := c.openFollowUps(ctx, s.ID)
	if err != nil {
		return err
	}
	remaining := 0
	for _, o := range others {
		if o.ID != f.ID {
			remaining++
		}
	}

	detail := map[string]string{"followup_id": f.ID, "resolution": string(r.Kind)}
	if r.Outcome != "" {
		detail["outcome"] = r.Outcome
	}
	var ev *dispatch.Event
	if s.State == FollowUpPending && remaining == 0 {
		s.TerminalReason = "follow-up complete"
		if ev, err = ch.transition(s, FollowUpComplete, dispatch.FollowUpResolved, f.ID, detail); err != nil {
			return err
		}
	} else {
		ev = ch.note(s, dispatch.FollowUpResolved, f.ID, detail)
	}
	ev.Artifact = &dispatch.Artifact{Type: "followup", ID: f.ID}
	return ch.commit(ctx)
}

func (c *Coordinator) rescreen(ctx context.Context, ch *change, s *Session, f *followup.FollowUp, r FollowUpResolution) error {
	if r.Intake == nil {
		return &domain.ValidationError{Fields: map[string]string{"intake": "required for a rescreen"}}
	}
	in := *r.Intake
	if in.PatientRef != "" && in.PatientRef != f.PatientRef {
		return &domain.ValidationError{Fields: map[string]string{"intake.patient_ref": "must match the follow-up's patient"}}
	}
	in.PatientRef = f.PatientRef
	in.FollowUpID = f.ID
	if in.RecipientRef == "" {
		in.RecipientRef = s.RecipientRef
	}
	if in.SiteRef == "" {
		in.SiteRef = s.SiteRef
	}
	if in.ExaminerRef == "" {
		in.ExaminerRef = r.By
	}
	if err := c.opts.Registration.Validate(in, ch.now); err != nil {
		return err
	}

	idx, err := c.loadIndex(ctx, f.PatientRef)
	if err != nil {
		return err
	}
	priorHoldsSlot := idx.ActiveSessionID == s.ID && s.State == FollowUpPending
	if idx.ActiveSessionID != "" && !priorHoldsSlot {
		return fmt.Errorf("%w: patient %s has session %s open",
			domain.ErrDuplicateActiveSession, f.PatientRef, idx.ActiveSessionID)
	}

	next := c.newSession(ch, in, idx, f.ID, s.ID)
	if err := f.Rescreen(r.Resolution, next.ID, ch.now); err != nil {
		return err
	}
	if err := ch.putFollowUp(f); err != nil {
		return err
	}

	detail := map[string]string{
		"followup_id":        f.ID,
		"resolution":         string(r.Kind),
		"spawned_session_id": next.ID,
	}
	if r.Outcome != "" {
		detail["outcome"] = r.Outcome
	}
	var ev *dispatch.Event
	if s.State == FollowUpPending {
		others, err := c.openFollowUps(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, o := range others {
			if o.ID != f.ID && o.Cancel("superseded by rescreen "+next.ID, ch.now) {
				if err := ch.putFollowUp(o); err != nil {
					return err
				}
			}
		}
		s.TerminalReason = "rescreen triggered"
		if ev, err = ch.transition(s, ReScreenTriggered, dispatch.FollowUpResolved, f.ID, detail); err != nil {
			return err
		}
	} else {
		ev = ch.note(s, dispatch.FollowUpResolved, f.ID, detail)
	}
	ev.Artifact = &dispatch.Artifact{Type: "followup", ID: f.ID}
	return ch.commit(ctx)
}

// ListDueFollowUps returns open follow-ups due on or before asOf.
func (c *Coordinator) ListDueFollowUps(ctx context.Context, asOf time.Time, limit, offset int) ([]*followup.FollowUp, error) {
	start := time.Now()
	recs, err := c.store.Query(ctx, store.Filter{
		Collection: store.FollowUps,
		Statuses:   []string{string(followup.Pending), string(followup.Due)},
		DueBefore:  &asOf,
		Limit:      limit,
		Offset:     offset,
	})
	c.metrics.ObserveStore("query", start)
	if err != nil {
		return nil, err
	}
	out := make([]*followup.FollowUp, 0, len(recs))
	for _, rec := range recs {
		f, err := followup.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
