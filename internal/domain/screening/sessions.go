package screening

import (
	"context"
	"fmt"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/assessment"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/domain/manufacturing"
	"github.com/visionpath/screening/internal/domain/registration"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

// StartSession registers a patient for a new screening cycle. A patient
// with an active session is rejected with ErrDuplicateActiveSession. An
// intake carrying a follow-up id is a rescreen and goes through
// ResolveFollowUp.
func (c *Coordinator) StartSession(ctx context.Context, in registration.Intake) (*Session, error) {
	if in.FollowUpID != "" {
		return c.startRescreen(ctx, in)
	}

	var s *Session
	err := c.run(ctx, "start_session", "", func(ctx context.Context) error {
		ch := c.begin(in.ExaminerRef)
		if err := c.opts.Registration.Validate(in, ch.now); err != nil {
			return err
		}
		idx, err := c.loadIndex(ctx, in.PatientRef)
		if err != nil {
			return err
		}
		if idx.ActiveSessionID != "" {
			return fmt.Errorf("%w: patient %s has session %s open",
				domain.ErrDuplicateActiveSession, in.PatientRef, idx.ActiveSessionID)
		}
		s = c.newSession(ch, in, idx, "", "")
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// startRescreen spawns a session from an open follow-up. A follow-up that
// is already resolved or cancelled cannot start a new session.
func (c *Coordinator) startRescreen(ctx context.Context, in registration.Intake) (*Session, error) {
	var prior followup.FollowUp
	if _, err := c.load(ctx, store.FollowUps, in.FollowUpID, &prior); err != nil {
		return nil, err
	}
	if !prior.State.Open() {
		return nil, domain.InvalidStatef("follow-up %s is %s", prior.ID, prior.State)
	}
	f, err := c.ResolveFollowUp(ctx, in.FollowUpID, FollowUpResolution{
		Resolution: followup.Resolution{Kind: followup.ResolveRescreen, By: in.ExaminerRef},
		Intake:     &in,
	})
	if err != nil {
		return nil, err
	}
	if f.SpawnedSessionID == "" {
		return nil, domain.InvalidStatef("follow-up %s was resolved as %s", f.ID, f.State)
	}
	return c.GetSession(ctx, f.SpawnedSessionID)
}

// newSession stages a Registered session and claims the patient's slot.
func (c *Coordinator) newSession(ch *change, in registration.Intake, idx *patientIndex, spawnedBy, previous string) *Session {
	s := &Session{
		ID:                c.newID(),
		PatientRef:        in.PatientRef,
		ExaminerRef:       in.ExaminerRef,
		SiteRef:           in.SiteRef,
		RecipientRef:      in.RecipientRef,
		State:             Registered,
		Calibration:       in.Calibration,
		Consent:           in.Consent,
		Equipment:         in.Equipment,
		SpawnedBy:         spawnedBy,
		PreviousSessionID: previous,
		CreatedAt:         ch.now,
		LastTransitionAt:  ch.now,
	}
	detail := map[string]string{"device_id": in.Calibration.DeviceID}
	if spawnedBy != "" {
		detail["followup_id"] = spawnedBy
		detail["previous_session_id"] = previous
	}
	ch.record(s, dispatch.SessionStarted, "", Registered, s.PatientRef, detail)
	ch.moves = append(ch.moves, [2]string{"none", string(Registered)})

	idx.ActiveSessionID = s.ID
	idx.LastSessionID = s.ID
	idx.Sessions++
	ch.putIndex(idx)
	return s
}

// BeginAssessment opens the three-path assessment. Consent and equipment
// readiness may be supplied now or must have been captured at intake.
func (c *Coordinator) BeginAssessment(ctx context.Context, sessionID string, r registration.Readiness, actor string) (*Session, error) {
	var s *Session
	err := c.run(ctx, "begin_assessment", sessionID, func(ctx context.Context) error {
		var err error
		if s, err = c.loadSession(ctx, sessionID); err != nil {
			return err
		}
		if err := requireState(s, Registered); err != nil {
			return err
		}
		consent, equipment := r.Merge(s.Consent, s.Equipment)
		if err := registration.CheckReady(consent, equipment); err != nil {
			return err
		}
		s.Consent, s.Equipment = consent, equipment

		ch := c.begin(actor)
		a := assessment.New(c.newID(), s.ID)
		if err := ch.put(store.Assessments, a.ID, s.ID, "in_progress", "", nil, a, 0); err != nil {
			return err
		}
		s.AssessmentID = a.ID
		ev, err := ch.transition(s, AssessmentInProgress, dispatch.AssessmentStarted, a.ID, nil)
		if err != nil {
			return err
		}
		ev.Artifact = &dispatch.Artifact{Type: "assessment", ID: a.ID}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Abandon ends a session the patient did not finish.
func (c *Coordinator) Abandon(ctx context.Context, sessionID, reason, actor string) (*Session, error) {
	return c.end(ctx, "abandon", sessionID, Abandoned, dispatch.SessionAbandoned, reason, actor)
}

// Cancel ends a session that should not have been started or continued.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, reason, actor string) (*Session, error) {
	return c.end(ctx, "cancel", sessionID, Cancelled, dispatch.SessionCancelled, reason, actor)
}

// end moves s to a terminal state. Committed sub-records stay as they are;
// the open order and open follow-ups are cancelled alongside.
func (c *Coordinator) end(ctx context.Context, op, sessionID string, to State, kind dispatch.Kind, reason, actor string) (*Session, error) {
	var s *Session
	err := c.run(ctx, op, sessionID, func(ctx context.Context) error {
		var err error
		if s, err = c.loadSession(ctx, sessionID); err != nil {
			return err
		}
		if s.State.Terminal() {
			return domain.InvalidStatef("session %s already ended as %s", s.ID, s.State)
		}
		if err := requireReason(reason); err != nil {
			return err
		}

		ch := c.begin(actor)
		detail := map[string]string{"reason": reason}

		if s.OrderID != "" {
			var o manufacturing.Order
			version, err := c.load(ctx, store.ManufacturingOrders, s.OrderID, &o)
			if err != nil {
				return err
			}
			if manufacturing.CanTransition(o.State, manufacturing.Cancelled) {
				if err := o.Apply(manufacturing.Advance{
					To:     manufacturing.Cancelled,
					Reason: string(to) + ": " + reason,
					By:     actor,
				}, ch.now); err != nil {
					return err
				}
				if err := ch.put(store.ManufacturingOrders, o.ID, s.ID, string(o.State), o.PrescriptionID, nil, &o, version); err != nil {
					return err
				}
				detail["cancelled_order"] = o.ID
			}
		}

		open, err := c.openFollowUps(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, f := range open {
			f.Cancel(string(to)+": "+reason, ch.now)
			if err := ch.putFollowUp(f); err != nil {
				return err
			}
		}

		s.TerminalReason = reason
		if _, err := ch.transition(s, to, kind, "", detail); err != nil {
			return err
		}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
