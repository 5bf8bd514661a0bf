package screening

import (
	"context"
	"fmt"
	"strconv"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/assessment"
	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

var routeTargets = map[decision.Route]State{
	decision.RouteClose:     Closed,
	decision.RouteDetailed:  DetailedMeasurement,
	decision.RouteRefer:     Referred,
	decision.RoutePrescribe: PrescriptionRequired,
}

// RecordClinicalDecision confirms or overrides the pending recommendation
// and routes the session: Normal closes it with an annual follow-up, an
// abnormal first pass goes to detailed measurement, and an abnormal
// detailed result is referred or sent for a prescription.
func (c *Coordinator) RecordClinicalDecision(ctx context.Context, sessionID string, in decision.Input, actor string) (*decision.Decision, error) {
	var d decision.Decision
	err := c.run(ctx, "record_clinical_decision", sessionID, func(ctx context.Context) error {
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, AssessmentComplete, DetailedMeasurement); err != nil {
			return err
		}
		if s.Recommendation == nil {
			return domain.InvalidStatef("session %s has no recommendation; record the detailed measurement first", s.ID)
		}

		if d, err = decision.Resolve(*s.Recommendation, in); err != nil {
			return err
		}
		ch := c.begin(actor)
		d.ID = c.newID()
		d.SessionID = s.ID
		d.DecidedBy = actor
		d.DecidedAt = ch.now

		if err := c.applyDecision(ch, s, &d, dispatch.DecisionRecorded, nil); err != nil {
			return err
		}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// applyDecision stores d as the current decision and moves s along its
// route. A route that keeps s where it is only emits the event.
func (c *Coordinator) applyDecision(ch *change, s *Session, d *decision.Decision, kind dispatch.Kind, extra map[string]string) error {
	if err := ch.put(store.Decisions, d.ID, s.ID, string(d.Stage), d.Supersedes, nil, d, 0); err != nil {
		return err
	}
	s.DecisionID = d.ID

	route := decision.RouteOf(*d)
	next := routeTargets[route]
	detail := map[string]string{
		"route":       string(route),
		"outcome":     string(d.Outcome),
		"stage":       string(d.Stage),
		"severity":    string(d.Severity),
		"referral":    strconv.FormatBool(d.Referral),
		"recommended": strconv.FormatBool(d.Recommended),
	}
	if d.Category != "" {
		detail["category"] = string(d.Category)
	}
	for k, v := range extra {
		detail[k] = v
	}

	var ev *dispatch.Event
	if next == s.State {
		ev = ch.note(s, kind, d.ID, detail)
	} else {
		var err error
		if next.Terminal() {
			s.TerminalReason = fmt.Sprintf("%s decision: %s", d.Stage, route)
		}
		if ev, err = ch.transition(s, next, kind, d.ID, detail); err != nil {
			return err
		}
		s.Recommendation = nil
	}
	ev.Artifact = &dispatch.Artifact{Type: "decision", ID: d.ID}

	if route == decision.RouteClose {
		_, err := c.scheduleFollowUp(ch, s, followup.Annual, c.opts.Offsets.PostNormal(ch.now), "routine rescreen after normal result")
		return err
	}
	return nil
}

// RecordDetailedMeasurement stores the secondary evaluation and replaces
// the pending recommendation with the post-measurement one. Recording again
// before a decision replaces the measurement.
func (c *Coordinator) RecordDetailedMeasurement(ctx context.Context, sessionID string, m decision.DetailedMeasurement, actor string) (*decision.Decision, error) {
	var rec decision.Decision
	err := c.run(ctx, "record_detailed_measurement", sessionID, func(ctx context.Context) error {
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, DetailedMeasurement); err != nil {
			return err
		}
		if err := decision.ValidateDetailed(m); err != nil {
			return err
		}
		var a assessment.Assessment
		if _, err := c.load(ctx, store.Assessments, s.AssessmentID, &a); err != nil {
			return err
		}

		ch := c.begin(actor)
		var version int64
		if s.MeasurementID != "" {
			var prev decision.DetailedMeasurement
			if version, err = c.load(ctx, store.DetailedMeasurements, s.MeasurementID, &prev); err != nil {
				return err
			}
			m.ID = prev.ID
		} else {
			m.ID = c.newID()
		}
		m.SessionID = s.ID
		if m.MeasuredBy == "" {
			m.MeasuredBy = actor
		}
		if m.MeasuredAt.IsZero() {
			m.MeasuredAt = ch.now
		}
		if err := ch.put(store.DetailedMeasurements, m.ID, s.ID, "recorded", "", nil, &m, version); err != nil {
			return err
		}
		s.MeasurementID = m.ID

		rec = decision.Decide(a, &m, c.opts.Thresholds)
		rec.SessionID = s.ID
		rec.DecidedAt = ch.now
		s.Recommendation = &rec

		ev := ch.note(s, dispatch.MeasurementRecorded, m.ID, map[string]string{
			"route":       string(decision.RouteOf(rec)),
			"cycloplegic": strconv.FormatBool(m.Cycloplegic),
		})
		ev.Artifact = &dispatch.Artifact{Type: "detailed_measurement", ID: m.ID}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SupersedeDecision appends a correction to the current decision and
// re-routes the session from the corrected decision's stage.
func (c *Coordinator) SupersedeDecision(ctx context.Context, sessionID, decisionID string, in decision.Input, reason, actor string) (*decision.Decision, error) {
	var d decision.Decision
	err := c.run(ctx, "supersede_decision", sessionID, func(ctx context.Context) error {
		if err := requireReason(reason); err != nil {
			return err
		}
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, DetailedMeasurement, PrescriptionRequired); err != nil {
			return err
		}
		if decisionID != s.DecisionID {
			return domain.InvalidStatef("decision %s is not the current decision of session %s", decisionID, s.ID)
		}

		var current decision.Decision
		if _, err := c.load(ctx, store.Decisions, s.DecisionID, &current); err != nil {
			return err
		}
		base, err := c.recommendationAt(ctx, s, current.Stage)
		if err != nil {
			return err
		}
		if in.OverrideReason == "" {
			in.OverrideReason = reason
		}
		if d, err = decision.Resolve(base, in); err != nil {
			return err
		}

		ch := c.begin(actor)
		d.ID = c.newID()
		d.SessionID = s.ID
		d.Supersedes = current.ID
		d.DecidedBy = actor
		d.DecidedAt = ch.now

		if err := c.applyDecision(ch, s, &d, dispatch.DecisionSuperseded, map[string]string{
			"supersedes": current.ID,
			"reason":     reason,
		}); err != nil {
			return err
		}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// recommendationAt recomputes the engine output for a decision stage.
func (c *Coordinator) recommendationAt(ctx context.Context, s *Session, stage decision.Stage) (decision.Decision, error) {
	var a assessment.Assessment
	if _, err := c.load(ctx, store.Assessments, s.AssessmentID, &a); err != nil {
		return decision.Decision{}, err
	}
	var detailed *decision.DetailedMeasurement
	if stage == decision.StageDetailed {
		var m decision.DetailedMeasurement
		if _, err := c.load(ctx, store.DetailedMeasurements, s.MeasurementID, &m); err != nil {
			return decision.Decision{}, err
		}
		detailed = &m
	}
	rec := decision.Decide(a, detailed, c.opts.Thresholds)
	rec.SessionID = s.ID
	return rec, nil
}
