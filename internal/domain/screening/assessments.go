package screening

import (
	"context"

	"github.com/visionpath/screening/internal/domain/assessment"
	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

// SubmitOutcome reports what a path submission did.
type SubmitOutcome struct {
	Session        *Session               `json:"session"`
	Assessment     *assessment.Assessment `json:"assessment"`
	Result         string                 `json:"result"`
	Missing        []assessment.PathKind  `json:"missing,omitempty"`
	Recommendation *decision.Decision     `json:"recommendation,omitempty"`
}

var submitResults = map[assessment.SubmitResult]string{
	assessment.Unchanged: "unchanged",
	assessment.Added:     "added",
	assessment.Replaced:  "replaced",
}

// SubmitAssessmentPath records one path of the initial assessment. An
// identical resubmission is a no-op. The submission that completes the
// third path moves the session to AssessmentComplete and stores the
// engine's recommendation on it.
func (c *Coordinator) SubmitAssessmentPath(ctx context.Context, sessionID string, p assessment.PathResult, actor string) (*SubmitOutcome, error) {
	var out *SubmitOutcome
	err := c.run(ctx, "submit_assessment_path", sessionID, func(ctx context.Context) error {
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, AssessmentInProgress); err != nil {
			return err
		}
		var a assessment.Assessment
		version, err := c.load(ctx, store.Assessments, s.AssessmentID, &a)
		if err != nil {
			return err
		}

		ch := c.begin(actor)
		if p.SubmittedBy == "" {
			p.SubmittedBy = actor
		}
		if p.SubmittedAt.IsZero() {
			p.SubmittedAt = ch.now
		}
		res, err := a.Submit(p)
		if err != nil {
			return err
		}
		out = &SubmitOutcome{Session: s, Assessment: &a, Result: submitResults[res], Missing: a.Missing()}
		if res == assessment.Unchanged {
			return nil
		}

		ch.audit(s, "assessment.path_submitted", "", "", string(p.Kind), map[string]string{
			"result": submitResults[res],
		})

		status := "in_progress"
		if a.Complete() {
			status = "complete"
			a.MarkComplete(ch.now)
			rec := decision.Decide(a, nil, c.opts.Thresholds)
			rec.SessionID = s.ID
			rec.DecidedAt = ch.now
			s.Recommendation = &rec
			out.Recommendation = &rec

			ev, err := ch.transition(s, AssessmentComplete, dispatch.AssessmentCompleted, a.ID, map[string]string{
				"recommended_outcome": string(rec.Outcome),
				"route":               string(decision.RouteOf(rec)),
			})
			if err != nil {
				return err
			}
			ev.Artifact = &dispatch.Artifact{Type: "assessment", ID: a.ID}
		}
		if err := ch.put(store.Assessments, a.ID, s.ID, status, "", nil, &a, version); err != nil {
			return err
		}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
