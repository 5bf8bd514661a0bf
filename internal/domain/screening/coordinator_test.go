package screening

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/assessment"
	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/domain/manufacturing"
	"github.com/visionpath/screening/internal/domain/prescription"
	"github.com/visionpath/screening/internal/domain/registration"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	c      *Coordinator
	st     store.Store
	mem    *store.Memory
	events *dispatch.Recorder
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith builds a coordinator over a memory store, optionally
// wrapped by wrap.
func newFixtureWith(t *testing.T, wrap func(*store.Memory) store.Store) *fixture {
	t.Helper()
	mem := store.NewMemory()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	f := &fixture{st: st, mem: mem, events: &dispatch.Recorder{}, clock: &clock{now: t0}}
	n := 0
	c, err := NewCoordinator(st, f.events, DefaultOptions(), zerolog.Nop(),
		WithClock(f.clock.Now),
		WithIDs(func() string {
			n++
			return fmt.Sprintf("id-%03d", n)
		}),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	f.c = c
	return f
}

func intake(patient string) registration.Intake {
	return registration.Intake{
		PatientRef:   patient,
		ExaminerRef:  "examiner-1",
		SiteRef:      "school-7",
		RecipientRef: "guardian-" + patient,
		Calibration: registration.Calibration{
			DeviceID:     "ar-100",
			CalibratedAt: t0.Add(-time.Hour),
		},
		Consent: &registration.Consent{Given: true, GivenBy: "guardian", Method: registration.ConsentWritten},
		Equipment: &registration.Equipment{
			AutoRefractor: true,
			AcuityChart:   true,
			ExamKit:       true,
		},
	}
}

func normalExam() assessment.AbnormalityExam {
	return assessment.AbnormalityExam{
		External:        assessment.FindingNormal,
		Motility:        assessment.FindingNormal,
		ColorVision:     assessment.ColorVisionNormal,
		DepthPerception: assessment.DepthPass,
	}
}

func paths(right, left string, exam assessment.AbnormalityExam) []assessment.PathResult {
	return []assessment.PathResult{
		{
			Kind:      assessment.PathAutoRefraction,
			Performed: true,
			AutoRefraction: &assessment.AutoRefraction{
				Right:             assessment.EyeRefraction{Sphere: -1.5},
				Left:              assessment.EyeRefraction{Sphere: -1.25},
				PupillaryDistance: 52,
				QualityOK:         true,
			},
		},
		{
			Kind:      assessment.PathChartAcuity,
			Performed: true,
			ChartAcuity: &assessment.ChartAcuity{
				ChartType:     assessment.ChartSnellen,
				DistanceRight: right,
				DistanceLeft:  left,
			},
		},
		{
			Kind:            assessment.PathAbnormalityExam,
			Performed:       true,
			AbnormalityExam: &exam,
		},
	}
}

func lensInput() prescription.Input {
	return prescription.Input{
		Right:             prescription.EyeLens{Sphere: -2.5},
		Left:              prescription.EyeLens{Sphere: -2.25},
		PupillaryDistance: 52,
		VertexDistance:    12,
		Frame:             prescription.Frame{Model: "kids-flex-44"},
		Material:          prescription.MaterialPolycarbonate,
		Coatings:          []prescription.Coating{prescription.CoatingScratchResistant},
	}
}

// assessed starts a session and submits all three paths.
func (f *fixture) assessed(t *testing.T, patient, right, left string, exam assessment.AbnormalityExam) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := f.c.StartSession(ctx, intake(patient))
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := f.c.BeginAssessment(ctx, s.ID, registration.Readiness{}, "examiner-1"); err != nil {
		t.Fatalf("begin assessment: %v", err)
	}
	var out *SubmitOutcome
	for _, p := range paths(right, left, exam) {
		if out, err = f.c.SubmitAssessmentPath(ctx, s.ID, p, "examiner-1"); err != nil {
			t.Fatalf("submit %s: %v", p.Kind, err)
		}
	}
	return out.Session
}

// prescribed drives a refractive-error session to PrescriptionCreated.
func (f *fixture) prescribed(t *testing.T, patient string) *Session {
	t.Helper()
	ctx := context.Background()
	s := f.assessed(t, patient, "20/50", "20/20", normalExam())
	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatalf("initial decision: %v", err)
	}
	m := decision.DetailedMeasurement{
		Right:       assessment.EyeRefraction{Sphere: -2.5},
		Left:        assessment.EyeRefraction{Sphere: -2.25},
		Cycloplegic: true,
	}
	if _, err := f.c.RecordDetailedMeasurement(ctx, s.ID, m, "dr-a"); err != nil {
		t.Fatalf("detailed measurement: %v", err)
	}
	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatalf("detailed decision: %v", err)
	}
	if _, err := f.c.CreatePrescription(ctx, s.ID, lensInput(), "dr-a"); err != nil {
		t.Fatalf("create prescription: %v", err)
	}
	return f.session(t, s.ID)
}

// fitted drives an order through to FittingComplete.
func (f *fixture) fitted(t *testing.T, sessionID string) *VersionedOrder {
	t.Helper()
	ctx := context.Background()
	if _, err := f.c.PlaceManufacturingOrder(ctx, sessionID, manufacturing.Placement{Vendor: "lab-north"}, "optician-1"); err != nil {
		t.Fatalf("place order: %v", err)
	}
	var o *VersionedOrder
	steps := []manufacturing.Advance{
		{To: manufacturing.InProduction},
		{To: manufacturing.QualityChecked},
		{To: manufacturing.Shipped, DeliveryMethod: manufacturing.SitePickup},
		{To: manufacturing.DeliveryConfirmed},
		{To: manufacturing.FittingScheduled},
		{To: manufacturing.FittingComplete},
	}
	for _, step := range steps {
		var err error
		if o, err = f.c.AdvanceManufacturing(ctx, sessionID, AdvanceRequest{Advance: step}, "optician-1"); err != nil {
			t.Fatalf("advance to %s: %v", step.To, err)
		}
	}
	return o
}

func (f *fixture) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := f.c.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return s
}

func (f *fixture) followUps(t *testing.T, sessionID string) []*followup.FollowUp {
	t.Helper()
	d, err := f.c.GetSessionDetail(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("session detail: %v", err)
	}
	return d.FollowUps
}

func (f *fixture) verifyAudit(t *testing.T, sessionID string) int {
	t.Helper()
	entries, err := f.c.AuditTrail(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("audit trail of %s: %v", sessionID, err)
	}
	return len(entries)
}

func kindsOf(events []dispatch.Event, sessionID string) []dispatch.Kind {
	var out []dispatch.Kind
	for _, e := range events {
		if e.SessionID == sessionID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func sameKinds(got, want []dispatch.Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestNewCoordinator_RejectsBadOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleAfter = 0
	if _, err := NewCoordinator(store.NewMemory(), nil, opts, zerolog.Nop()); err == nil {
		t.Fatal("expected options error")
	}
}

func TestScenario_NormalScreening(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.assessed(t, "p-normal", "20/20", "20/25", normalExam())
	if s.State != AssessmentComplete {
		t.Fatalf("expected assessment_complete, got %s", s.State)
	}
	if s.Recommendation == nil || s.Recommendation.Outcome != decision.Normal {
		t.Fatalf("expected a normal recommendation, got %+v", s.Recommendation)
	}

	d, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Recommended || d.DecidedBy != "dr-a" {
		t.Errorf("unexpected decision %+v", d)
	}

	s = f.session(t, s.ID)
	if s.State != Closed || s.Recommendation != nil {
		t.Fatalf("expected closed without a pending recommendation, got %s %+v", s.State, s.Recommendation)
	}

	fus := f.followUps(t, s.ID)
	if len(fus) != 1 {
		t.Fatalf("expected one follow-up, got %d", len(fus))
	}
	if fus[0].Type != followup.Annual || fus[0].State != followup.Pending || !fus[0].DueAt.Equal(t0.AddDate(1, 0, 0)) {
		t.Errorf("unexpected follow-up %+v", fus[0])
	}

	want := []dispatch.Kind{
		dispatch.SessionStarted,
		dispatch.AssessmentStarted,
		dispatch.AssessmentCompleted,
		dispatch.DecisionRecorded,
		dispatch.FollowUpScheduled,
	}
	if got := kindsOf(f.events.Events, s.ID); !sameKinds(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if n := f.verifyAudit(t, s.ID); n != 8 {
		t.Errorf("expected 8 audit entries, got %d", n)
	}

	if _, err := f.c.StartSession(ctx, intake("p-normal")); err != nil {
		t.Errorf("closed session should free the patient: %v", err)
	}
}

func TestScenario_RefractiveError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.prescribed(t, "p-refr")
	if s.State != PrescriptionCreated || s.PrescriptionID == "" {
		t.Fatalf("expected prescription_created, got %s", s.State)
	}

	detail, err := f.c.GetSessionDetail(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Decisions) != 2 {
		t.Fatalf("expected initial and detailed decisions, got %d", len(detail.Decisions))
	}
	final := detail.Decisions[1]
	if final.Category != decision.RefractiveError || !final.CorrectionRequired || final.Severity != decision.SeverityModerate {
		t.Errorf("unexpected detailed decision %+v", final)
	}
	if detail.DetailedMeasurement == nil || !detail.DetailedMeasurement.Cycloplegic {
		t.Error("detailed measurement missing from detail")
	}

	o := f.fitted(t, s.ID)
	if o.State != manufacturing.FittingComplete || o.DeliveryMethod != manufacturing.SitePickup {
		t.Errorf("unexpected order %+v", o.Order)
	}

	s = f.session(t, s.ID)
	if s.State != FollowUpPending {
		t.Fatalf("expected followup_pending, got %s", s.State)
	}
	fus := f.followUps(t, s.ID)
	if len(fus) != 1 || fus[0].Type != followup.SixMonth || !fus[0].DueAt.Equal(t0.AddDate(0, 6, 0)) {
		t.Fatalf("expected one six month follow-up, got %+v", fus)
	}

	if _, err := f.c.StartSession(ctx, intake("p-refr")); !errors.Is(err, domain.ErrDuplicateActiveSession) {
		t.Errorf("pending follow-up should keep the patient active, got %v", err)
	}

	f.clock.Advance(183 * 24 * time.Hour)
	if _, err := f.c.ResolveFollowUp(ctx, fus[0].ID, FollowUpResolution{
		Resolution: followup.Resolution{Kind: followup.ResolveComplete, Outcome: "wearing glasses", By: "nurse-1"},
	}); err != nil {
		t.Fatal(err)
	}
	s = f.session(t, s.ID)
	if s.State != FollowUpComplete {
		t.Fatalf("expected followup_complete, got %s", s.State)
	}

	want := []dispatch.Kind{
		dispatch.SessionStarted,
		dispatch.AssessmentStarted,
		dispatch.AssessmentCompleted,
		dispatch.DecisionRecorded,
		dispatch.MeasurementRecorded,
		dispatch.DecisionRecorded,
		dispatch.PrescriptionCreated,
		dispatch.OrderPlaced,
		dispatch.OrderAdvanced,
		dispatch.OrderAdvanced,
		dispatch.OrderAdvanced,
		dispatch.SessionDelivered,
		dispatch.OrderAdvanced,
		dispatch.FittingCompleted,
		dispatch.FollowUpScheduled,
		dispatch.FollowUpResolved,
	}
	if got := kindsOf(f.events.Events, s.ID); !sameKinds(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	f.verifyAudit(t, s.ID)
}

func TestScenario_DiseaseReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exam := normalExam()
	exam.External = assessment.FindingAbnormal
	s := f.assessed(t, "p-disease", "20/20", "20/20", exam)
	if s.Recommendation.Outcome != decision.Abnormal {
		t.Fatalf("expected abnormal recommendation, got %+v", s.Recommendation)
	}
	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatal(err)
	}
	if s = f.session(t, s.ID); s.State != DetailedMeasurement {
		t.Fatalf("expected detailed_measurement, got %s", s.State)
	}

	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("decision before measurement should be invalid, got %v", err)
	}

	rec, err := f.c.RecordDetailedMeasurement(ctx, s.ID, decision.DetailedMeasurement{PathologyIndicated: true}, "dr-a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Category != decision.EyeDisease || !rec.Referral || rec.Severity != decision.SeveritySevere {
		t.Errorf("unexpected recommendation %+v", rec)
	}
	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatal(err)
	}

	s = f.session(t, s.ID)
	if s.State != Referred || s.TerminalReason == "" {
		t.Fatalf("expected referred with a reason, got %s %q", s.State, s.TerminalReason)
	}
	if fus := f.followUps(t, s.ID); len(fus) != 0 {
		t.Errorf("referral should not schedule follow-ups, got %d", len(fus))
	}
	if _, err := f.c.StartSession(ctx, intake("p-disease")); err != nil {
		t.Errorf("referred session should free the patient: %v", err)
	}
}

// racingStore commits a competing session update just before the first
// commit it is asked to make.
type racingStore struct {
	*store.Memory
	armed bool
	raced bool
}

func (r *racingStore) Commit(ctx context.Context, writes ...store.Write) ([]store.Record, error) {
	if r.armed && !r.raced {
		r.raced = true
		for _, w := range writes {
			if w.Record.Collection != store.Sessions || w.ExpectedVersion == 0 {
				continue
			}
			cur, err := r.Memory.Get(ctx, store.Sessions, w.Record.ID)
			if err != nil {
				return nil, err
			}
			if _, err := r.Memory.Commit(ctx, store.Update(cur)); err != nil {
				return nil, err
			}
		}
	}
	return r.Memory.Commit(ctx, writes...)
}

func TestScenario_StaleWrite(t *testing.T) {
	var rs *racingStore
	f := newFixtureWith(t, func(m *store.Memory) store.Store {
		rs = &racingStore{Memory: m}
		return rs
	})
	ctx := context.Background()

	s, err := f.c.StartSession(ctx, intake("p-race"))
	if err != nil {
		t.Fatal(err)
	}
	published := len(f.events.Events)

	rs.armed = true
	_, err = f.c.BeginAssessment(ctx, s.ID, registration.Readiness{}, "examiner-1")
	if !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if len(f.events.Events) != published {
		t.Error("a failed commit must not publish events")
	}
	assessments, _ := f.mem.Query(ctx, store.Filter{Collection: store.Assessments})
	if len(assessments) != 0 {
		t.Errorf("a failed commit must not persist sub-records, found %d", len(assessments))
	}
	if got := f.session(t, s.ID); got.State != Registered {
		t.Fatalf("session should still be registered, got %s", got.State)
	}

	if _, err := f.c.BeginAssessment(ctx, s.ID, registration.Readiness{}, "examiner-1"); err != nil {
		t.Fatalf("retry after reload should succeed: %v", err)
	}
	if got := f.session(t, s.ID); got.State != AssessmentInProgress {
		t.Errorf("expected assessment_in_progress, got %s", got.State)
	}
	f.verifyAudit(t, s.ID)
}

func TestStartSession_Validation(t *testing.T) {
	f := newFixture(t)
	in := intake("p1")
	in.SiteRef = ""
	in.Calibration.CalibratedAt = t0.Add(-48 * time.Hour)

	_, err := f.c.StartSession(context.Background(), in)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"site_ref", "calibration.calibrated_at"} {
		if _, ok := ve.Fields[field]; !ok {
			t.Errorf("missing field error for %s in %v", field, ve.Fields)
		}
	}
	if len(f.events.Events) != 0 {
		t.Error("rejected command should not emit events")
	}
}

func TestStartSession_DuplicateActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.c.StartSession(ctx, intake("p1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.StartSession(ctx, intake("p1")); !errors.Is(err, domain.ErrDuplicateActiveSession) {
		t.Fatalf("expected duplicate active session, got %v", err)
	}
	if _, err := f.c.StartSession(ctx, intake("p2")); err != nil {
		t.Errorf("other patients are independent: %v", err)
	}

	if _, err := f.c.Cancel(ctx, first.ID, "registered twice", "coordinator-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.StartSession(ctx, intake("p1")); err != nil {
		t.Errorf("cancelled session should free the patient: %v", err)
	}

	sessions, err := f.c.ListSessionsByPatient(ctx, "p1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].ID != first.ID || sessions[0].State != Cancelled {
		t.Errorf("unexpected sessions %+v", sessions)
	}
}

func TestBeginAssessment_Readiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := intake("p1")
	in.Consent = nil
	in.Equipment = nil
	s, err := f.c.StartSession(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.c.BeginAssessment(ctx, s.ID, registration.Readiness{
		Equipment: &registration.Equipment{AutoRefractor: true, AcuityChart: true},
	}, "examiner-1")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Fields["consent"] == "" || ve.Fields["equipment"] != "not ready: exam_kit" {
		t.Fatalf("expected consent and equipment errors, got %v", err)
	}

	got, err := f.c.BeginAssessment(ctx, s.ID, registration.Readiness{
		Consent:   &registration.Consent{Given: true, GivenBy: "mother", Method: registration.ConsentVerbal},
		Equipment: &registration.Equipment{AutoRefractor: true, AcuityChart: true, ExamKit: true},
	}, "examiner-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != AssessmentInProgress || got.Consent == nil || got.Consent.GivenBy != "mother" {
		t.Errorf("unexpected session %+v", got)
	}

	if _, err := f.c.BeginAssessment(ctx, s.ID, registration.Readiness{}, "examiner-1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second begin should be invalid, got %v", err)
	}
}

func TestSubmitAssessmentPath_Gate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.c.StartSession(ctx, intake("p1"))
	if err != nil {
		t.Fatal(err)
	}
	ps := paths("20/20", "20/20", normalExam())

	if _, err := f.c.SubmitAssessmentPath(ctx, s.ID, ps[0], "examiner-1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("submission before the assessment begins should be invalid, got %v", err)
	}
	if _, err := f.c.BeginAssessment(ctx, s.ID, registration.Readiness{}, "examiner-1"); err != nil {
		t.Fatal(err)
	}

	out, err := f.c.SubmitAssessmentPath(ctx, s.ID, ps[0], "examiner-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != "added" || len(out.Missing) != 2 || out.Session.State != AssessmentInProgress {
		t.Errorf("unexpected outcome %+v", out)
	}

	before := len(f.events.Events)
	out, err = f.c.SubmitAssessmentPath(ctx, s.ID, ps[0], "examiner-2")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != "unchanged" || len(f.events.Events) != before {
		t.Errorf("identical resubmission should be a no-op, got %s", out.Result)
	}

	bad := ps[1]
	bad.ChartAcuity = nil
	if _, err := f.c.SubmitAssessmentPath(ctx, s.ID, bad, "examiner-1"); err == nil {
		t.Error("expected validation error for a performed path without data")
	}

	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("decision on an incomplete assessment should be invalid, got %v", err)
	}
}

func TestRecordClinicalDecision_OverrideNeedsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.assessed(t, "p1", "20/20", "20/20", normalExam())

	_, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{Outcome: decision.Abnormal}, "dr-a")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("override without reason should fail validation, got %v", err)
	}

	d, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{
		Outcome:        decision.Abnormal,
		OverrideReason: "child squinting throughout",
	}, "dr-a")
	if err != nil {
		t.Fatal(err)
	}
	if d.Recommended {
		t.Error("override should not be marked recommended")
	}
	if got := f.session(t, s.ID); got.State != DetailedMeasurement {
		t.Errorf("expected detailed_measurement, got %s", got.State)
	}
}

func TestSupersedeDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.assessed(t, "p1", "20/50", "20/20", normalExam())
	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.RecordDetailedMeasurement(ctx, s.ID, decision.DetailedMeasurement{
		Right: assessment.EyeRefraction{Sphere: -1.5},
		Left:  assessment.EyeRefraction{Sphere: -1.0},
	}, "dr-a"); err != nil {
		t.Fatal(err)
	}
	current, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.session(t, s.ID); got.State != PrescriptionRequired {
		t.Fatalf("expected prescription_required, got %s", got.State)
	}

	in := decision.Input{Outcome: decision.Abnormal, Category: decision.EyeDisease, Severity: decision.SeverityModerate}
	if _, err := f.c.SupersedeDecision(ctx, s.ID, current.ID, in, "", "dr-b"); err == nil {
		t.Fatal("supersede without reason should fail")
	}
	if _, err := f.c.SupersedeDecision(ctx, s.ID, "other", in, "fundus finding", "dr-b"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("superseding a non-current decision should be invalid, got %v", err)
	}

	d, err := f.c.SupersedeDecision(ctx, s.ID, current.ID, in, "fundus finding on review", "dr-b")
	if err != nil {
		t.Fatal(err)
	}
	if d.Supersedes != current.ID || !d.Referral || d.OverrideReason != "fundus finding on review" {
		t.Errorf("unexpected superseding decision %+v", d)
	}

	detail, err := f.c.GetSessionDetail(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Session.State != Referred || detail.Session.DecisionID != d.ID {
		t.Errorf("expected referred on the new decision, got %s %s", detail.Session.State, detail.Session.DecisionID)
	}
	if len(detail.Decisions) != 3 {
		t.Fatalf("decisions are append-only, expected 3, got %d", len(detail.Decisions))
	}
	for _, prev := range detail.Decisions {
		if prev.ID == current.ID && prev.Category != decision.RefractiveError {
			t.Errorf("superseded decision was modified: %+v", prev)
		}
	}
}

func TestRecordDetailedMeasurement_Replaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.assessed(t, "p1", "20/50", "20/20", normalExam())
	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.c.RecordDetailedMeasurement(ctx, s.ID, decision.DetailedMeasurement{PathologyGrade: decision.GradeMild}, "dr-a"); err == nil {
		t.Fatal("grade without pathology should fail validation")
	}
	first, err := f.c.RecordDetailedMeasurement(ctx, s.ID, decision.DetailedMeasurement{
		Right: assessment.EyeRefraction{Sphere: -0.25},
	}, "dr-a")
	if err != nil {
		t.Fatal(err)
	}
	if first.Category != decision.Other || !first.Referral {
		t.Errorf("small refraction should be an unexplained deficit, got %+v", first)
	}
	second, err := f.c.RecordDetailedMeasurement(ctx, s.ID, decision.DetailedMeasurement{
		Right: assessment.EyeRefraction{Sphere: -6},
	}, "dr-a")
	if err != nil {
		t.Fatal(err)
	}
	if second.Category != decision.RefractiveError || second.Severity != decision.SeveritySevere {
		t.Errorf("unexpected recommendation %+v", second)
	}

	detail, err := f.c.GetSessionDetail(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.DetailedMeasurement.Right.Sphere != -6 {
		t.Errorf("measurement was not replaced: %+v", detail.DetailedMeasurement)
	}
	if detail.Session.Recommendation == nil || detail.Session.Recommendation.Severity != decision.SeveritySevere {
		t.Errorf("recommendation not refreshed: %+v", detail.Session.Recommendation)
	}
}

func TestUpdatePrescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.prescribed(t, "p1")

	in := lensInput()
	in.Frame.Model = "kids-flex-46"
	p, err := f.c.UpdatePrescription(ctx, s.ID, in, "dr-a")
	if err != nil {
		t.Fatal(err)
	}
	if p.Frame.Model != "kids-flex-46" || p.Revision != 1 {
		t.Errorf("unexpected prescription %+v", p)
	}

	if _, err := f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{}, "optician-1"); err != nil {
		t.Fatal(err)
	}
	in.Material = prescription.MaterialTrivex
	if _, err := f.c.UpdatePrescription(ctx, s.ID, in, "dr-a"); err != nil {
		t.Fatalf("update while the order is still ordered: %v", err)
	}
	if _, err := f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{Advance: manufacturing.Advance{To: manufacturing.InProduction}}, "optician-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.UpdatePrescription(ctx, s.ID, in, "dr-a"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("update after production started should be invalid, got %v", err)
	}
}

func TestAdvanceManufacturing_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.prescribed(t, "p1")
	placed, err := f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{Vendor: "lab-north"}, "optician-1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{Advance: manufacturing.Advance{To: manufacturing.Shipped, DeliveryMethod: manufacturing.SitePickup}}, "optician-1")
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("skipping states should be illegal, got %v", err)
	}

	_, err = f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{
		Advance:         manufacturing.Advance{To: manufacturing.InProduction},
		ExpectedVersion: placed.Version + 1,
	}, "optician-1")
	if !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("version mismatch should be stale, got %v", err)
	}

	o, err := f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{
		Advance:         manufacturing.Advance{To: manufacturing.InProduction},
		ExpectedVersion: placed.Version,
	}, "optician-1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Version != placed.Version+1 || o.State != manufacturing.InProduction {
		t.Errorf("unexpected order %+v v%d", o.Order, o.Version)
	}

	o, err = f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{Advance: manufacturing.Advance{To: manufacturing.Cancelled, Reason: "lab backlog"}}, "optician-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.session(t, s.ID); got.State != PrescriptionCreated {
		t.Fatalf("cancelled order should return the session to prescription_created, got %s", got.State)
	}

	replacement, err := f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{Vendor: "lab-south"}, "optician-1")
	if err != nil {
		t.Fatal(err)
	}
	if replacement.ID == o.ID {
		t.Error("replacement order should be a new record")
	}
	detail, err := f.c.GetSessionDetail(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Orders) != 2 || detail.Orders[0].State != manufacturing.Cancelled {
		t.Errorf("unexpected orders %+v", detail.Orders)
	}
}

func TestRequestRemake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.prescribed(t, "p1")
	first := f.fitted(t, s.ID)

	if _, err := f.c.RequestRemake(ctx, s.ID, RemakeRequest{}, "optician-1"); err == nil {
		t.Fatal("remake without reason should fail")
	}

	revised := lensInput()
	revised.Right.Sphere = -3
	o, err := f.c.RequestRemake(ctx, s.ID, RemakeRequest{Reason: "lens scratched at fitting", Prescription: &revised}, "optician-1")
	if err != nil {
		t.Fatal(err)
	}
	if o.State != manufacturing.InProduction || o.RemakeOf != first.ID {
		t.Errorf("unexpected remake %+v", o.Order)
	}

	detail, err := f.c.GetSessionDetail(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Session.State != ManufacturingOrdered || detail.Session.OrderID != o.ID {
		t.Fatalf("expected manufacturing_ordered on the remake, got %s", detail.Session.State)
	}
	if len(detail.Prescriptions) != 2 || detail.Session.PrescriptionID != o.PrescriptionID {
		t.Errorf("expected a second prescription revision, got %d", len(detail.Prescriptions))
	}
	for _, p := range detail.Prescriptions {
		if p.ID == o.PrescriptionID && (p.Revision != 2 || p.Right.Sphere != -3) {
			t.Errorf("unexpected revision %+v", p)
		}
	}
	if len(detail.FollowUps) != 1 || detail.FollowUps[0].State != followup.Cancelled {
		t.Errorf("post-fitting follow-up should be cancelled, got %+v", detail.FollowUps)
	}
	for _, prev := range detail.Orders {
		if prev.ID == first.ID && prev.State != manufacturing.FittingComplete {
			t.Errorf("original order was modified: %s", prev.State)
		}
	}
}

func TestAbandon_CancelsOpenWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.prescribed(t, "p1")
	if _, err := f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{}, "optician-1"); err != nil {
		t.Fatal(err)
	}
	fu, err := f.c.ScheduleFollowUp(ctx, s.ID, t0.AddDate(0, 1, 0), "phone check", "coordinator-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.c.Abandon(ctx, s.ID, "", "coordinator-1"); err == nil {
		t.Fatal("abandon without reason should fail")
	}
	got, err := f.c.Abandon(ctx, s.ID, "family moved away", "coordinator-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != Abandoned || got.TerminalReason != "family moved away" {
		t.Errorf("unexpected session %+v", got)
	}

	detail, err := f.c.GetSessionDetail(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Orders[0].State != manufacturing.Cancelled {
		t.Errorf("open order should be cancelled, got %s", detail.Orders[0].State)
	}
	for _, x := range detail.FollowUps {
		if x.ID == fu.ID && x.State != followup.Cancelled {
			t.Errorf("open follow-up should be cancelled, got %s", x.State)
		}
	}

	if _, err := f.c.Abandon(ctx, s.ID, "again", "coordinator-1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("terminal session cannot be abandoned again, got %v", err)
	}
	if _, err := f.c.ScheduleFollowUp(ctx, s.ID, t0.AddDate(0, 2, 0), "", "coordinator-1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("abandoned session cannot get follow-ups, got %v", err)
	}
	f.verifyAudit(t, s.ID)
}

func TestScheduleFollowUp_Validation(t *testing.T) {
	f := newFixture(t)
	s, err := f.c.StartSession(context.Background(), intake("p1"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.c.ScheduleFollowUp(context.Background(), s.ID, t0.Add(-time.Hour), "", "coordinator-1")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Fields["due_at"] == "" {
		t.Fatalf("expected due_at validation error, got %v", err)
	}
}

func TestResolveFollowUp_Rescreen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.assessed(t, "p1", "20/20", "20/20", normalExam())
	if _, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatal(err)
	}
	fu := f.followUps(t, s.ID)[0]

	f.clock.Advance(366 * 24 * time.Hour)
	if _, err := f.c.ResolveFollowUp(ctx, fu.ID, FollowUpResolution{
		Resolution: followup.Resolution{Kind: followup.ResolveRescreen, By: "examiner-2"},
	}); err == nil {
		t.Fatal("rescreen without intake should fail")
	}

	in := intake("p1")
	in.Calibration.CalibratedAt = f.clock.now.Add(-time.Hour)
	resolved, err := f.c.ResolveFollowUp(ctx, fu.ID, FollowUpResolution{
		Resolution: followup.Resolution{Kind: followup.ResolveRescreen, By: "examiner-2"},
		Intake:     &in,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.State != followup.ReScreenTriggered || resolved.SpawnedSessionID == "" {
		t.Fatalf("unexpected follow-up %+v", resolved)
	}

	next := f.session(t, resolved.SpawnedSessionID)
	if next.State != Registered || next.SpawnedBy != fu.ID || next.PreviousSessionID != s.ID {
		t.Errorf("unexpected spawned session %+v", next)
	}
	if prev := f.session(t, s.ID); prev.State != Closed {
		t.Errorf("closed session should stay closed, got %s", prev.State)
	}

	again, err := f.c.ResolveFollowUp(ctx, fu.ID, FollowUpResolution{
		Resolution: followup.Resolution{Kind: followup.ResolveRescreen, By: "examiner-2"},
		Intake:     &in,
	})
	if err != nil {
		t.Fatalf("re-resolving should be idempotent: %v", err)
	}
	if again.SpawnedSessionID != resolved.SpawnedSessionID {
		t.Errorf("re-resolving spawned another session: %s", again.SpawnedSessionID)
	}
	sessions, _ := f.c.ListSessionsByPatient(ctx, "p1", 10, 0)
	if len(sessions) != 2 {
		t.Errorf("expected exactly two sessions, got %d", len(sessions))
	}
}

func TestResolveFollowUp_RescreenEndsPendingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.prescribed(t, "p1")
	f.fitted(t, s.ID)
	fu := f.followUps(t, s.ID)[0]

	f.clock.Advance(190 * 24 * time.Hour)
	in := intake("p1")
	in.Calibration.CalibratedAt = f.clock.now.Add(-time.Hour)
	in.FollowUpID = fu.ID
	next, err := f.c.StartSession(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if next.SpawnedBy != fu.ID || next.State != Registered {
		t.Errorf("unexpected spawned session %+v", next)
	}
	if prev := f.session(t, s.ID); prev.State != ReScreenTriggered {
		t.Errorf("expected rescreen_triggered, got %s", prev.State)
	}
	if _, err := f.c.StartSession(ctx, intake("p1")); !errors.Is(err, domain.ErrDuplicateActiveSession) {
		t.Errorf("spawned session should hold the patient slot, got %v", err)
	}
	if _, err := f.c.StartSession(ctx, in); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("a used follow-up cannot start another session, got %v", err)
	}
}

func TestStartSession_CompletedFollowUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.prescribed(t, "p1")
	f.fitted(t, s.ID)
	fu := f.followUps(t, s.ID)[0]

	if _, err := f.c.ResolveFollowUp(ctx, fu.ID, FollowUpResolution{
		Resolution: followup.Resolution{Kind: followup.ResolveComplete, Outcome: "wearing glasses", By: "nurse-1"},
	}); err != nil {
		t.Fatal(err)
	}
	in := intake("p1")
	in.FollowUpID = fu.ID
	if _, err := f.c.StartSession(ctx, in); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected invalid state for a completed follow-up, got %v", err)
	}
	sessions, _ := f.c.ListSessionsByPatient(ctx, "p1", 10, 0)
	if len(sessions) != 1 {
		t.Errorf("no session should have been spawned, got %d", len(sessions))
	}
}

func TestEnd_TerminalCheckedBeforeReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.c.StartSession(ctx, intake("p1"))
	if err != nil {
		t.Fatal(err)
	}
	var ve *domain.ValidationError
	if _, err := f.c.Abandon(ctx, s.ID, "", "coordinator-1"); !errors.As(err, &ve) {
		t.Errorf("open session without reason: expected validation error, got %v", err)
	}
	if _, err := f.c.Cancel(ctx, s.ID, "duplicate registration", "coordinator-1"); err != nil {
		t.Fatal(err)
	}
	for name, end := range map[string]func(context.Context, string, string, string) (*Session, error){
		"abandon": f.c.Abandon,
		"cancel":  f.c.Cancel,
	} {
		if _, err := end(ctx, s.ID, "", "coordinator-1"); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("%s on ended session: expected invalid state, got %v", name, err)
		}
	}
}

func TestListDueFollowUps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.c.StartSession(ctx, intake("p1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, days := range []int{10, 20, 30} {
		if _, err := f.c.ScheduleFollowUp(ctx, s.ID, t0.AddDate(0, 0, days), "", "coordinator-1"); err != nil {
			t.Fatal(err)
		}
	}
	due, err := f.c.ListDueFollowUps(ctx, t0.AddDate(0, 0, 20), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Errorf("expected 2 follow-ups due by day 20 inclusive, got %d", len(due))
	}
}

func TestAuditTrail_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.assessed(t, "p1", "20/20", "20/20", normalExam())

	recs, err := f.mem.Query(ctx, store.Filter{Collection: store.AuditLog, SessionID: s.ID})
	if err != nil || len(recs) < 2 {
		t.Fatalf("expected audit records, got %d %v", len(recs), err)
	}
	tampered := recs[1]
	tampered.Data = []byte(string(tampered.Data[:len(tampered.Data)-1]) + `,"actor":"mallory"}`)
	if _, err := f.mem.Commit(ctx, store.Update(tampered)); err != nil {
		t.Fatal(err)
	}

	entries, err := f.c.AuditTrail(ctx, s.ID)
	if !errors.Is(err, domain.ErrCorrupt) {
		t.Fatalf("expected corruption, got %v", err)
	}
	if len(entries) == 0 {
		t.Error("entries should be returned alongside the error")
	}
}

func TestStaleMonitor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stuck, err := f.c.StartSession(ctx, intake("p-stuck"))
	if err != nil {
		t.Fatal(err)
	}
	closed := f.assessed(t, "p-done", "20/20", "20/20", normalExam())
	if _, err := f.c.RecordClinicalDecision(ctx, closed.ID, decision.Input{}, "dr-a"); err != nil {
		t.Fatal(err)
	}

	m := NewStaleMonitor(f.c, nil, time.Minute)
	res, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Leader || res.Stale != 0 {
		t.Fatalf("nothing should be stale yet, got %+v", res)
	}

	f.clock.Advance(72 * time.Hour)
	res, err = m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stale != 1 || res.Alerted != 1 {
		t.Fatalf("expected one stale alert, got %+v", res)
	}
	last := f.events.Events[len(f.events.Events)-1]
	if last.Kind != dispatch.SessionStale || last.SessionID != stuck.ID {
		t.Errorf("unexpected event %+v", last)
	}

	res, err = m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stale != 1 || res.Alerted != 0 {
		t.Errorf("a stale session is alerted once, got %+v", res)
	}

	if _, err := f.c.BeginAssessment(ctx, stuck.ID, registration.Readiness{}, "examiner-1"); err != nil {
		t.Fatal(err)
	}
	if got := f.session(t, stuck.ID); got.StaleAlertedAt != nil {
		t.Error("a transition should clear the stale alert")
	}
}

func TestAdvanceManufacturing_ConcurrentSameVersion(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		s := f.prescribed(t, "p1")
		placed, err := f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{Vendor: "lab-north"}, "optician-1")
		if err != nil {
			t.Fatal(err)
		}
		entries := f.verifyAudit(t, s.ID)
		published := len(f.events.Events)

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for g := range errs {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				_, errs[g] = f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{
					Advance:         manufacturing.Advance{To: manufacturing.InProduction},
					ExpectedVersion: placed.Version,
				}, fmt.Sprintf("optician-%d", g))
			}(g)
		}
		close(start)
		wg.Wait()

		ok, stale := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrStaleWrite):
				stale++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || stale != 1 {
			t.Fatalf("run %d: expected one success and one stale write, got %d and %d", i, ok, stale)
		}
		if got := f.verifyAudit(t, s.ID); got != entries+1 {
			t.Errorf("run %d: expected a single audit entry for the advance, trail grew by %d", i, got-entries)
		}
		if got := len(f.events.Events) - published; got != 1 {
			t.Errorf("run %d: expected one event, got %d", i, got)
		}
		detail, err := f.c.GetSessionDetail(ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(detail.Orders) != 1 || detail.Orders[0].State != manufacturing.InProduction {
			t.Errorf("run %d: unexpected orders %+v", i, detail.Orders)
		}
	}
}

func TestChange_StagingFailureAbortsCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.c.StartSession(ctx, intake("p1"))
	if err != nil {
		t.Fatal(err)
	}
	published := len(f.events.Events)
	version := s.Version

	ch := f.c.begin("examiner-1")
	if _, err := ch.transition(s, AssessmentInProgress, dispatch.AssessmentStarted, "", nil); err != nil {
		t.Fatal(err)
	}
	ch.fail(errors.New("encode audit entry"))
	ch.fail(errors.New("second failure"))
	if err := ch.commit(ctx); err == nil || err.Error() != "encode audit entry" {
		t.Fatalf("expected the first staging error, got %v", err)
	}

	if got := f.session(t, s.ID); got.State != Registered || got.Version != version {
		t.Errorf("session should be untouched, got %s v%d", got.State, got.Version)
	}
	if n := f.verifyAudit(t, s.ID); n != 1 {
		t.Errorf("audit trail should still hold one entry, got %d", n)
	}
	if len(f.events.Events) != published {
		t.Error("an aborted commit must not publish events")
	}
}

// inState drives a fresh session of patient p1 into want.
func (f *fixture) inState(t *testing.T, want State) *Session {
	t.Helper()
	ctx := context.Background()
	must := func(_ interface{}, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("driving to %s: %v", want, err)
		}
	}
	start := func() *Session {
		s, err := f.c.StartSession(ctx, intake("p1"))
		must(s, err)
		return s
	}
	refractive := decision.DetailedMeasurement{
		Right:       assessment.EyeRefraction{Sphere: -2.5},
		Left:        assessment.EyeRefraction{Sphere: -2.25},
		Cycloplegic: true,
	}
	advance := func(s *Session, to ...manufacturing.State) {
		for _, st := range to {
			a := manufacturing.Advance{To: st}
			if st == manufacturing.Shipped {
				a.DeliveryMethod = manufacturing.SitePickup
			}
			must(f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{Advance: a}, "optician-1"))
		}
	}

	var s *Session
	switch want {
	case Registered:
		s = start()
	case Abandoned:
		s = start()
		must(f.c.Abandon(ctx, s.ID, "no show", "coordinator-1"))
	case Cancelled:
		s = start()
		must(f.c.Cancel(ctx, s.ID, "registered twice", "coordinator-1"))
	case AssessmentInProgress:
		s = start()
		must(f.c.BeginAssessment(ctx, s.ID, registration.Readiness{}, "examiner-1"))
	case AssessmentComplete:
		s = f.assessed(t, "p1", "20/20", "20/20", normalExam())
	case Closed:
		s = f.assessed(t, "p1", "20/20", "20/20", normalExam())
		must(f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"))
	case DetailedMeasurement:
		s = f.assessed(t, "p1", "20/50", "20/20", normalExam())
		must(f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"))
	case Referred:
		exam := normalExam()
		exam.External = assessment.FindingAbnormal
		s = f.assessed(t, "p1", "20/20", "20/20", exam)
		must(f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"))
		must(f.c.RecordDetailedMeasurement(ctx, s.ID, decision.DetailedMeasurement{PathologyIndicated: true}, "dr-a"))
		must(f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"))
	case PrescriptionRequired:
		s = f.assessed(t, "p1", "20/50", "20/20", normalExam())
		must(f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"))
		must(f.c.RecordDetailedMeasurement(ctx, s.ID, refractive, "dr-a"))
		must(f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a"))
	case PrescriptionCreated:
		s = f.prescribed(t, "p1")
	case ManufacturingOrdered:
		s = f.prescribed(t, "p1")
		must(f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{Vendor: "lab-north"}, "optician-1"))
	case Delivered:
		s = f.prescribed(t, "p1")
		must(f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{Vendor: "lab-north"}, "optician-1"))
		advance(s, manufacturing.InProduction, manufacturing.QualityChecked, manufacturing.Shipped, manufacturing.DeliveryConfirmed)
	case FollowUpPending:
		s = f.prescribed(t, "p1")
		f.fitted(t, s.ID)
	case FittingComplete:
		// The fitting commit moves straight on to FollowUpPending, so the
		// stored session is rewound to hold FittingComplete.
		s = f.prescribed(t, "p1")
		f.fitted(t, s.ID)
		s = f.session(t, s.ID)
		s.State = FittingComplete
		rec, err := s.record(f.clock.now)
		if err != nil {
			t.Fatal(err)
		}
		must(f.mem.Commit(ctx, store.Update(rec)))
	case FollowUpComplete:
		s = f.prescribed(t, "p1")
		f.fitted(t, s.ID)
		fu := f.followUps(t, s.ID)[0]
		must(f.c.ResolveFollowUp(ctx, fu.ID, FollowUpResolution{
			Resolution: followup.Resolution{Kind: followup.ResolveComplete, Outcome: "wearing glasses", By: "nurse-1"},
		}))
	case ReScreenTriggered:
		s = f.prescribed(t, "p1")
		f.fitted(t, s.ID)
		fu := f.followUps(t, s.ID)[0]
		f.clock.Advance(190 * 24 * time.Hour)
		in := intake("p1")
		in.Calibration.CalibratedAt = f.clock.now.Add(-time.Hour)
		in.FollowUpID = fu.ID
		must(f.c.StartSession(ctx, in))
	default:
		t.Fatalf("no route to %s", want)
	}

	s = f.session(t, s.ID)
	if s.State != want {
		t.Fatalf("expected %s, got %s", want, s.State)
	}
	return s
}

func TestOperations_RejectedOutsideSourceStates(t *testing.T) {
	only := func(states ...State) func(State) bool {
		return func(s State) bool {
			for _, x := range states {
				if s == x {
					return true
				}
			}
			return false
		}
	}
	active := func(s State) bool { return !s.Terminal() }

	ops := []struct {
		name  string
		legal func(State) bool
		call  func(ctx context.Context, f *fixture, s *Session) error
	}{
		{"begin_assessment", only(Registered), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.BeginAssessment(ctx, s.ID, registration.Readiness{}, "examiner-1")
			return err
		}},
		{"submit_path", only(AssessmentInProgress), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.SubmitAssessmentPath(ctx, s.ID, paths("20/20", "20/20", normalExam())[0], "examiner-1")
			return err
		}},
		{"record_decision", only(AssessmentComplete, DetailedMeasurement), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.RecordClinicalDecision(ctx, s.ID, decision.Input{}, "dr-a")
			return err
		}},
		{"record_measurement", only(DetailedMeasurement), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.RecordDetailedMeasurement(ctx, s.ID, decision.DetailedMeasurement{
				Right: assessment.EyeRefraction{Sphere: -2.5},
				Left:  assessment.EyeRefraction{Sphere: -2.25},
			}, "dr-a")
			return err
		}},
		{"supersede_decision", only(DetailedMeasurement, PrescriptionRequired), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.SupersedeDecision(ctx, s.ID, s.DecisionID, decision.Input{}, "transcription error", "dr-a")
			return err
		}},
		{"create_prescription", only(PrescriptionRequired), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.CreatePrescription(ctx, s.ID, lensInput(), "dr-a")
			return err
		}},
		{"update_prescription", only(PrescriptionCreated, ManufacturingOrdered), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.UpdatePrescription(ctx, s.ID, lensInput(), "dr-a")
			return err
		}},
		{"place_order", only(PrescriptionCreated), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.PlaceManufacturingOrder(ctx, s.ID, manufacturing.Placement{Vendor: "lab-north"}, "optician-1")
			return err
		}},
		{"advance_order", only(ManufacturingOrdered, Delivered), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.AdvanceManufacturing(ctx, s.ID, AdvanceRequest{
				Advance: manufacturing.Advance{To: manufacturing.InProduction},
			}, "optician-1")
			return err
		}},
		{"request_remake", only(FittingComplete, FollowUpPending), func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.RequestRemake(ctx, s.ID, RemakeRequest{Reason: "lens scratched"}, "optician-1")
			return err
		}},
		{"abandon", active, func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.Abandon(ctx, s.ID, "moved away", "coordinator-1")
			return err
		}},
		{"cancel", active, func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.Cancel(ctx, s.ID, "entered in error", "coordinator-1")
			return err
		}},
		{"schedule_followup", func(s State) bool { return s != Abandoned && s != Cancelled }, func(ctx context.Context, f *fixture, s *Session) error {
			_, err := f.c.ScheduleFollowUp(ctx, s.ID, f.clock.now.AddDate(0, 1, 0), "recheck", "coordinator-1")
			return err
		}},
	}

	for _, st := range States {
		st := st
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			s := f.inState(t, st)
			published := len(f.events.Events)
			entries := f.verifyAudit(t, s.ID)

			for _, op := range ops {
				if op.legal(st) {
					continue
				}
				err := op.call(ctx, f, s)
				if !errors.Is(err, domain.ErrInvalidState) {
					t.Errorf("%s in %s: expected invalid state, got %v", op.name, st, err)
				}
				got := f.session(t, s.ID)
				if got.State != st || got.Version != s.Version {
					t.Errorf("%s in %s: session moved to %s v%d from v%d", op.name, st, got.State, got.Version, s.Version)
				}
			}
			if len(f.events.Events) != published {
				t.Errorf("rejected operations in %s published %d events", st, len(f.events.Events)-published)
			}
			if n := f.verifyAudit(t, s.ID); n != entries {
				t.Errorf("rejected operations in %s grew the audit trail from %d to %d", st, entries, n)
			}
		})
	}
}
