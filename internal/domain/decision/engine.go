// Package decision is the clinical decision engine. Decide is a pure
// function of the assessment, the optional detailed measurement and the
// configured thresholds.
package decision

import (
	"fmt"
	"math"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/assessment"
)

// Thresholds are clinician-approved cutoffs supplied by configuration.
type Thresholds struct {
	// AcuityReferral is the Snellen fraction at or below which distance
	// acuity in either eye is abnormal.
	AcuityReferral string
	// CorrectionFrom is the refractive magnitude (diopters) from which
	// spectacles are prescribed.
	CorrectionFrom float64
	ModerateFrom   float64
	SevereFrom     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AcuityReferral: "20/40",
		CorrectionFrom: 0.75,
		ModerateFrom:   2.00,
		SevereFrom:     5.00,
	}
}

func (t Thresholds) Validate() error {
	var v domain.Validator
	if _, err := assessment.ParseSnellen(t.AcuityReferral); err != nil {
		v.Add("acuity_referral", err.Error())
	}
	v.Check(t.CorrectionFrom > 0, "correction_from", "must be positive")
	v.Check(t.ModerateFrom > 0, "moderate_from", "must be positive")
	v.Check(t.SevereFrom > t.ModerateFrom, "severe_from", "must be greater than moderate_from")
	return v.Err()
}

// Decide classifies an assessment. With detailed == nil an abnormal result
// is a first-pass decision that routes to detailed measurement; with a
// detailed measurement the result is always a detailed-stage decision.
// Values exactly at a cutoff resolve to the more conservative branch.
func Decide(a assessment.Assessment, detailed *DetailedMeasurement, t Thresholds) Decision {
	reasons := initialFindings(a, t)

	d := Decision{
		SessionID:   a.SessionID,
		Outcome:     Normal,
		Severity:    SeverityNone,
		Stage:       StageInitial,
		Recommended: true,
	}
	if len(reasons) == 0 {
		if detailed == nil {
			return d
		}
		// A clinician override sent an otherwise normal screen to detailed
		// measurement; classify the measurement on its own.
		reasons = []string{"detailed measurement requested by clinician"}
	}

	d.Outcome = Abnormal
	d.Reasons = reasons
	d.Category = Other
	d.Severity = ""
	if detailed == nil {
		return d
	}

	d.Stage = StageDetailed
	if detailed.PathologyIndicated {
		d.Category = EyeDisease
		d.Referral = true
		d.Severity = severityFromGrade(detailed.PathologyGrade)
		d.Reasons = append(d.Reasons, fmt.Sprintf("pathology indicated (grade %d)", detailed.PathologyGrade))
		return d
	}

	mag := refractiveMagnitude(detailed.Right, detailed.Left)
	d.RefractiveMagnitude = mag
	if mag < t.CorrectionFrom {
		// Abnormal screening not explained by refraction.
		d.Category = Other
		d.Referral = true
		d.Severity = SeverityMild
		d.Reasons = append(d.Reasons, fmt.Sprintf("refractive magnitude %.2f D below correction cutoff", mag))
		return d
	}

	d.Category = RefractiveError
	d.CorrectionRequired = true
	d.Severity = severityFromMagnitude(mag, t)
	d.Reasons = append(d.Reasons, fmt.Sprintf("refractive magnitude %.2f D", mag))
	return d
}

func initialFindings(a assessment.Assessment, t Thresholds) []string {
	var reasons []string
	threshold, err := assessment.ParseSnellen(t.AcuityReferral)
	if err != nil {
		threshold = assessment.Snellen{Numerator: 20, Denominator: 40}
	}

	if chart, ok := a.Paths[assessment.PathChartAcuity]; ok {
		switch {
		case !chart.Performed:
			reasons = append(reasons, "chart acuity not performed: "+chart.NotPerformedReason)
		case chart.ChartAcuity != nil:
			for _, eye := range []struct{ name, value string }{
				{"right", chart.ChartAcuity.DistanceRight},
				{"left", chart.ChartAcuity.DistanceLeft},
			} {
				s, err := assessment.ParseSnellen(eye.value)
				if err != nil {
					reasons = append(reasons, fmt.Sprintf("%s eye acuity unreadable", eye.name))
					continue
				}
				if s.WorseOrEqual(threshold) {
					reasons = append(reasons, fmt.Sprintf("%s eye distance acuity %s at or below %s", eye.name, s, threshold))
				}
			}
		}
	}

	if exam, ok := a.Paths[assessment.PathAbnormalityExam]; ok {
		switch {
		case !exam.Performed:
			reasons = append(reasons, "abnormality exam not performed: "+exam.NotPerformedReason)
		case exam.AbnormalityExam != nil:
			e := exam.AbnormalityExam
			if e.External == assessment.FindingAbnormal {
				reasons = append(reasons, "external finding abnormal")
			}
			if e.Motility == assessment.FindingAbnormal {
				reasons = append(reasons, "motility finding abnormal")
			}
			if e.ColorVision == assessment.ColorVisionDeficient {
				reasons = append(reasons, "color vision deficient")
			}
			if e.DepthPerception == assessment.DepthFail {
				reasons = append(reasons, "depth perception failed")
			}
		}
	}
	return reasons
}

// refractiveMagnitude is the larger absolute spherical equivalent of the
// two eyes, rounded to hundredths of a diopter.
func refractiveMagnitude(right, left assessment.EyeRefraction) float64 {
	r := math.Abs(right.SphericalEquivalent())
	l := math.Abs(left.SphericalEquivalent())
	return math.Round(math.Max(r, l)*100) / 100
}

func severityFromMagnitude(mag float64, t Thresholds) Severity {
	switch {
	case mag >= t.SevereFrom:
		return SeveritySevere
	case mag >= t.ModerateFrom:
		return SeverityModerate
	default:
		return SeverityMild
	}
}

func severityFromGrade(g PathologyGrade) Severity {
	switch g {
	case GradeMild:
		return SeverityMild
	case GradeModerate:
		return SeverityModerate
	default:
		return SeveritySevere
	}
}

// ValidateDetailed checks a detailed measurement before it is stored.
func ValidateDetailed(m DetailedMeasurement) error {
	var v domain.Validator
	assessment.ValidateRefraction(&v, "right", m.Right)
	assessment.ValidateRefraction(&v, "left", m.Left)
	v.Check(m.PathologyGrade >= GradeUnspecified && m.PathologyGrade <= GradeSevere,
		"pathology_grade", "must be between 0 and 3")
	if !m.PathologyIndicated {
		v.Check(m.PathologyGrade == GradeUnspecified, "pathology_grade", "only allowed when pathology is indicated")
	}
	return v.Err()
}

// Resolve turns a clinician input into a decision record against the
// engine recommendation. An empty input accepts the recommendation; any
// disagreement with it must carry an override reason.
func Resolve(rec Decision, in Input) (Decision, error) {
	if in.Empty() {
		return rec, nil
	}

	var v domain.Validator
	v.Check(validOutcomes[in.Outcome], "outcome", "must be normal or abnormal")
	if in.Outcome == Abnormal && rec.Stage == StageDetailed {
		v.Check(validCategories[in.Category], "category", "must be refractive_error, eye_disease or other")
	}
	if in.Severity != "" {
		v.Check(validSeverities[in.Severity], "severity", "must be none, mild, moderate or severe")
	}
	if err := v.Err(); err != nil {
		return Decision{}, err
	}

	d := rec
	d.Outcome = in.Outcome
	d.Recommended = false
	d.OverrideReason = in.OverrideReason

	switch {
	case in.Outcome == Normal:
		d.Category = ""
		d.Severity = SeverityNone
		d.Referral = false
		d.CorrectionRequired = false
	case rec.Stage == StageInitial:
		d.Category = Other
		d.Severity = in.Severity
	default:
		d.Category = in.Category
		if in.Severity != "" {
			d.Severity = in.Severity
		}
		switch in.Category {
		case EyeDisease:
			d.Referral = true
			d.CorrectionRequired = false
		case RefractiveError:
			d.Referral = false
			d.CorrectionRequired = true
		case Other:
			d.Referral = true
			d.CorrectionRequired = false
		}
		if in.Referral != nil {
			d.Referral = *in.Referral
		}
	}

	if agrees(rec, d) {
		d.Recommended = true
		d.OverrideReason = ""
		return d, nil
	}
	if in.OverrideReason == "" {
		v.Add("override_reason", "required when the decision differs from the recommendation")
		return Decision{}, v.Err()
	}
	return d, nil
}

func agrees(a, b Decision) bool {
	return a.Outcome == b.Outcome &&
		a.Category == b.Category &&
		a.Severity == b.Severity &&
		a.Referral == b.Referral &&
		a.CorrectionRequired == b.CorrectionRequired
}
