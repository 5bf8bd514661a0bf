package assessment

import (
	"math"
	"reflect"
	"time"

	"github.com/visionpath/screening/internal/domain"
)

// SubmitResult describes what a path submission did to the assessment.
type SubmitResult int

const (
	// Unchanged means an identical result was already recorded.
	Unchanged SubmitResult = iota
	Added
	Replaced
)

func New(id, sessionID string) *Assessment {
	return &Assessment{
		ID:        id,
		SessionID: sessionID,
		Paths:     make(map[PathKind]PathResult),
	}
}

// Submit validates p and merges it into the assessment. Resubmitting the
// same content for a path is a no-op; different content replaces the
// previous result.
func (a *Assessment) Submit(p PathResult) (SubmitResult, error) {
	if err := Validate(p); err != nil {
		return Unchanged, err
	}
	if a.Paths == nil {
		a.Paths = make(map[PathKind]PathResult)
	}

	prev, ok := a.Paths[p.Kind]
	if ok && sameContent(prev, p) {
		return Unchanged, nil
	}
	a.Paths[p.Kind] = p
	if ok {
		return Replaced, nil
	}
	return Added, nil
}

// Complete reports whether every path is present.
func (a *Assessment) Complete() bool {
	return len(a.Missing()) == 0
}

// Missing returns the paths not yet submitted, in canonical order.
func (a *Assessment) Missing() []PathKind {
	var out []PathKind
	for _, k := range Paths {
		if _, ok := a.Paths[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// MarkComplete stamps the completion time once.
func (a *Assessment) MarkComplete(now time.Time) {
	if a.CompletedAt == nil {
		t := now
		a.CompletedAt = &t
	}
}

func sameContent(a, b PathResult) bool {
	a.SubmittedAt, b.SubmittedAt = time.Time{}, time.Time{}
	a.SubmittedBy, b.SubmittedBy = "", ""
	return reflect.DeepEqual(a, b)
}

// Validate checks a single path result without touching any state.
func Validate(p PathResult) error {
	var v domain.Validator

	if !p.Kind.Valid() {
		v.Add("kind", "must be one of auto_refraction, chart_acuity, abnormality_exam")
		return v.Err()
	}

	if !p.Performed {
		v.Check(p.NotPerformedReason != "", "not_performed_reason", "required when the path was not performed")
		v.Check(p.AutoRefraction == nil && p.ChartAcuity == nil && p.AbnormalityExam == nil,
			"performed", "a path marked not performed cannot carry results")
		return v.Err()
	}

	switch p.Kind {
	case PathAutoRefraction:
		v.Check(p.ChartAcuity == nil && p.AbnormalityExam == nil, p.Kind.field(), "only auto refraction data is accepted")
		if p.AutoRefraction == nil {
			v.Add("auto_refraction", "required")
			break
		}
		validateAutoRefraction(&v, p.AutoRefraction)
	case PathChartAcuity:
		v.Check(p.AutoRefraction == nil && p.AbnormalityExam == nil, p.Kind.field(), "only chart acuity data is accepted")
		if p.ChartAcuity == nil {
			v.Add("chart_acuity", "required")
			break
		}
		validateChartAcuity(&v, p.ChartAcuity)
	case PathAbnormalityExam:
		v.Check(p.AutoRefraction == nil && p.ChartAcuity == nil, p.Kind.field(), "only abnormality exam data is accepted")
		if p.AbnormalityExam == nil {
			v.Add("abnormality_exam", "required")
			break
		}
		validateAbnormalityExam(&v, p.AbnormalityExam)
	}
	return v.Err()
}

func (k PathKind) field() string { return string(k) }

// ValidateRefraction checks a sphere/cylinder/axis reading under prefix.
func ValidateRefraction(v *domain.Validator, prefix string, e EyeRefraction) {
	v.Check(!math.IsNaN(e.Sphere) && e.Sphere >= -30 && e.Sphere <= 30, prefix+".sphere", "must be between -30 and +30 D")
	v.Check(!math.IsNaN(e.Cylinder) && e.Cylinder >= -10 && e.Cylinder <= 10, prefix+".cylinder", "must be between -10 and +10 D")
	v.Check(e.Axis >= 0 && e.Axis <= 180, prefix+".axis", "must be between 0 and 180")
	if e.Cylinder != 0 {
		v.Check(e.Axis >= 1, prefix+".axis", "required when cylinder is non-zero")
	}
}

func validateAutoRefraction(v *domain.Validator, a *AutoRefraction) {
	ValidateRefraction(v, "auto_refraction.right", a.Right)
	ValidateRefraction(v, "auto_refraction.left", a.Left)
	v.Check(a.PupillaryDistance >= 30 && a.PupillaryDistance <= 80,
		"auto_refraction.pupillary_distance", "must be between 30 and 80 mm")
	if !a.QualityOK {
		v.Check(a.QualityNote != "", "auto_refraction.quality_note", "required when the reading quality is flagged")
	}
}

func validateChartAcuity(v *domain.Validator, c *ChartAcuity) {
	v.Check(validChartTypes[c.ChartType], "chart_acuity.chart_type", "must be one of snellen, lea, hotv, tumbling_e")

	required := map[string]string{
		"chart_acuity.distance_right": c.DistanceRight,
		"chart_acuity.distance_left":  c.DistanceLeft,
	}
	for field, val := range required {
		if val == "" {
			v.Add(field, "required")
			continue
		}
		if _, err := ParseSnellen(val); err != nil {
			v.Add(field, err.Error())
		}
	}

	optional := map[string]string{
		"chart_acuity.distance_binocular": c.DistanceBinocular,
		"chart_acuity.near_right":         c.NearRight,
		"chart_acuity.near_left":          c.NearLeft,
		"chart_acuity.near_binocular":     c.NearBinocular,
	}
	for field, val := range optional {
		if val == "" {
			continue
		}
		if _, err := ParseSnellen(val); err != nil {
			v.Add(field, err.Error())
		}
	}
}

func validateAbnormalityExam(v *domain.Validator, e *AbnormalityExam) {
	v.Check(e.External == FindingNormal || e.External == FindingAbnormal,
		"abnormality_exam.external", "must be normal or abnormal")
	v.Check(e.Motility == FindingNormal || e.Motility == FindingAbnormal,
		"abnormality_exam.motility", "must be normal or abnormal")
	v.Check(e.ColorVision == ColorVisionNormal || e.ColorVision == ColorVisionDeficient,
		"abnormality_exam.color_vision", "must be normal or deficient")
	v.Check(e.DepthPerception == DepthPass || e.DepthPerception == DepthFail,
		"abnormality_exam.depth_perception", "must be pass or fail")
	if e.External == FindingAbnormal {
		v.Check(e.ExternalNotes != "", "abnormality_exam.external_notes", "required when the external finding is abnormal")
	}
	if e.Motility == FindingAbnormal {
		v.Check(e.MotilityNotes != "", "abnormality_exam.motility_notes", "required when the motility finding is abnormal")
	}
}
