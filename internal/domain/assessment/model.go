package assessment

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PathKind identifies one of the three initial-assessment paths.
type PathKind string

const (
	PathAutoRefraction  PathKind = "auto_refraction"
	PathChartAcuity     PathKind = "chart_acuity"
	PathAbnormalityExam PathKind = "abnormality_exam"
)

// Paths lists every path a complete assessment must contain.
var Paths = []PathKind{PathAutoRefraction, PathChartAcuity, PathAbnormalityExam}

func (k PathKind) Valid() bool {
	switch k {
	case PathAutoRefraction, PathChartAcuity, PathAbnormalityExam:
		return true
	}
	return false
}

// EyeRefraction is a sphere/cylinder/axis reading for one eye.
type EyeRefraction struct {
	Sphere   float64 `json:"sphere"`
	Cylinder float64 `json:"cylinder"`
	Axis     int     `json:"axis"`
}

// SphericalEquivalent is sphere plus half the cylinder.
func (e EyeRefraction) SphericalEquivalent() float64 {
	return e.Sphere + e.Cylinder/2
}

// AutoRefraction is the structured result of the auto-refractor.
type AutoRefraction struct {
	Right             EyeRefraction `json:"right"`
	Left              EyeRefraction `json:"left"`
	PupillaryDistance float64       `json:"pupillary_distance"`
	QualityOK         bool          `json:"quality_ok"`
	QualityNote       string        `json:"quality_note,omitempty"`
}

type ChartType string

const (
	ChartSnellen   ChartType = "snellen"
	ChartLEA       ChartType = "lea"
	ChartHOTV      ChartType = "hotv"
	ChartTumblingE ChartType = "tumbling_e"
)

var validChartTypes = map[ChartType]bool{
	ChartSnellen: true, ChartLEA: true, ChartHOTV: true, ChartTumblingE: true,
}

// ChartAcuity holds Snellen fractions such as "20/40". Distance acuity per
// eye is required; binocular and near readings are optional.
type ChartAcuity struct {
	ChartType         ChartType `json:"chart_type"`
	DistanceRight     string    `json:"distance_right"`
	DistanceLeft      string    `json:"distance_left"`
	DistanceBinocular string    `json:"distance_binocular,omitempty"`
	NearRight         string    `json:"near_right,omitempty"`
	NearLeft          string    `json:"near_left,omitempty"`
	NearBinocular     string    `json:"near_binocular,omitempty"`
}

type Finding string

const (
	FindingNormal   Finding = "normal"
	FindingAbnormal Finding = "abnormal"
)

type ColorVision string

const (
	ColorVisionNormal    ColorVision = "normal"
	ColorVisionDeficient ColorVision = "deficient"
)

type DepthPerception string

const (
	DepthPass DepthPerception = "pass"
	DepthFail DepthPerception = "fail"
)

// AbnormalityExam is the external, motility, color and depth exam.
type AbnormalityExam struct {
	External        Finding         `json:"external"`
	ExternalNotes   string          `json:"external_notes,omitempty"`
	Motility        Finding         `json:"motility"`
	MotilityNotes   string          `json:"motility_notes,omitempty"`
	ColorVision     ColorVision     `json:"color_vision"`
	DepthPerception DepthPerception `json:"depth_perception"`
}

// PathResult is one submitted path: either performed with its data, or
// explicitly marked not performed with a reason.
type PathResult struct {
	Kind               PathKind         `json:"kind"`
	Performed          bool             `json:"performed"`
	NotPerformedReason string           `json:"not_performed_reason,omitempty"`
	AutoRefraction     *AutoRefraction  `json:"auto_refraction,omitempty"`
	ChartAcuity        *ChartAcuity     `json:"chart_acuity,omitempty"`
	AbnormalityExam    *AbnormalityExam `json:"abnormality_exam,omitempty"`
	SubmittedBy        string           `json:"submitted_by,omitempty"`
	SubmittedAt        time.Time        `json:"submitted_at"`
}

// Assessment is the merged initial assessment of one session.
type Assessment struct {
	ID          string                  `json:"id"`
	SessionID   string                  `json:"session_id"`
	Paths       map[PathKind]PathResult `json:"paths"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// Snellen is a parsed acuity fraction.
type Snellen struct {
	Numerator   int
	Denominator int
}

// MaxSnellenTerm bounds both terms of an acuity fraction. Real charts stop
// well below it.
const MaxSnellenTerm = 2000

// ParseSnellen parses "20/40" style fractions.
func ParseSnellen(s string) (Snellen, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Snellen{}, fmt.Errorf("acuity %q is not a fraction", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 || n > MaxSnellenTerm {
		return Snellen{}, fmt.Errorf("acuity %q has an invalid numerator", s)
	}
	d, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || d <= 0 || d > MaxSnellenTerm {
		return Snellen{}, fmt.Errorf("acuity %q has an invalid denominator", s)
	}
	return Snellen{Numerator: n, Denominator: d}, nil
}

// WorseOrEqual reports whether s is no better than other. Fractions are
// compared by cross-multiplication so 6/12 and 20/40 are equal.
func (s Snellen) WorseOrEqual(other Snellen) bool {
	return int64(s.Numerator)*int64(other.Denominator) <= int64(other.Numerator)*int64(s.Denominator)
}

func (s Snellen) String() string {
	return fmt.Sprintf("%d/%d", s.Numerator, s.Denominator)
}
