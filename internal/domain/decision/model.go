package decision

import (
	"time"

	"github.com/visionpath/screening/internal/domain/assessment"
)

type Outcome string

const (
	Normal   Outcome = "normal"
	Abnormal Outcome = "abnormal"
)

type Category string

const (
	RefractiveError Category = "refractive_error"
	EyeDisease      Category = "eye_disease"
	Other           Category = "other"
)

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Stage is the point in the pathway at which a decision was made.
type Stage string

const (
	StageInitial  Stage = "initial"
	StageDetailed Stage = "detailed"
)

var (
	validOutcomes   = map[Outcome]bool{Normal: true, Abnormal: true}
	validCategories = map[Category]bool{RefractiveError: true, EyeDisease: true, Other: true}
	validSeverities = map[Severity]bool{SeverityNone: true, SeverityMild: true, SeverityModerate: true, SeveritySevere: true}
)

// PathologyGrade is the fixed ordinal scale for detected pathology.
// GradeUnspecified is treated as the most severe grade.
type PathologyGrade int

const (
	GradeUnspecified PathologyGrade = 0
	GradeMild        PathologyGrade = 1
	GradeModerate    PathologyGrade = 2
	GradeSevere      PathologyGrade = 3
)

// DetailedMeasurement is the secondary evaluation recorded only after an
// abnormal initial decision.
type DetailedMeasurement struct {
	ID                 string                   `json:"id"`
	SessionID          string                   `json:"session_id"`
	Right              assessment.EyeRefraction `json:"right"`
	Left               assessment.EyeRefraction `json:"left"`
	Cycloplegic        bool                     `json:"cycloplegic"`
	PathologyIndicated bool                     `json:"pathology_indicated"`
	PathologyGrade     PathologyGrade           `json:"pathology_grade,omitempty"`
	PathologyNotes     string                   `json:"pathology_notes,omitempty"`
	Notes              string                   `json:"notes,omitempty"`
	MeasuredBy         string                   `json:"measured_by,omitempty"`
	MeasuredAt         time.Time                `json:"measured_at"`
}

// Decision is an immutable clinical decision record. Corrections are new
// records that name the record they replace in Supersedes.
type Decision struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	Outcome             Outcome   `json:"outcome"`
	Category            Category  `json:"category,omitempty"`
	Severity            Severity  `json:"severity"`
	Referral            bool      `json:"referral"`
	CorrectionRequired  bool      `json:"correction_required"`
	Stage               Stage     `json:"stage"`
	Reasons             []string  `json:"reasons,omitempty"`
	RefractiveMagnitude float64   `json:"refractive_magnitude,omitempty"`
	Recommended         bool      `json:"recommended"`
	OverrideReason      string    `json:"override_reason,omitempty"`
	Supersedes          string    `json:"supersedes,omitempty"`
	DecidedBy           string    `json:"decided_by,omitempty"`
	DecidedAt           time.Time `json:"decided_at"`
}

// Input is a clinician's explicit decision. The zero value means "accept
// the engine recommendation".
type Input struct {
	Outcome        Outcome  `json:"outcome,omitempty"`
	Category       Category `json:"category,omitempty"`
	Severity       Severity `json:"severity,omitempty"`
	Referral       *bool    `json:"referral,omitempty"`
	OverrideReason string   `json:"override_reason,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// Empty reports whether the input carries no explicit decision.
func (in Input) Empty() bool {
	return in.Outcome == "" && in.Category == "" && in.Severity == "" && in.Referral == nil
}

// Route is the branch a decision sends the session down.
type Route string

const (
	RouteClose     Route = "close"
	RouteDetailed  Route = "detailed_measurement"
	RouteRefer     Route = "refer"
	RoutePrescribe Route = "prescribe"
)

// RouteOf maps a decision onto the next pathway branch.
func RouteOf(d Decision) Route {
	switch {
	case d.Outcome == Normal:
		return RouteClose
	case d.Stage == StageInitial:
		return RouteDetailed
	case d.Referral:
		return RouteRefer
	case d.Category == RefractiveError && d.CorrectionRequired:
		return RoutePrescribe
	default:
		return RouteRefer
	}
}
