// Package registration validates patient intake at the mobile unit: who is
// screened, by whom, on which calibrated equipment, and with whose consent.
package registration

import (
	"strings"
	"time"

	"github.com/visionpath/screening/internal/domain"
)

// Calibration is the equipment snapshot taken when the session starts.
type Calibration struct {
	DeviceID     string             `json:"device_id"`
	DeviceModel  string             `json:"device_model,omitempty"`
	CalibratedAt time.Time          `json:"calibrated_at"`
	Values       map[string]float64 `json:"values,omitempty"`
}

type ConsentMethod string

const (
	ConsentWritten ConsentMethod = "written"
	ConsentVerbal  ConsentMethod = "verbal"
	ConsentDigital ConsentMethod = "digital"
)

// Consent is the guardian's agreement to screening.
type Consent struct {
	Given      bool          `json:"given"`
	GivenBy    string        `json:"given_by,omitempty"`
	Method     ConsentMethod `json:"method,omitempty"`
	RecordedAt *time.Time    `json:"recorded_at,omitempty"`
}

// Equipment records the pre-screening readiness check for each path.
type Equipment struct {
	AutoRefractor bool   `json:"auto_refractor"`
	AcuityChart   bool   `json:"acuity_chart"`
	ExamKit       bool   `json:"exam_kit"`
	Notes         string `json:"notes,omitempty"`
}

// Ready reports whether every instrument passed its check.
func (e Equipment) Ready() bool {
	return e.AutoRefractor && e.AcuityChart && e.ExamKit
}

// Intake is everything captured at registration.
type Intake struct {
	PatientRef   string      `json:"patient_ref"`
	ExaminerRef  string      `json:"examiner_ref"`
	SiteRef      string      `json:"site_ref"`
	RecipientRef string      `json:"recipient_ref,omitempty"`
	Calibration  Calibration `json:"calibration"`
	Consent      *Consent    `json:"consent,omitempty"`
	Equipment    *Equipment  `json:"equipment,omitempty"`

	// FollowUpID is set when the session is spawned by a follow-up.
	FollowUpID string `json:"followup_id,omitempty"`
}

// Policy bounds how old a calibration may be. Zero disables the check.
type Policy struct {
	MaxCalibrationAge time.Duration
}

// Validate checks the intake fields required to open a session.
func (p Policy) Validate(in Intake, now time.Time) error {
	var v domain.Validator
	v.Check(strings.TrimSpace(in.PatientRef) != "", "patient_ref", "required")
	v.Check(strings.TrimSpace(in.ExaminerRef) != "", "examiner_ref", "required")
	v.Check(strings.TrimSpace(in.SiteRef) != "", "site_ref", "required")
	v.Merge("calibration", p.validateCalibration(in.Calibration, now))
	if in.Consent != nil {
		v.Merge("consent", validateConsent(*in.Consent))
	}
	return v.Err()
}

func (p Policy) validateCalibration(c Calibration, now time.Time) error {
	var v domain.Validator
	v.Check(c.DeviceID != "", "device_id", "required")
	switch {
	case c.CalibratedAt.IsZero():
		v.Add("calibrated_at", "required")
	case c.CalibratedAt.After(now):
		v.Add("calibrated_at", "must not be in the future")
	case p.MaxCalibrationAge > 0 && now.Sub(c.CalibratedAt) > p.MaxCalibrationAge:
		v.Add("calibrated_at", "calibration has expired")
	}
	return v.Err()
}

func validateConsent(c Consent) error {
	if !c.Given {
		return nil
	}
	var v domain.Validator
	v.Check(c.GivenBy != "", "given_by", "required when consent is given")
	switch c.Method {
	case ConsentWritten, ConsentVerbal, ConsentDigital:
	default:
		v.Add("method", "must be written, verbal or digital")
	}
	return v.Err()
}

// Readiness is the consent and equipment state that gates the assessment.
type Readiness struct {
	Consent   *Consent   `json:"consent,omitempty"`
	Equipment *Equipment `json:"equipment,omitempty"`
}

// Merge overlays r onto the values captured at intake.
func (r Readiness) Merge(consent *Consent, equipment *Equipment) (*Consent, *Equipment) {
	if r.Consent != nil {
		consent = r.Consent
	}
	if r.Equipment != nil {
		equipment = r.Equipment
	}
	return consent, equipment
}

// CheckReady fails unless consent was given and every instrument is ready.
func CheckReady(consent *Consent, equipment *Equipment) error {
	var v domain.Validator
	switch {
	case consent == nil || !consent.Given:
		v.Add("consent", "guardian consent is required before assessment")
	default:
		v.Merge("consent", validateConsent(*consent))
	}
	switch {
	case equipment == nil:
		v.Add("equipment", "readiness check not recorded")
	case !equipment.Ready():
		var missing []string
		if !equipment.AutoRefractor {
			missing = append(missing, "auto_refractor")
		}
		if !equipment.AcuityChart {
			missing = append(missing, "acuity_chart")
		}
		if !equipment.ExamKit {
			missing = append(missing, "exam_kit")
		}
		v.Add("equipment", "not ready: "+strings.Join(missing, ", "))
	}
	return v.Err()
}
