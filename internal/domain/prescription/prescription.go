// Package prescription captures the final optical parameters and frame
// selection for a session that requires correction.
package prescription

import (
	"math"
	"time"

	"github.com/visionpath/screening/internal/domain"
)

type LensMaterial string

const (
	MaterialPolycarbonate LensMaterial = "polycarbonate"
	MaterialTrivex        LensMaterial = "trivex"
	MaterialCR39          LensMaterial = "cr39"
	MaterialHighIndex     LensMaterial = "high_index"
)

var validMaterials = map[LensMaterial]bool{
	MaterialPolycarbonate: true, MaterialTrivex: true, MaterialCR39: true, MaterialHighIndex: true,
}

type Coating string

const (
	CoatingAntiReflective   Coating = "anti_reflective"
	CoatingScratchResistant Coating = "scratch_resistant"
	CoatingUV               Coating = "uv_protection"
	CoatingBlueLight        Coating = "blue_light"
	CoatingPhotochromic     Coating = "photochromic"
)

var validCoatings = map[Coating]bool{
	CoatingAntiReflective: true, CoatingScratchResistant: true, CoatingUV: true,
	CoatingBlueLight: true, CoatingPhotochromic: true,
}

var validPrismBases = map[string]bool{"up": true, "down": true, "in": true, "out": true}

// EyeLens is the prescribed lens for one eye.
type EyeLens struct {
	Sphere    float64  `json:"sphere"`
	Cylinder  float64  `json:"cylinder"`
	Axis      int      `json:"axis"`
	Add       *float64 `json:"add,omitempty"`
	Prism     *float64 `json:"prism,omitempty"`
	PrismBase string   `json:"prism_base,omitempty"`
}

type Frame struct {
	Model string `json:"model"`
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
}

// Input is the editable content of a prescription.
type Input struct {
	Right             EyeLens      `json:"right"`
	Left              EyeLens      `json:"left"`
	PupillaryDistance float64      `json:"pupillary_distance"`
	VertexDistance    float64      `json:"vertex_distance"`
	Frame             Frame        `json:"frame"`
	Material          LensMaterial `json:"material"`
	Coatings          []Coating    `json:"coatings,omitempty"`
	Notes             string       `json:"notes,omitempty"`
}

type Prescription struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	PatientRef string    `json:"patient_ref"`
	DecisionID string    `json:"decision_id"`
	Revision   int       `json:"revision"`
	RevisionOf string    `json:"revision_of,omitempty"`
	Input
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New builds the first revision of a prescription for a decision.
func New(id, sessionID, patientRef, decisionID string, in Input, by string, now time.Time) (*Prescription, error) {
	var v domain.Validator
	v.Check(decisionID != "", "decision_id", "a clinical decision is required before prescribing")
	v.Merge("", Validate(in))
	if err := v.Err(); err != nil {
		return nil, err
	}
	return &Prescription{
		ID:         id,
		SessionID:  sessionID,
		PatientRef: patientRef,
		DecisionID: decisionID,
		Revision:   1,
		Input:      in,
		CreatedBy:  by,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Apply edits the prescription in place. The caller must have checked that
// no order referencing it has left Ordered.
func (p *Prescription) Apply(in Input, now time.Time) error {
	if err := Validate(in); err != nil {
		return err
	}
	p.Input = in
	p.UpdatedAt = now
	return nil
}

// Revise creates a new revision linked to p.
func (p *Prescription) Revise(id string, in Input, by string, now time.Time) (*Prescription, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	return &Prescription{
		ID:         id,
		SessionID:  p.SessionID,
		PatientRef: p.PatientRef,
		DecisionID: p.DecisionID,
		Revision:   p.Revision + 1,
		RevisionOf: p.ID,
		Input:      in,
		CreatedBy:  by,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Validate checks optical parameters against dispensing limits. Powers must
// be in quarter-diopter steps.
func Validate(in Input) error {
	var v domain.Validator
	validateLens(&v, "right", in.Right)
	validateLens(&v, "left", in.Left)
	v.Check(in.PupillaryDistance >= 40 && in.PupillaryDistance <= 80, "pupillary_distance", "must be between 40 and 80 mm")
	v.Check(in.VertexDistance >= 8 && in.VertexDistance <= 20, "vertex_distance", "must be between 8 and 20 mm")
	v.Check(in.Frame.Model != "", "frame.model", "required")
	v.Check(validMaterials[in.Material], "material", "must be polycarbonate, trivex, cr39 or high_index")
	seen := make(map[Coating]bool, len(in.Coatings))
	for _, c := range in.Coatings {
		v.Check(validCoatings[c], "coatings", "unknown coating "+string(c))
		v.Check(!seen[c], "coatings", "duplicate coating "+string(c))
		seen[c] = true
	}
	return v.Err()
}

func validateLens(v *domain.Validator, eye string, l EyeLens) {
	v.Check(l.Sphere >= -20 && l.Sphere <= 20 && quarterStep(l.Sphere), eye+".sphere",
		"must be between -20 and +20 D in 0.25 steps")
	v.Check(l.Cylinder >= -6 && l.Cylinder <= 6 && quarterStep(l.Cylinder), eye+".cylinder",
		"must be between -6 and +6 D in 0.25 steps")
	if l.Cylinder != 0 {
		v.Check(l.Axis >= 1 && l.Axis <= 180, eye+".axis", "must be between 1 and 180 when cylinder is set")
	} else {
		v.Check(l.Axis >= 0 && l.Axis <= 180, eye+".axis", "must be between 0 and 180")
	}
	if l.Add != nil {
		v.Check(*l.Add > 0 && *l.Add <= 4 && quarterStep(*l.Add), eye+".add", "must be between +0.25 and +4.00 D")
	}
	if l.Prism != nil {
		v.Check(*l.Prism > 0 && *l.Prism <= 10, eye+".prism", "must be between 0 and 10 prism diopters")
		v.Check(validPrismBases[l.PrismBase], eye+".prism_base", "must be up, down, in or out")
	}
}

func quarterStep(x float64) bool {
	q := x * 4
	return math.Abs(q-math.Round(q)) < 1e-9
}
