// Package manufacturing tracks an external lens order from placement to
// fitting. Orders only move to their immediate successor; Cancelled is
// reachable from every state before FittingComplete.
package manufacturing

import (
	"fmt"
	"time"

	"github.com/visionpath/screening/internal/domain"
)

type State string

const (
	Ordered           State = "ordered"
	InProduction      State = "in_production"
	QualityChecked    State = "quality_checked"
	Shipped           State = "shipped"
	DeliveryConfirmed State = "delivery_confirmed"
	FittingScheduled  State = "fitting_scheduled"
	FittingComplete   State = "fitting_complete"
	Cancelled         State = "cancelled"
)

// sequence is the forward order of non-cancelled states.
var sequence = []State{
	Ordered, InProduction, QualityChecked, Shipped,
	DeliveryConfirmed, FittingScheduled, FittingComplete,
}

var position = func() map[State]int {
	m := make(map[State]int, len(sequence))
	for i, s := range sequence {
		m[s] = i
	}
	return m
}()

func (s State) Valid() bool {
	_, ok := position[s]
	return ok || s == Cancelled
}

func (s State) Terminal() bool {
	return s == FittingComplete || s == Cancelled
}

// Next returns the immediate successor of s.
func (s State) Next() (State, bool) {
	i, ok := position[s]
	if !ok || i == len(sequence)-1 {
		return "", false
	}
	return sequence[i+1], true
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to State) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == Cancelled {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

type DeliveryMethod string

const (
	SitePickup     DeliveryMethod = "site_pickup"
	DirectDelivery DeliveryMethod = "direct_delivery"
)

func (m DeliveryMethod) Valid() bool {
	return m == SitePickup || m == DirectDelivery
}

// Transition is one entry of an order's append-only history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	By     string    `json:"by,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

type Order struct {
	ID                  string         `json:"id"`
	SessionID           string         `json:"session_id"`
	PrescriptionID      string         `json:"prescription_id"`
	State               State          `json:"state"`
	PlacedAt            time.Time      `json:"placed_at"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	ActualCompletion    *time.Time     `json:"actual_completion,omitempty"`
	DeliveryMethod      DeliveryMethod `json:"delivery_method,omitempty"`
	TrackingRef         string         `json:"tracking_ref,omitempty"`
	Vendor              string         `json:"vendor,omitempty"`
	RemakeOf            string         `json:"remake_of,omitempty"`
	RemakeReason        string         `json:"remake_reason,omitempty"`
	RemadeBy            string         `json:"remade_by,omitempty"`
	CancelReason        string         `json:"cancel_reason,omitempty"`
	History             []Transition   `json:"history"`
}

// Placement is the input for a new order.
type Placement struct {
	Vendor              string     `json:"vendor,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// NewOrder places an order in Ordered.
func NewOrder(id, sessionID, prescriptionID string, p Placement, by string, now time.Time) *Order {
	return &Order{
		ID:                  id,
		SessionID:           sessionID,
		PrescriptionID:      prescriptionID,
		State:               Ordered,
		PlacedAt:            now,
		EstimatedCompletion: p.EstimatedCompletion,
		Vendor:              p.Vendor,
		History:             []Transition{{To: Ordered, At: now, By: by}},
	}
}

// Advance is a requested order transition.
type Advance struct {
	To                  State          `json:"to"`
	DeliveryMethod      DeliveryMethod `json:"delivery_method,omitempty"`
	TrackingRef         string         `json:"tracking_ref,omitempty"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	Reason              string         `json:"reason,omitempty"`
	By                  string         `json:"-"`
}

// Apply moves the order to a.To. On any error the order is left unchanged.
func (o *Order) Apply(a Advance, now time.Time) error {
	if !a.To.Valid() {
		return &domain.ValidationError{Fields: map[string]string{"to": fmt.Sprintf("unknown order state %q", a.To)}}
	}
	if !CanTransition(o.State, a.To) {
		return fmt.Errorf("%w: order %s cannot move from %s to %s", domain.ErrIllegalTransition, o.ID, o.State, a.To)
	}

	var v domain.Validator
	switch a.To {
	case Shipped:
		v.Check(a.DeliveryMethod.Valid(), "delivery_method", "site_pickup or direct_delivery is required when shipping")
		if a.DeliveryMethod == DirectDelivery {
			v.Check(a.TrackingRef != "", "tracking_ref", "required for direct delivery")
		}
	case Cancelled:
		v.Check(a.Reason != "", "reason", "required when cancelling an order")
	}
	if err := v.Err(); err != nil {
		return err
	}

	switch a.To {
	case QualityChecked:
		t := now
		o.ActualCompletion = &t
	case Shipped:
		o.DeliveryMethod = a.DeliveryMethod
		o.TrackingRef = a.TrackingRef
	case Cancelled:
		o.CancelReason = a.Reason
	}
	if a.EstimatedCompletion != nil {
		o.EstimatedCompletion = a.EstimatedCompletion
	}

	o.History = append(o.History, Transition{From: o.State, To: a.To, At: now, By: a.By, Reason: a.Reason})
	o.State = a.To
	return nil
}

// Remake spawns a new order linked to o, starting in InProduction. Only a
// completed fitting can be remade; o itself is not modified.
func (o *Order) Remake(id, prescriptionID, reason, by string, now time.Time) (*Order, error) {
	if o.State != FittingComplete {
		return nil, fmt.Errorf("%w: order %s is %s, remake requires %s",
			domain.ErrIllegalTransition, o.ID, o.State, FittingComplete)
	}
	if reason == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"reason": "required for a remake"}}
	}
	if prescriptionID == "" {
		prescriptionID = o.PrescriptionID
	}
	return &Order{
		ID:             id,
		SessionID:      o.SessionID,
		PrescriptionID: prescriptionID,
		State:          InProduction,
		PlacedAt:       now,
		Vendor:         o.Vendor,
		RemakeOf:       o.ID,
		RemakeReason:   reason,
		RemadeBy:       by,
		History: []Transition{
			{To: Ordered, At: now, By: by, Reason: "remake of " + o.ID},
			{From: Ordered, To: InProduction, At: now, By: by, Reason: reason},
		},
	}, nil
}

// Open reports whether the order still counts against the session.
func (o *Order) Open() bool {
	return o.State != Cancelled && o.State != FittingComplete
}
