package screening

import (
	"context"
	"fmt"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/domain/manufacturing"
	"github.com/visionpath/screening/internal/domain/prescription"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

// VersionedOrder is an order with the store version callers pass back as
// the expected version of their next advance.
type VersionedOrder struct {
	*manufacturing.Order
	Version int64 `json:"version"`
}

// PlaceManufacturingOrder sends the current prescription to the lab.
func (c *Coordinator) PlaceManufacturingOrder(ctx context.Context, sessionID string, pl manufacturing.Placement, actor string) (*VersionedOrder, error) {
	var o *manufacturing.Order
	err := c.run(ctx, "place_order", sessionID, func(ctx context.Context) error {
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, PrescriptionCreated); err != nil {
			return err
		}

		ch := c.begin(actor)
		o = manufacturing.NewOrder(c.newID(), s.ID, s.PrescriptionID, pl, actor, ch.now)
		if err := c.putOrder(ch, o, 0); err != nil {
			return err
		}
		detail := map[string]string{"order_id": o.ID, "prescription_id": o.PrescriptionID}
		if s.OrderID != "" {
			detail["replaces_order"] = s.OrderID
		}
		s.OrderID = o.ID
		ev, err := ch.transition(s, ManufacturingOrdered, dispatch.OrderPlaced, o.ID, detail)
		if err != nil {
			return err
		}
		ev.Artifact = &dispatch.Artifact{Type: "order", ID: o.ID}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &VersionedOrder{Order: o, Version: 1}, nil
}

// AdvanceRequest moves the open order one step. ExpectedVersion, when set,
// must match the order's stored version.
type AdvanceRequest struct {
	manufacturing.Advance
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

// AdvanceManufacturing applies an order transition and mirrors it onto the
// session: DeliveryConfirmed delivers the session, FittingComplete completes
// the fitting and schedules the post-fitting follow-up, and Cancelled returns
// the session to PrescriptionCreated for a replacement order.
func (c *Coordinator) AdvanceManufacturing(ctx context.Context, sessionID string, req AdvanceRequest, actor string) (*VersionedOrder, error) {
	var out *VersionedOrder
	err := c.run(ctx, "advance_manufacturing", sessionID, func(ctx context.Context) error {
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, ManufacturingOrdered, Delivered); err != nil {
			return err
		}
		var o manufacturing.Order
		version, err := c.load(ctx, store.ManufacturingOrders, s.OrderID, &o)
		if err != nil {
			return err
		}
		if req.ExpectedVersion > 0 && req.ExpectedVersion != version {
			return fmt.Errorf("order %s at version %d, expected %d: %w",
				o.ID, version, req.ExpectedVersion, domain.ErrStaleWrite)
		}

		ch := c.begin(actor)
		from := o.State
		req.By = actor
		if err := o.Apply(req.Advance, ch.now); err != nil {
			return err
		}
		if err := c.putOrder(ch, &o, version); err != nil {
			return err
		}

		detail := map[string]string{
			"order_id":   o.ID,
			"order_from": string(from),
			"order_to":   string(o.State),
		}
		if o.DeliveryMethod != "" {
			detail["delivery_method"] = string(o.DeliveryMethod)
		}
		if req.Reason != "" {
			detail["reason"] = req.Reason
		}

		var ev *dispatch.Event
		switch o.State {
		case manufacturing.DeliveryConfirmed:
			ev, err = ch.transition(s, Delivered, dispatch.SessionDelivered, o.ID, detail)
		case manufacturing.FittingComplete:
			if ev, err = ch.transition(s, FittingComplete, dispatch.FittingCompleted, o.ID, detail); err != nil {
				return err
			}
			err = c.awaitFollowUp(ch, s)
		case manufacturing.Cancelled:
			ev, err = ch.transition(s, PrescriptionCreated, dispatch.OrderAdvanced, o.ID, detail)
		default:
			ev = ch.note(s, dispatch.OrderAdvanced, o.ID, detail)
		}
		if err != nil {
			return err
		}
		ev.Artifact = &dispatch.Artifact{Type: "order", ID: o.ID}
		if err := ch.commit(ctx); err != nil {
			return err
		}
		out = &VersionedOrder{Order: &o, Version: version + 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// awaitFollowUp schedules the post-fitting check and parks the session in
// FollowUpPending.
func (c *Coordinator) awaitFollowUp(ch *change, s *Session) error {
	f, err := c.stageFollowUp(ch, s, followup.SixMonth, c.opts.Offsets.PostFitting(ch.now), "post-fitting check")
	if err != nil {
		return err
	}
	ev, err := ch.transition(s, FollowUpPending, dispatch.FollowUpScheduled, f.ID, map[string]string{
		"followup_id":   f.ID,
		"followup_type": string(f.Type),
		"due_date":      f.DueAt.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}
	ev.Artifact = &dispatch.Artifact{Type: "followup", ID: f.ID}
	return nil
}

// RemakeRequest asks for replacement lenses after fitting. Prescription,
// when set, becomes a new revision linked to the current one.
type RemakeRequest struct {
	Reason       string              `json:"reason"`
	Prescription *prescription.Input `json:"prescription,omitempty"`
}

// RequestRemake spawns a replacement order at InProduction, cancels the
// pending post-fitting follow-up and returns the session to
// ManufacturingOrdered.
func (c *Coordinator) RequestRemake(ctx context.Context, sessionID string, req RemakeRequest, actor string) (*VersionedOrder, error) {
	var next *manufacturing.Order
	err := c.run(ctx, "request_remake", sessionID, func(ctx context.Context) error {
		if err := requireReason(req.Reason); err != nil {
			return err
		}
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, FittingComplete, FollowUpPending); err != nil {
			return err
		}
		var o manufacturing.Order
		if _, err := c.load(ctx, store.ManufacturingOrders, s.OrderID, &o); err != nil {
			return err
		}

		ch := c.begin(actor)
		detail := map[string]string{"remake_of": o.ID, "reason": req.Reason}
		if req.Prescription != nil {
			var p prescription.Prescription
			if _, err := c.load(ctx, store.Prescriptions, s.PrescriptionID, &p); err != nil {
				return err
			}
			revised, err := p.Revise(c.newID(), *req.Prescription, actor, ch.now)
			if err != nil {
				return err
			}
			if err := c.putPrescription(ch, revised, 0); err != nil {
				return err
			}
			s.PrescriptionID = revised.ID
			detail["prescription_id"] = revised.ID
			pev := ch.note(s, dispatch.PrescriptionUpdated, revised.ID, map[string]string{"revision_of": p.ID})
			pev.Artifact = &dispatch.Artifact{Type: "prescription", ID: revised.ID}
		}

		if next, err = o.Remake(c.newID(), s.PrescriptionID, req.Reason, actor, ch.now); err != nil {
			return err
		}
		if err := c.putOrder(ch, next, 0); err != nil {
			return err
		}
		s.OrderID = next.ID
		detail["order_id"] = next.ID

		open, err := c.openFollowUps(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, f := range open {
			if f.Type == followup.SixMonth && f.Cancel("remake requested", ch.now) {
				if err := ch.putFollowUp(f); err != nil {
					return err
				}
				detail["cancelled_followup"] = f.ID
			}
		}

		ev, err := ch.transition(s, ManufacturingOrdered, dispatch.OrderRemade, next.ID, detail)
		if err != nil {
			return err
		}
		ev.Artifact = &dispatch.Artifact{Type: "order", ID: next.ID}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &VersionedOrder{Order: next, Version: 1}, nil
}

func (c *Coordinator) putOrder(ch *change, o *manufacturing.Order, version int64) error {
	return ch.put(store.ManufacturingOrders, o.ID, o.SessionID, string(o.State), o.PrescriptionID, nil, o, version)
}
