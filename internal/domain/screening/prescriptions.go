package screening

import (
	"context"
	"strconv"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/manufacturing"
	"github.com/visionpath/screening/internal/domain/prescription"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

// CreatePrescription writes the lens prescription for a refractive-error
// decision.
func (c *Coordinator) CreatePrescription(ctx context.Context, sessionID string, in prescription.Input, actor string) (*prescription.Prescription, error) {
	var p *prescription.Prescription
	err := c.run(ctx, "create_prescription", sessionID, func(ctx context.Context) error {
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, PrescriptionRequired); err != nil {
			return err
		}

		ch := c.begin(actor)
		if p, err = prescription.New(c.newID(), s.ID, s.PatientRef, s.DecisionID, in, actor, ch.now); err != nil {
			return err
		}
		if err := c.putPrescription(ch, p, 0); err != nil {
			return err
		}
		s.PrescriptionID = p.ID
		ev, err := ch.transition(s, PrescriptionCreated, dispatch.PrescriptionCreated, p.ID, map[string]string{
			"decision_id": p.DecisionID,
			"revision":    strconv.Itoa(p.Revision),
		})
		if err != nil {
			return err
		}
		ev.Artifact = &dispatch.Artifact{Type: "prescription", ID: p.ID}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePrescription edits the current prescription in place. Once its
// order has left Ordered the lenses are being made, and a change needs a
// remake with a revised prescription instead.
func (c *Coordinator) UpdatePrescription(ctx context.Context, sessionID string, in prescription.Input, actor string) (*prescription.Prescription, error) {
	var p prescription.Prescription
	err := c.run(ctx, "update_prescription", sessionID, func(ctx context.Context) error {
		s, err := c.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := requireState(s, PrescriptionCreated, ManufacturingOrdered); err != nil {
			return err
		}
		if s.State == ManufacturingOrdered {
			var o manufacturing.Order
			if _, err := c.load(ctx, store.ManufacturingOrders, s.OrderID, &o); err != nil {
				return err
			}
			if o.State != manufacturing.Ordered {
				return domain.InvalidStatef("order %s is %s; request a remake with a revised prescription", o.ID, o.State)
			}
		}

		version, err := c.load(ctx, store.Prescriptions, s.PrescriptionID, &p)
		if err != nil {
			return err
		}
		ch := c.begin(actor)
		if err := p.Apply(in, ch.now); err != nil {
			return err
		}
		if err := c.putPrescription(ch, &p, version); err != nil {
			return err
		}
		ev := ch.note(s, dispatch.PrescriptionUpdated, p.ID, map[string]string{
			"revision": strconv.Itoa(p.Revision),
		})
		ev.Artifact = &dispatch.Artifact{Type: "prescription", ID: p.ID}
		return ch.commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Coordinator) putPrescription(ch *change, p *prescription.Prescription, version int64) error {
	return ch.put(store.Prescriptions, p.ID, p.SessionID, "rev-"+strconv.Itoa(p.Revision), p.DecisionID, nil, p, version)
}
