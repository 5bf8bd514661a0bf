package screening

import (
	"context"
	"errors"
	"time"

	"github.com/visionpath/screening/internal/domain/assessment"
	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/domain/manufacturing"
	"github.com/visionpath/screening/internal/domain/prescription"
	"github.com/visionpath/screening/internal/platform/audit"
	"github.com/visionpath/screening/internal/platform/insight"
	"github.com/visionpath/screening/internal/platform/store"
)

func (c *Coordinator) GetSession(ctx context.Context, id string) (*Session, error) {
	return c.loadSession(ctx, id)
}

// ListSessionsByPatient returns a patient's sessions, oldest first.
func (c *Coordinator) ListSessionsByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Session, error) {
	start := time.Now()
	recs, err := c.store.Query(ctx, store.Filter{
		Collection: store.Sessions,
		Ref:        patientRef,
		Limit:      limit,
		Offset:     offset,
	})
	c.metrics.ObserveStore("query", start)
	if err != nil {
		return nil, err
	}
	return decodeSessions(recs)
}

func decodeSessions(recs []store.Record) ([]*Session, error) {
	out := make([]*Session, 0, len(recs))
	for _, rec := range recs {
		s, err := sessionFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SessionDetail is a session with every sub-record it owns.
type SessionDetail struct {
	Session             *Session                      `json:"session"`
	Assessment          *assessment.Assessment        `json:"assessment,omitempty"`
	Decisions           []decision.Decision           `json:"decisions"`
	DetailedMeasurement *decision.DetailedMeasurement `json:"detailed_measurement,omitempty"`
	Prescriptions       []prescription.Prescription   `json:"prescriptions"`
	Orders              []VersionedOrder              `json:"orders"`
	FollowUps           []*followup.FollowUp          `json:"followups"`
	Insights            []insight.Insight             `json:"insights"`
}

// GetSessionDetail loads a session and all of its sub-records.
func (c *Coordinator) GetSessionDetail(ctx context.Context, id string) (*SessionDetail, error) {
	s, err := c.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &SessionDetail{Session: s}

	if s.AssessmentID != "" {
		var a assessment.Assessment
		if _, err := c.load(ctx, store.Assessments, s.AssessmentID, &a); err != nil {
			return nil, err
		}
		d.Assessment = &a
	}
	if s.MeasurementID != "" {
		var m decision.DetailedMeasurement
		if _, err := c.load(ctx, store.DetailedMeasurements, s.MeasurementID, &m); err != nil {
			return nil, err
		}
		d.DetailedMeasurement = &m
	}

	err = c.each(ctx, store.Decisions, s.ID, func(rec store.Record) error {
		var v decision.Decision
		if err := store.Decode(rec, &v); err != nil {
			return err
		}
		d.Decisions = append(d.Decisions, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = c.each(ctx, store.Prescriptions, s.ID, func(rec store.Record) error {
		var v prescription.Prescription
		if err := store.Decode(rec, &v); err != nil {
			return err
		}
		d.Prescriptions = append(d.Prescriptions, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = c.each(ctx, store.ManufacturingOrders, s.ID, func(rec store.Record) error {
		var v manufacturing.Order
		if err := store.Decode(rec, &v); err != nil {
			return err
		}
		d.Orders = append(d.Orders, VersionedOrder{Order: &v, Version: rec.Version})
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = c.each(ctx, store.FollowUps, s.ID, func(rec store.Record) error {
		f, err := followup.FromRecord(rec)
		if err != nil {
			return err
		}
		d.FollowUps = append(d.FollowUps, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = c.each(ctx, store.Insights, s.ID, func(rec store.Record) error {
		var v insight.Insight
		if err := store.Decode(rec, &v); err != nil {
			return err
		}
		d.Insights = append(d.Insights, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Coordinator) each(ctx context.Context, collection, sessionID string, fn func(store.Record) error) error {
	start := time.Now()
	recs, err := c.store.Query(ctx, store.Filter{Collection: collection, SessionID: sessionID})
	c.metrics.ObserveStore("query", start)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// AuditTrail returns a session's audit entries after verifying the hash
// chain against the head stored on the session. A broken chain is returned
// together with the entries and an error matching ErrCorrupt.
func (c *Coordinator) AuditTrail(ctx context.Context, sessionID string) ([]audit.Entry, error) {
	s, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := audit.Trail(ctx, c.store, sessionID)
	if err != nil {
		return nil, err
	}
	if err := audit.Verify(entries, &s.Audit); err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			c.logger.Error().Err(err).Str("session_id", sessionID).Msg("audit chain verification failed")
		}
		return entries, err
	}
	return entries, nil
}
