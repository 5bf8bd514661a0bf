// Package screening is the workflow coordinator. It owns the session state
// machine, commits every transition together with its sub-records and audit
// entries, and hands workflow events to the dispatcher after commit.
package screening

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/domain/registration"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
	"github.com/visionpath/screening/internal/platform/telemetry"
)

// Options are the clinical and operational parameters of the pathway.
type Options struct {
	Thresholds   decision.Thresholds
	Offsets      followup.Offsets
	Registration registration.Policy
	// StaleAfter is how long a session may sit in one state before it is
	// reported as stuck.
	StaleAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		Thresholds:   decision.DefaultThresholds(),
		Offsets:      followup.DefaultOffsets(),
		Registration: registration.Policy{MaxCalibrationAge: 24 * time.Hour},
		StaleAfter:   72 * time.Hour,
	}
}

func (o Options) Validate() error {
	var v domain.Validator
	v.Merge("thresholds", o.Thresholds.Validate())
	v.Merge("followup", o.Offsets.Validate())
	v.Check(o.StaleAfter > 0, "stale_after", "must be positive")
	v.Check(o.Registration.MaxCalibrationAge >= 0, "max_calibration_age", "must not be negative")
	return v.Err()
}

// Coordinator executes pathway commands against the record store.
type Coordinator struct {
	store   store.Store
	events  dispatch.Publisher
	opts    Options
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDs replaces the record id generator.
func WithIDs(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

func NewCoordinator(st store.Store, events dispatch.Publisher, opts Options, logger zerolog.Logger, options ...Option) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("screening options: %w", err)
	}
	if events == nil {
		events = dispatch.Discard{}
	}
	c := &Coordinator{
		store:  st,
		events: events,
		opts:   opts,
		logger: logger.With().Str("component", "screening").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Options returns the parameters the coordinator was built with.
func (c *Coordinator) Options() Options { return c.opts }

// run wraps a command with a span, failure metrics and logging.
func (c *Coordinator) run(ctx context.Context, op, sessionID string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "screening."+op, attribute.String("session.id", sessionID))
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	if err == nil {
		return nil
	}

	reason := failureReason(err)
	c.metrics.CommandFailed(op, reason)
	var ev *zerolog.Event
	switch reason {
	case "corrupt", "internal":
		ev = c.logger.Error()
	case "stale_write", "unavailable":
		ev = c.logger.Warn()
	default:
		ev = c.logger.Debug()
	}
	ev.Err(err).Str("op", op).Str("session_id", sessionID).Str("reason", reason).Msg("command rejected")
	return err
}

func failureReason(err error) string {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, domain.ErrDuplicateActiveSession):
		return "duplicate_session"
	case errors.Is(err, domain.ErrStaleWrite):
		return "stale_write"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrDependencyUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrCorrupt):
		return "corrupt"
	default:
		return "internal"
	}
}

func (c *Coordinator) loadSession(ctx context.Context, id string) (*Session, error) {
	start := time.Now()
	rec, err := c.store.Get(ctx, store.Sessions, id)
	c.metrics.ObserveStore("get", start)
	if err != nil {
		return nil, err
	}
	return sessionFromRecord(rec)
}

// load decodes one sub-record into v and returns its version.
func (c *Coordinator) load(ctx context.Context, collection, id string, v interface{}) (int64, error) {
	if id == "" {
		return 0, fmt.Errorf("%s: missing id: %w", collection, store.ErrNotFound)
	}
	start := time.Now()
	rec, err := c.store.Get(ctx, collection, id)
	c.metrics.ObserveStore("get", start)
	if err != nil {
		return 0, err
	}
	if err := store.Decode(rec, v); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func (c *Coordinator) loadIndex(ctx context.Context, patientRef string) (*patientIndex, error) {
	var idx patientIndex
	version, err := c.load(ctx, store.PatientIndex, indexID(patientRef), &idx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &patientIndex{PatientRef: patientRef}, nil
	case err != nil:
		return nil, err
	}
	idx.version = version
	return &idx, nil
}

func (c *Coordinator) openFollowUps(ctx context.Context, sessionID string) ([]*followup.FollowUp, error) {
	start := time.Now()
	recs, err := c.store.Query(ctx, store.Filter{
		Collection: store.FollowUps,
		SessionID:  sessionID,
		Statuses:   []string{string(followup.Pending), string(followup.Due)},
	})
	c.metrics.ObserveStore("query", start)
	if err != nil {
		return nil, err
	}
	out := make([]*followup.FollowUp, 0, len(recs))
	for _, rec := range recs {
		f, err := followup.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func requireState(s *Session, allowed ...State) error {
	for _, a := range allowed {
		if s.State == a {
			return nil
		}
	}
	return domain.InvalidStatef("session %s is %s", s.ID, s.State)
}

func requireReason(reason string) error {
	var v domain.Validator
	v.Check(reason != "", "reason", "required")
	return v.Err()
}
