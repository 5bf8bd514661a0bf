package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/leader"
	"github.com/visionpath/screening/internal/platform/store"
	"github.com/visionpath/screening/internal/platform/telemetry"
)

// SweepResult counts what one pass did.
type SweepResult struct {
	Leader   bool `json:"leader"`
	Scanned  int  `json:"scanned"`
	Marked   int  `json:"marked"`
	Notified int  `json:"notified"`
	Skipped  int  `json:"skipped"`
}

// Sweeper marks past-due follow-ups as Due and announces them. It is
// idempotent: a record moves to Due once and is announced until the
// announcement is recorded, so a crash between the two steps re-announces
// rather than loses the notice.
type Sweeper struct {
	store    store.Store
	events   dispatch.Publisher
	elector  leader.Elector
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	interval time.Duration
	batch    int
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

func WithElector(e leader.Elector) SweeperOption {
	return func(s *Sweeper) { s.elector = e }
}

func WithMetrics(m *telemetry.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func NewSweeper(st store.Store, events dispatch.Publisher, logger zerolog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    st,
		events:   events,
		elector:  leader.Local{},
		logger:   logger.With().Str("component", "followup_sweeper").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		interval: time.Hour,
		batch:    500,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("follow-up sweeper started")
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("follow-up sweep failed")
		}
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.elector.Release(releaseCtx); err != nil {
				s.logger.Warn().Err(err).Msg("release sweeper lease")
			}
			cancel()
			s.logger.Info().Msg("follow-up sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass when this instance holds the lease.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	ok, err := s.elector.Acquire(ctx)
	if err != nil {
		s.metrics.Sweep("error")
		return res, fmt.Errorf("acquire sweeper lease: %w", err)
	}
	if !ok {
		s.metrics.Sweep("standby")
		return res, nil
	}
	res.Leader = true

	now := s.now()
	for {
		recs, err := s.store.Query(ctx, store.Filter{
			Collection: store.FollowUps,
			Statuses:   []string{string(Pending), string(Due)},
			DueBefore:  &now,
			Limit:      s.batch,
			Offset:     res.Scanned,
		})
		if err != nil {
			s.metrics.Sweep("error")
			return res, fmt.Errorf("query due follow-ups: %w", err)
		}

		for _, rec := range recs {
			res.Scanned++
			if err := s.sweepOne(ctx, rec, now, &res); err != nil {
				s.metrics.Sweep("error")
				return res, err
			}
		}
		if len(recs) < s.batch {
			break
		}
	}

	s.metrics.Sweep("ok")
	s.logger.Info().
		Int("scanned", res.Scanned).
		Int("marked", res.Marked).
		Int("notified", res.Notified).
		Int("skipped", res.Skipped).
		Msg("follow-up sweep complete")
	return res, nil
}

// sweepOne marks one record Due and announces it. Records stay Due and
// in later result sets until resolved; announced ones are skipped.
func (s *Sweeper) sweepOne(ctx context.Context, rec store.Record, now time.Time, res *SweepResult) error {
	f, err := FromRecord(rec)
	if err != nil {
		s.logger.Error().Err(err).Str("followup_id", rec.ID).Msg("undecodable follow-up")
		return err
	}

	if f.MarkDue(now) {
		stored, err := s.commit(ctx, f, now)
		if errors.Is(err, store.ErrStaleWrite) {
			res.Skipped++
			return nil
		}
		if err != nil {
			return err
		}
		f.Version = stored.Version
		res.Marked++
		s.metrics.FollowUpMarkedDue()
	}

	if f.NotifiedAt != nil {
		res.Skipped++
		return nil
	}

	s.events.Publish(dueEvent(f, now))
	f.MarkNotified(now)
	if _, err := s.commit(ctx, f, now); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			res.Skipped++
			return nil
		}
		return err
	}
	res.Notified++
	return nil
}

func (s *Sweeper) commit(ctx context.Context, f *FollowUp, now time.Time) (store.Record, error) {
	w, err := f.Write(now)
	if err != nil {
		return store.Record{}, err
	}
	out, err := s.store.Commit(ctx, w)
	if err != nil {
		return store.Record{}, err
	}
	return out[0], nil
}

func dueEvent(f *FollowUp, now time.Time) dispatch.Event {
	e := dispatch.NewEvent(dispatch.FollowUpDue, f.SessionID, now)
	e.PatientRef = f.PatientRef
	e.RecipientRef = f.RecipientRef
	e.SiteRef = f.SiteRef
	e.To = string(Due)
	e.Artifact = &dispatch.Artifact{Type: "followup", ID: f.ID}
	e.Payload = map[string]interface{}{
		"followup_id":   f.ID,
		"followup_type": string(f.Type),
		"due_date":      f.DueAt.Format("2006-01-02"),
	}
	return e
}
