package screening

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/leader"
	"github.com/visionpath/screening/internal/platform/store"
)

// watched are the states a session can get stuck in. FollowUpPending waits
// months and is left to the follow-up sweeper.
var watched = func() []string {
	out := make([]string, 0, len(States))
	for _, s := range States {
		if !terminal[s] && s != FollowUpPending {
			out = append(out, string(s))
		}
	}
	return out
}()

// StaleSession is a session that has not moved for longer than StaleAfter.
type StaleSession struct {
	SessionID  string        `json:"session_id"`
	PatientRef string        `json:"patient_ref"`
	SiteRef    string        `json:"site_ref"`
	State      State         `json:"state"`
	Since      time.Time     `json:"since"`
	Idle       time.Duration `json:"idle"`
	Alerted    bool          `json:"alerted"`
}

// FindStaleSessions lists watched sessions whose last transition is at
// least StaleAfter before asOf, oldest first.
func (c *Coordinator) FindStaleSessions(ctx context.Context, asOf time.Time) ([]StaleSession, error) {
	start := time.Now()
	recs, err := c.store.Query(ctx, store.Filter{Collection: store.Sessions, Statuses: watched})
	c.metrics.ObserveStore("query", start)
	if err != nil {
		return nil, err
	}
	var out []StaleSession
	for _, rec := range recs {
		s, err := sessionFromRecord(rec)
		if err != nil {
			c.logger.Error().Err(err).Str("session_id", rec.ID).Msg("undecodable session")
			return nil, err
		}
		if stale, ok := c.staleness(s, asOf); ok {
			out = append(out, stale)
		}
	}
	return out, nil
}

func (c *Coordinator) staleness(s *Session, asOf time.Time) (StaleSession, bool) {
	idle := asOf.Sub(s.LastTransitionAt)
	if idle < c.opts.StaleAfter {
		return StaleSession{}, false
	}
	return StaleSession{
		SessionID:  s.ID,
		PatientRef: s.PatientRef,
		SiteRef:    s.SiteRef,
		State:      s.State,
		Since:      s.LastTransitionAt,
		Idle:       idle,
		Alerted:    s.StaleAlertedAt != nil,
	}, true
}

// markStale records the alert on the session and announces it. A session
// that moved in the meantime is skipped.
func (c *Coordinator) markStale(ctx context.Context, st StaleSession, now time.Time) (bool, error) {
	s, err := c.loadSession(ctx, st.SessionID)
	if err != nil {
		return false, err
	}
	cur, ok := c.staleness(s, now)
	if !ok || cur.Alerted {
		return false, nil
	}

	at := now
	s.StaleAlertedAt = &at
	rec, err := s.record(now)
	if err != nil {
		return false, err
	}
	start := time.Now()
	_, err = c.store.Commit(ctx, store.Update(rec))
	c.metrics.ObserveStore("commit", start)
	if errors.Is(err, store.ErrStaleWrite) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e := dispatch.NewEvent(dispatch.SessionStale, s.ID, now)
	e.PatientRef = s.PatientRef
	e.RecipientRef = s.RecipientRef
	e.SiteRef = s.SiteRef
	e.From = string(s.State)
	e.Payload = map[string]interface{}{
		"state":      string(s.State),
		"since":      s.LastTransitionAt.Format(time.RFC3339),
		"idle_hours": int(cur.Idle.Hours()),
	}
	c.events.Publish(e)
	return true, nil
}

// StaleResult counts what one monitor pass found.
type StaleResult struct {
	Leader  bool `json:"leader"`
	Stale   int  `json:"stale"`
	Alerted int  `json:"alerted"`
}

// StaleMonitor periodically reports sessions stuck in one state. Each stuck
// session is alerted once per state it gets stuck in.
type StaleMonitor struct {
	c        *Coordinator
	elector  leader.Elector
	interval time.Duration
}

func NewStaleMonitor(c *Coordinator, elector leader.Elector, interval time.Duration) *StaleMonitor {
	if elector == nil {
		elector = leader.Local{}
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &StaleMonitor{c: c, elector: elector, interval: interval}
}

func (m *StaleMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log := m.c.logger.With().Str("worker", "stale_monitor").Logger()
	log.Info().Dur("interval", m.interval).Dur("stale_after", m.c.opts.StaleAfter).Msg("stale session monitor started")
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("stale session check failed")
		}
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.elector.Release(releaseCtx); err != nil {
				log.Warn().Err(err).Msg("release stale monitor lease")
			}
			cancel()
			log.Info().Msg("stale session monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one check when this instance holds the lease.
func (m *StaleMonitor) RunOnce(ctx context.Context) (StaleResult, error) {
	var res StaleResult
	ok, err := m.elector.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("acquire stale monitor lease: %w", err)
	}
	if !ok {
		return res, nil
	}
	res.Leader = true

	now := m.c.now()
	stale, err := m.c.FindStaleSessions(ctx, now)
	if err != nil {
		return res, err
	}
	res.Stale = len(stale)
	m.c.metrics.SetStaleSessions(len(stale))

	for _, st := range stale {
		if st.Alerted {
			continue
		}
		alerted, err := m.c.markStale(ctx, st, now)
		if err != nil {
			return res, err
		}
		if !alerted {
			continue
		}
		res.Alerted++
		m.c.logger.Warn().
			Str("session_id", st.SessionID).
			Str("patient_ref", st.PatientRef).
			Str("state", string(st.State)).
			Time("since", st.Since).
			Dur("idle", st.Idle).
			Msg("session stale")
	}
	return res, nil
}
