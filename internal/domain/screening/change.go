package screening

import (
	"context"
	"fmt"
	"time"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/followup"
	"github.com/visionpath/screening/internal/platform/audit"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

// change accumulates one command's writes, audit entries and events so they
// commit together. Events are published only after the commit succeeds.
type change struct {
	c     *Coordinator
	now   time.Time
	actor string

	writes   []store.Write
	pos      map[string]int
	sessions []*Session
	indexes  map[string]*patientIndex
	ended    []*Session
	events   []*dispatch.Event
	moves    [][2]string
	// err is the first staging failure. commit refuses to write after one.
	err error
}

func (c *Coordinator) begin(actor string) *change {
	return &change{
		c:       c,
		now:     c.now(),
		actor:   actor,
		pos:     make(map[string]int),
		indexes: make(map[string]*patientIndex),
	}
}

func (ch *change) add(w store.Write) {
	key := w.Record.Collection + "/" + w.Record.ID
	if i, ok := ch.pos[key]; ok {
		w.ExpectedVersion = ch.writes[i].ExpectedVersion
		ch.writes[i] = w
		return
	}
	ch.pos[key] = len(ch.writes)
	ch.writes = append(ch.writes, w)
}

// put stages v as a sub-record. version 0 creates it.
func (ch *change) put(collection, id, sessionID, status, ref string, due *time.Time, v interface{}, version int64) error {
	data, err := store.Encode(v)
	if err != nil {
		return err
	}
	rec := store.Record{
		Collection: collection,
		ID:         id,
		SessionID:  sessionID,
		Version:    version,
		Status:     status,
		Ref:        ref,
		DueAt:      due,
		Data:       data,
		UpdatedAt:  ch.now,
	}
	if version == 0 {
		rec.CreatedAt = ch.now
		ch.add(store.Create(rec))
		return nil
	}
	ch.add(store.Update(rec))
	return nil
}

func (ch *change) putFollowUp(f *followup.FollowUp) error {
	w, err := f.Write(ch.now)
	if err != nil {
		return err
	}
	ch.add(w)
	return nil
}

func (ch *change) putIndex(idx *patientIndex) {
	ch.indexes[idx.PatientRef] = idx
}

func (ch *change) touch(s *Session) {
	for _, t := range ch.sessions {
		if t == s {
			return
		}
	}
	ch.sessions = append(ch.sessions, s)
}

// note appends an audit entry and an event for s without changing state.
func (ch *change) note(s *Session, kind dispatch.Kind, subject string, detail map[string]string) *dispatch.Event {
	return ch.record(s, kind, "", "", subject, detail)
}

// transition moves s to `to` and records kind as the reason.
func (ch *change) transition(s *Session, to State, kind dispatch.Kind, subject string, detail map[string]string) (*dispatch.Event, error) {
	from := s.State
	if !CanTransition(from, to) {
		return nil, domain.InvalidStatef("session %s cannot move from %s to %s", s.ID, from, to)
	}
	s.State = to
	s.LastTransitionAt = ch.now
	s.StaleAlertedAt = nil
	if to.Terminal() {
		ch.ended = append(ch.ended, s)
	}
	ch.moves = append(ch.moves, [2]string{string(from), string(to)})
	return ch.record(s, kind, from, to, subject, detail), nil
}

// audit appends an entry to s's chain without emitting an event.
func (ch *change) audit(s *Session, action string, from, to State, subject string, detail map[string]string) {
	ch.touch(s)
	entry, head := audit.Append(s.Audit, audit.Entry{
		SessionID: s.ID,
		Action:    action,
		From:      string(from),
		To:        string(to),
		Actor:     ch.actor,
		Subject:   subject,
		Detail:    detail,
		At:        ch.now,
	})
	s.Audit = head
	w, err := audit.Write(entry)
	if err != nil {
		ch.fail(fmt.Errorf("stage audit entry %d of session %s: %w", entry.Seq, s.ID, err))
		return
	}
	ch.add(w)
}

func (ch *change) fail(err error) {
	if ch.err == nil {
		ch.err = err
	}
}

func (ch *change) record(s *Session, kind dispatch.Kind, from, to State, subject string, detail map[string]string) *dispatch.Event {
	ch.audit(s, string(kind), from, to, subject, detail)

	e := dispatch.NewEvent(kind, s.ID, ch.now)
	e.PatientRef = s.PatientRef
	e.RecipientRef = s.RecipientRef
	e.SiteRef = s.SiteRef
	e.From = string(from)
	e.To = string(to)
	e.Payload = map[string]interface{}{"actor": ch.actor}
	for k, v := range detail {
		e.Payload[k] = v
	}
	ch.events = append(ch.events, &e)
	return &e
}

// commit writes everything staged. Sessions that reached a terminal state
// release their patient's active slot unless the slot already moved on.
func (ch *change) commit(ctx context.Context) error {
	if ch.err != nil {
		return ch.err
	}
	for _, s := range ch.ended {
		idx, ok := ch.indexes[s.PatientRef]
		if !ok {
			loaded, err := ch.c.loadIndex(ctx, s.PatientRef)
			if err != nil {
				return err
			}
			idx = loaded
		}
		if idx.ActiveSessionID == s.ID {
			idx.ActiveSessionID = ""
			ch.putIndex(idx)
		}
	}

	for _, idx := range ch.indexes {
		rec, err := idx.record(ch.now)
		if err != nil {
			return err
		}
		if idx.version == 0 {
			ch.add(store.Create(rec))
		} else {
			ch.add(store.Update(rec))
		}
	}
	for _, s := range ch.sessions {
		rec, err := s.record(ch.now)
		if err != nil {
			return err
		}
		if s.Version == 0 {
			ch.add(store.Create(rec))
		} else {
			ch.add(store.Update(rec))
		}
	}

	start := time.Now()
	out, err := ch.c.store.Commit(ctx, ch.writes...)
	ch.c.metrics.ObserveStore("commit", start)
	if err != nil {
		return err
	}

	stored := make(map[string]int64, len(out))
	for _, rec := range out {
		stored[rec.Collection+"/"+rec.ID] = rec.Version
	}
	for _, s := range ch.sessions {
		s.Version = stored[store.Sessions+"/"+s.ID]
	}

	for _, m := range ch.moves {
		ch.c.metrics.Transition(m[0], m[1])
	}
	events := make([]dispatch.Event, 0, len(ch.events))
	for _, e := range ch.events {
		events = append(events, *e)
		log := ch.c.logger.Info().Str("event", string(e.Kind)).Str("session_id", e.SessionID)
		if e.To != "" {
			log = log.Str("from", e.From).Str("to", e.To)
		}
		log.Msg("workflow event")
	}
	ch.c.events.Publish(events...)
	return nil
}
