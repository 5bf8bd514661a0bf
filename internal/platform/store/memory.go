package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and single-node deployments
// that run without a database.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]Record
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]Record),
		now:  time.Now,
	}
}

func (m *Memory) Get(_ context.Context, collection, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.data[collection][id]
	if !ok {
		return Record{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Query(_ context.Context, f Filter) ([]Record, error) {
	if !ValidCollection(f.Collection) {
		return nil, fmt.Errorf("unknown collection %q", f.Collection)
	}

	m.mu.RLock()
	var out []Record
	for _, rec := range m.data[f.Collection] {
		if matches(rec, f) {
			out = append(out, cloneRecord(rec))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Commit(_ context.Context, writes ...Write) ([]Record, error) {
	if err := validateWrites(writes); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range writes {
		cur, exists := m.data[w.Record.Collection][w.Record.ID]
		switch {
		case w.ExpectedVersion == 0 && exists:
			return nil, fmt.Errorf("%s/%s already exists: %w", w.Record.Collection, w.Record.ID, ErrStaleWrite)
		case w.ExpectedVersion > 0 && !exists:
			return nil, fmt.Errorf("%s/%s: %w", w.Record.Collection, w.Record.ID, ErrNotFound)
		case w.ExpectedVersion > 0 && cur.Version != w.ExpectedVersion:
			return nil, fmt.Errorf("%s/%s at version %d, expected %d: %w",
				w.Record.Collection, w.Record.ID, cur.Version, w.ExpectedVersion, ErrStaleWrite)
		}
	}

	now := m.now().UTC()
	out := make([]Record, 0, len(writes))
	for _, w := range writes {
		rec := cloneRecord(w.Record)
		rec.Version = w.ExpectedVersion + 1
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if w.ExpectedVersion > 0 {
			rec.CreatedAt = m.data[rec.Collection][rec.ID].CreatedAt
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		if m.data[rec.Collection] == nil {
			m.data[rec.Collection] = make(map[string]Record)
		}
		m.data[rec.Collection][rec.ID] = rec
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func matches(rec Record, f Filter) bool {
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.Ref != "" && rec.Ref != f.Ref {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DueBefore != nil {
		if rec.DueAt == nil || rec.DueAt.After(*f.DueBefore) {
			return false
		}
	}
	return true
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Data != nil {
		out.Data = append([]byte(nil), rec.Data...)
	}
	if rec.DueAt != nil {
		due := *rec.DueAt
		out.DueAt = &due
	}
	return out
}
