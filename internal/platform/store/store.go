// Package store is the record persistence boundary for the screening engine.
// Every aggregate is kept as a versioned record inside a named collection;
// all mutations go through Commit, which applies a batch of writes atomically
// and rejects the whole batch when any expected version does not match.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrStaleWrite  = errors.New("stale write")
	ErrUnavailable = errors.New("record store unavailable")
	ErrCorrupt     = errors.New("record store corruption")
)

// Collection names. Each maps 1:1 to a table in the postgres store.
const (
	Sessions             = "sessions"
	Assessments          = "assessments"
	Decisions            = "decisions"
	DetailedMeasurements = "detailed_measurements"
	Prescriptions        = "prescriptions"
	ManufacturingOrders  = "manufacturing_orders"
	FollowUps            = "followups"
	PatientIndex         = "patient_index"
	AuditLog             = "audit_log"
	Insights             = "insights"
	DeadLetters          = "dead_letters"
)

var knownCollections = map[string]bool{
	Sessions: true, Assessments: true, Decisions: true, DetailedMeasurements: true,
	Prescriptions: true, ManufacturingOrders: true, FollowUps: true,
	PatientIndex: true, AuditLog: true, Insights: true, DeadLetters: true,
}

// ValidCollection reports whether name is a collection the store knows about.
func ValidCollection(name string) bool {
	return knownCollections[name]
}

// Record is the stored envelope. Status, Ref and DueAt are indexed
// projections of Data used by queries; Data holds the full aggregate.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id,omitempty"`
	Version    int64           `json:"version"`
	Status     string          `json:"status,omitempty"`
	Ref        string          `json:"ref,omitempty"`
	DueAt      *time.Time      `json:"due_at,omitempty"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Write is one element of a Commit batch. ExpectedVersion 0 means the
// record must not exist yet; otherwise the stored version must equal it.
type Write struct {
	Record          Record
	ExpectedVersion int64
}

// Filter selects records from a single collection. Zero-valued fields are
// ignored. Results are ordered by creation time, then id.
type Filter struct {
	Collection string
	SessionID  string
	Ref        string
	Statuses   []string
	DueBefore  *time.Time
	Limit      int
	Offset     int
}

// Store is implemented by the memory and postgres backends.
type Store interface {
	Get(ctx context.Context, collection, id string) (Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	// Commit applies all writes or none. It returns the stored records
	// with their new versions in the order given.
	Commit(ctx context.Context, writes ...Write) ([]Record, error)
	Ping(ctx context.Context) error
}

// Create returns a Write that inserts rec.
func Create(rec Record) Write {
	return Write{Record: rec}
}

// Update returns a Write that replaces rec if it is still at rec.Version.
func Update(rec Record) Write {
	return Write{Record: rec, ExpectedVersion: rec.Version}
}

// Encode marshals v into a record payload.
func Encode(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// Decode unmarshals a record payload. A payload that cannot be decoded is
// reported as corruption rather than a caller error.
func Decode(rec Record, v interface{}) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, rec.Collection, rec.ID, err)
	}
	return nil
}

func validateWrites(writes []Write) error {
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		if !ValidCollection(w.Record.Collection) {
			return fmt.Errorf("unknown collection %q", w.Record.Collection)
		}
		if w.Record.ID == "" {
			return fmt.Errorf("record id is required for %s", w.Record.Collection)
		}
		if w.ExpectedVersion < 0 {
			return fmt.Errorf("negative expected version for %s/%s", w.Record.Collection, w.Record.ID)
		}
		key := w.Record.Collection + "/" + w.Record.ID
		if seen[key] {
			return fmt.Errorf("duplicate write for %s in one commit", key)
		}
		seen[key] = true
	}
	return nil
}
