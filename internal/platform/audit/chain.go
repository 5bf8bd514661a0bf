// Package audit keeps the append-only, hash-chained trail of every session
// transition. Each entry stores the hash of its predecessor, so any edit or
// gap in a stored trail is detectable by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/visionpath/screening/internal/platform/store"
)

// Head is the tip of a session's chain, kept on the session record.
type Head struct {
	Seq  int64  `json:"audit_seq"`
	Hash string `json:"audit_hash,omitempty"`
}

// Entry is one audited action.
type Entry struct {
	SessionID string            `json:"session_id"`
	Seq       int64             `json:"seq"`
	Action    string            `json:"action"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// Append links e after head and returns the sealed entry with the new head.
func Append(head Head, e Entry) (Entry, Head) {
	e.Seq = head.Seq + 1
	e.PrevHash = head.Hash
	e.At = e.At.UTC()
	e.Hash = digest(e)
	return e, Head{Seq: e.Seq, Hash: e.Hash}
}

func digest(e Entry) string {
	e.Hash = ""
	b, _ := json.Marshal(e)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EntryID is the store id of entry seq in a session's trail.
func EntryID(sessionID string, seq int64) string {
	return fmt.Sprintf("%s-%06d", sessionID, seq)
}

// Write returns the store write that persists e.
func Write(e Entry) (store.Write, error) {
	data, err := store.Encode(e)
	if err != nil {
		return store.Write{}, err
	}
	return store.Create(store.Record{
		Collection: store.AuditLog,
		ID:         EntryID(e.SessionID, e.Seq),
		SessionID:  e.SessionID,
		Status:     e.Action,
		Ref:        e.Actor,
		Data:       data,
		CreatedAt:  e.At,
		UpdatedAt:  e.At,
	}), nil
}

// Trail loads a session's entries in sequence order.
func Trail(ctx context.Context, st store.Store, sessionID string) ([]Entry, error) {
	recs, err := st.Query(ctx, store.Filter{Collection: store.AuditLog, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var e Entry
		if err := store.Decode(rec, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// Verify checks the links and hashes of entries, which must be a complete
// trail in sequence order. When head is non-nil the trail must end at it.
// Any break is reported as store corruption.
func Verify(entries []Entry, head *Head) error {
	prev := Head{}
	for _, e := range entries {
		if e.Seq != prev.Seq+1 {
			return fmt.Errorf("%w: audit trail gap before seq %d", store.ErrCorrupt, e.Seq)
		}
		if e.PrevHash != prev.Hash {
			return fmt.Errorf("%w: audit entry %d does not link to its predecessor", store.ErrCorrupt, e.Seq)
		}
		if digest(e) != e.Hash {
			return fmt.Errorf("%w: audit entry %d hash mismatch", store.ErrCorrupt, e.Seq)
		}
		prev = Head{Seq: e.Seq, Hash: e.Hash}
	}
	if head != nil && (head.Seq != prev.Seq || head.Hash != prev.Hash) {
		return fmt.Errorf("%w: audit trail ends at %d, session head is %d", store.ErrCorrupt, prev.Seq, head.Seq)
	}
	return nil
}
