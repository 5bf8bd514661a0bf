package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/visionpath/screening/internal/platform/dispatch"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestHandler_WritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	h := NewHandler(w)
	e := dispatch.NewEvent(dispatch.OrderAdvanced, "s1", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	e.From, e.To = "shipped", "delivery_confirmed"

	if err := h.Handle(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "s1" {
		t.Errorf("key = %q, want session id", m.Key)
	}
	if string(m.Headers[1].Value) != string(dispatch.OrderAdvanced) {
		t.Errorf("kind header = %q", m.Headers[1].Value)
	}
	var got dispatch.Event
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != e.ID || got.To != "delivery_confirmed" {
		t.Errorf("unexpected payload %+v", got)
	}

	h.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestHandler_WriteErrorIsRetryable(t *testing.T) {
	h := NewHandler(&fakeWriter{err: errors.New("leader not available")})
	err := h.Handle(context.Background(), dispatch.NewEvent(dispatch.SessionStarted, "s1", time.Now()))
	if err == nil || dispatch.IsPermanent(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestNewWriter(t *testing.T) {
	w := NewWriter(Config{Brokers: []string{"localhost:9092"}, Topic: "screening.events"})
	defer w.Close()
	if w.Topic != "screening.events" || w.BatchTimeout != 50*time.Millisecond {
		t.Errorf("unexpected writer %+v", w)
	}
}
