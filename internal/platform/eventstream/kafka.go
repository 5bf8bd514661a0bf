// Package eventstream publishes committed workflow events to Kafka for
// downstream consumers such as reporting and the registry sync.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/visionpath/screening/internal/platform/dispatch"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the cluster and topic.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewWriter builds a writer that keys messages by session so every event
// of a session lands on the same partition in commit order.
func NewWriter(cfg Config) *kafka.Writer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: false,
	}
}

// Handler is the dispatch handler that writes each event as one message.
type Handler struct {
	writer MessageWriter
}

func NewHandler(w MessageWriter) *Handler { return &Handler{writer: w} }

func (h *Handler) Name() string { return "kafka" }

func (h *Handler) Accepts(dispatch.Event) bool { return true }

func (h *Handler) Handle(ctx context.Context, e dispatch.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("encode event: %w", err))
	}
	msg := kafka.Message{
		Key:   []byte(e.SessionID),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(e.ID)},
			{Key: "event-kind", Value: []byte(e.Kind)},
		},
	}
	if err := h.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (h *Handler) Close() error {
	return h.writer.Close()
}
