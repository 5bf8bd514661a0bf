// Package notification delivers guardian-facing messages for workflow
// events over LINE, email or the log. Message content comes from a small
// template engine; each channel is guarded by its own circuit breaker.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/visionpath/screening/internal/platform/breaker"
	"github.com/visionpath/screening/internal/platform/dispatch"
)

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Delivery is one message accepted by a channel.
type Delivery struct {
	Channel   string    `json:"channel"`
	To        string    `json:"to"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Result lists what was delivered for one Send.
type Result struct {
	Deliveries []Delivery `json:"deliveries"`
}

// Notifier sends the message for an event kind to a recipient.
type Notifier interface {
	Send(ctx context.Context, recipientRef, kind string, payload map[string]string) (Result, error)
}

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

// Channel is one delivery transport. Deliver returns the provider's
// message id when it has one.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, to string, msg Message) (string, error)
}

// Address is one channel-qualified destination.
type Address struct {
	Channel string
	To      string
}

// ParseRecipient splits a recipient reference of the form
// "line:U4af49806,email:parent@example.com" into addresses. A bare value
// without a channel prefix is treated as a log-only address.
func ParseRecipient(ref string) []Address {
	var out []Address
	for _, part := range strings.Split(ref, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		channel, to, ok := strings.Cut(part, ":")
		if !ok {
			channel, to = "log", part
		}
		channel = strings.ToLower(strings.TrimSpace(channel))
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		out = append(out, Address{Channel: channel, To: to})
	}
	return out
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "decision.recorded.close",
			Subject: "Vision screening result",
			Body:    "The vision screening on {{date}} found no problems. The next check is due around {{next_due}}.",
		},
		{
			ID:      "decision.recorded.detailed_measurement",
			Subject: "Vision screening: further measurement needed",
			Body:    "The vision screening on {{date}} needs a more detailed eye measurement. The examiner will complete it at the unit.",
		},
		{
			ID:      "decision.recorded.prescribe",
			Subject: "Vision screening: glasses recommended",
			Body:    "The screening found a refractive error ({{severity}}). Glasses will be prescribed and you will be told when they are ready.",
		},
		{
			ID:      "decision.recorded.refer",
			Subject: "Vision screening: referral to an eye doctor",
			Body:    "The screening found a result that needs an eye doctor's review ({{category}}, {{severity}}). Please arrange a visit.",
		},
		{
			ID:      "session.delivered",
			Subject: "Glasses delivered",
			Body:    "The glasses have arrived by {{delivery_method}}. A fitting will be arranged at the unit.",
		},
		{
			ID:      "followup.due",
			Subject: "Vision follow-up due",
			Body:    "A {{followup_type}} vision follow-up is due on {{due_date}}. Please visit the screening unit.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Has reports whether a template is registered.
func (e *TemplateEngine) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[id]
	return ok
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Message, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("template %q not found", templateID)
	}

	msg := Message{Subject: t.Subject, Body: t.Body}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		msg.Subject = strings.ReplaceAll(msg.Subject, placeholder, v)
		msg.Body = strings.ReplaceAll(msg.Body, placeholder, v)
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Service is the Notifier used by the engine. It renders the template for
// the event kind and fans the message out to every address of the
// recipient through the matching channel.
type Service struct {
	templates *TemplateEngine
	channels  map[string]Channel
	breakers  map[string]*gobreaker.CircuitBreaker[string]
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the channels, each behind its own breaker.
func NewService(tpl *TemplateEngine, cfg breaker.Config, logger zerolog.Logger, channels ...Channel) *Service {
	s := &Service{
		templates: tpl,
		channels:  make(map[string]Channel, len(channels)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker[string], len(channels)),
		logger:    logger.With().Str("component", "notification").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, ch := range channels {
		s.channels[ch.Name()] = ch
		s.breakers[ch.Name()] = breaker.New[string]("notify-"+ch.Name(), cfg, logger)
	}
	return s
}

// Channels lists the configured channel names.
func (s *Service) Channels() []string {
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Send delivers to every address it can. It fails only when nothing was
// delivered. Failures on some channels are logged and dropped.
func (s *Service) Send(ctx context.Context, recipientRef, kind string, payload map[string]string) (Result, error) {
	addrs := ParseRecipient(recipientRef)
	if len(addrs) == 0 {
		return Result{}, dispatch.Permanent(fmt.Errorf("no deliverable address in recipient %q", recipientRef))
	}

	templateID := kind
	if route := payload["route"]; route != "" && s.templates.Has(kind+"."+route) {
		templateID = kind + "." + route
	}
	msg, err := s.templates.Render(templateID, payload)
	if err != nil {
		return Result{}, dispatch.Permanent(err)
	}

	var (
		res  Result
		errs []error
	)
	for _, a := range addrs {
		ch, ok := s.channels[a.Channel]
		if !ok {
			errs = append(errs, dispatch.Permanent(fmt.Errorf("channel %q not configured", a.Channel)))
			continue
		}
		id, err := s.breakers[a.Channel].Execute(func() (string, error) {
			return ch.Deliver(ctx, a.To, msg)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Channel, err))
			continue
		}
		res.Deliveries = append(res.Deliveries, Delivery{Channel: a.Channel, To: a.To, MessageID: id, SentAt: s.now()})
	}

	if len(res.Deliveries) == 0 {
		err := errors.Join(errs...)
		if allPermanent(errs) {
			return res, dispatch.Permanent(err)
		}
		return res, err
	}
	for _, err := range errs {
		s.logger.Warn().Err(err).Str("kind", kind).Msg("partial notification failure")
	}
	return res, nil
}

func allPermanent(errs []error) bool {
	for _, err := range errs {
		if !dispatch.IsPermanent(err) {
			return false
		}
	}
	return len(errs) > 0
}

// ---------------------------------------------------------------------------
// Log channel
// ---------------------------------------------------------------------------

// LogChannel writes messages to the log instead of delivering them. It is
// the only channel in development.
type LogChannel struct {
	Logger zerolog.Logger
}

func (LogChannel) Name() string { return "log" }

func (l LogChannel) Deliver(_ context.Context, to string, msg Message) (string, error) {
	l.Logger.Info().Str("to", to).Str("subject", msg.Subject).Str("body", msg.Body).Msg("notification")
	return "", nil
}
