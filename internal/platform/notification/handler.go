package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/platform/dispatch"
)

// notifiedKinds are the events a guardian hears about.
var notifiedKinds = map[dispatch.Kind]bool{
	dispatch.DecisionRecorded: true,
	dispatch.SessionDelivered: true,
	dispatch.FollowUpDue:      true,
}

// EventHandler is the dispatch handler that turns workflow events into
// guardian notifications.
type EventHandler struct {
	notifier Notifier
	logger   zerolog.Logger
}

func NewEventHandler(n Notifier, logger zerolog.Logger) *EventHandler {
	return &EventHandler{notifier: n, logger: logger}
}

func (h *EventHandler) Name() string { return "notifier" }

func (h *EventHandler) Accepts(e dispatch.Event) bool {
	return notifiedKinds[e.Kind] && e.RecipientRef != ""
}

func (h *EventHandler) Handle(ctx context.Context, e dispatch.Event) error {
	res, err := h.notifier.Send(ctx, e.RecipientRef, string(e.Kind), templateData(e))
	if err != nil {
		wrapped := fmt.Errorf("%w: notify %s for session %s: %v", domain.ErrSideEffectFailed, e.Kind, e.SessionID, err)
		if dispatch.IsPermanent(err) {
			return dispatch.Permanent(wrapped)
		}
		return wrapped
	}
	h.logger.Debug().
		Str("session_id", e.SessionID).
		Str("event", string(e.Kind)).
		Int("deliveries", len(res.Deliveries)).
		Msg("notification sent")
	return nil
}

func templateData(e dispatch.Event) map[string]string {
	data := map[string]string{
		"session_id":  e.SessionID,
		"patient_ref": e.PatientRef,
		"date":        e.OccurredAt.Format("2006-01-02"),
	}
	for k, v := range e.Payload {
		data[k] = fmt.Sprint(v)
	}
	return data
}
