// Package insight asks an external text generator for plain-language
// guidance on decisions and prescriptions and stores the answer beside the
// clinical record it describes. Clinical records themselves never change.
package insight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/platform/breaker"
	"github.com/visionpath/screening/internal/platform/dispatch"
	"github.com/visionpath/screening/internal/platform/store"
)

// Generator produces guidance text for a role from structured context.
type Generator interface {
	Generate(ctx context.Context, role string, structured map[string]interface{}) (string, error)
}

// Noop generates nothing. Used when no generator endpoint is configured.
type Noop struct{}

func (Noop) Generate(context.Context, string, map[string]interface{}) (string, error) {
	return "", nil
}

type generateRequest struct {
	Role    string                 `json:"role"`
	Context map[string]interface{} `json:"context"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type apiError struct {
	Error string `json:"error"`
}

// HTTPGenerator calls a JSON text-generation endpoint.
type HTTPGenerator struct {
	httpClient *resty.Client
	path       string
}

func NewHTTPGenerator(baseURL, path, apiKey string, timeout time.Duration) *HTTPGenerator {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	if path == "" {
		path = "/v1/generate"
	}
	return &HTTPGenerator{httpClient: client, path: path}
}

func (g *HTTPGenerator) Generate(ctx context.Context, role string, c map[string]interface{}) (string, error) {
	var (
		out    generateResponse
		apiErr apiError
	)
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetBody(generateRequest{Role: role, Context: c}).
		SetResult(&out).
		SetError(&apiErr).
		Post(g.path)
	if err != nil {
		return "", fmt.Errorf("generate insight: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("generate insight: status %d: %s", resp.StatusCode(), apiErr.Error)
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != 429 {
			return "", dispatch.Permanent(err)
		}
		return "", err
	}
	return out.Text, nil
}

// Insight is the stored guidance for one artifact and role.
type Insight struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	EventID      string    `json:"event_id"`
	ArtifactType string    `json:"artifact_type"`
	ArtifactID   string    `json:"artifact_id"`
	Role         string    `json:"role"`
	Text         string    `json:"text"`
	GeneratedAt  time.Time `json:"generated_at"`
}

var insightKinds = map[dispatch.Kind]bool{
	dispatch.DecisionRecorded:    true,
	dispatch.DecisionSuperseded:  true,
	dispatch.PrescriptionCreated: true,
	dispatch.PrescriptionUpdated: true,
}

// EventHandler generates and stores insights for decision and
// prescription events.
type EventHandler struct {
	gen    Generator
	cb     *gobreaker.CircuitBreaker[string]
	store  store.Store
	roles  []string
	logger zerolog.Logger
	now    func() time.Time
}

func NewEventHandler(gen Generator, st store.Store, roles []string, cfg breaker.Config, logger zerolog.Logger) *EventHandler {
	if len(roles) == 0 {
		roles = []string{"guardian"}
	}
	return &EventHandler{
		gen:    gen,
		cb:     breaker.New[string]("insight", cfg, logger),
		store:  st,
		roles:  roles,
		logger: logger.With().Str("component", "insight").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *EventHandler) Name() string { return "insight" }

func (h *EventHandler) Accepts(e dispatch.Event) bool {
	return insightKinds[e.Kind] && e.Artifact != nil
}

// Handle generates one insight per role. Insight ids derive from the event
// and role, so a retried event skips roles already stored.
func (h *EventHandler) Handle(ctx context.Context, e dispatch.Event) error {
	for _, role := range h.roles {
		id := ID(e.ID, role)
		if _, err := h.store.Get(ctx, store.Insights, id); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		text, err := h.cb.Execute(func() (string, error) {
			return h.gen.Generate(ctx, role, generatorContext(e))
		})
		if err != nil {
			wrapped := fmt.Errorf("%w: insight for %s %s: %v", domain.ErrSideEffectFailed, e.Artifact.Type, e.Artifact.ID, err)
			if dispatch.IsPermanent(err) {
				return dispatch.Permanent(wrapped)
			}
			return wrapped
		}
		if text == "" {
			continue
		}

		in := Insight{
			ID:           id,
			SessionID:    e.SessionID,
			EventID:      e.ID,
			ArtifactType: e.Artifact.Type,
			ArtifactID:   e.Artifact.ID,
			Role:         role,
			Text:         text,
			GeneratedAt:  h.now(),
		}
		data, err := store.Encode(in)
		if err != nil {
			return dispatch.Permanent(err)
		}
		_, err = h.store.Commit(ctx, store.Create(store.Record{
			Collection: store.Insights,
			ID:         id,
			SessionID:  e.SessionID,
			Status:     role,
			Ref:        e.Artifact.ID,
			Data:       data,
		}))
		if err != nil && !errors.Is(err, store.ErrStaleWrite) {
			return fmt.Errorf("store insight: %w", err)
		}
		h.logger.Debug().Str("session_id", e.SessionID).Str("artifact", e.Artifact.ID).Str("role", role).Msg("insight stored")
	}
	return nil
}

// ID is the deterministic insight id for an event and role.
func ID(eventID, role string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventID+"/"+role)).String()
}

// ForArtifact lists the stored insights of one artifact.
func ForArtifact(ctx context.Context, st store.Store, sessionID, artifactID string) ([]Insight, error) {
	recs, err := st.Query(ctx, store.Filter{Collection: store.Insights, SessionID: sessionID, Ref: artifactID})
	if err != nil {
		return nil, err
	}
	out := make([]Insight, 0, len(recs))
	for _, rec := range recs {
		var in Insight
		if err := store.Decode(rec, &in); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func generatorContext(e dispatch.Event) map[string]interface{} {
	c := map[string]interface{}{
		"event":         string(e.Kind),
		"artifact_type": e.Artifact.Type,
		"artifact_id":   e.Artifact.ID,
	}
	for k, v := range e.Payload {
		c[k] = v
	}
	return c
}
