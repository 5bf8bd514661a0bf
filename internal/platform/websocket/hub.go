// Package websocket pushes workflow events to clinic dashboards. Clients
// subscribe to session or site topics and receive every event committed
// for them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/visionpath/screening/internal/platform/auth"
	"github.com/visionpath/screening/internal/platform/dispatch"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// SessionTopic is the topic carrying one session's events.
func SessionTopic(sessionID string) string { return "session/" + sessionID }

// SiteTopic is the topic carrying every event of one mobile unit.
func SiteTopic(siteRef string) string { return "site/" + siteRef }

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	// Allow filters the topics the client may subscribe to. Nil allows all.
	Allow func(topic string) bool
}

// NewClient creates a client with a buffered send queue.
func NewClient(topics []string) *Client {
	return &Client{ID: uuid.NewString(), Topics: topics, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range topics {
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]bool, len(topics))
	for _, topic := range topics {
		drop[topic] = true
		h.remove(topic, client)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if !drop[t] {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	topics := client.permitted(validTopics(msg.Topics))
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, topics)
	case "unsubscribe":
		h.Unsubscribe(client, topics)
	}
}

func (c *Client) permitted(topics []string) []string {
	if c.Allow == nil {
		return topics
	}
	out := topics[:0]
	for _, t := range topics {
		if c.Allow(t) {
			out = append(out, t)
		}
	}
	return out
}

// siteFilter limits a caller bound to a site to that site's topic. Session
// topics are opaque ids and stay open.
func siteFilter(site string, roles []string) func(string) bool {
	return func(topic string) bool {
		kind, id, _ := strings.Cut(topic, "/")
		return kind != "site" || auth.SiteAllowed(site, roles, id)
	}
}

func validTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		kind, id, ok := strings.Cut(t, "/")
		if ok && id != "" && (kind == "session" || kind == "site") {
			out = append(out, t)
		}
	}
	return out
}

// Broadcast sends an event to every client subscribed to any of topics.
// A client subscribed to several of them receives the event once. Slow
// clients whose buffer is full miss the event.
func (h *Hub) Broadcast(e dispatch.Event, topics ...string) int {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(e.Kind)).Msg("marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]bool)
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if sent[client] {
				continue
			}
			sent[client] = true
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Msg("client buffer full, event dropped")
			}
		}
	}
	return len(sent)
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Dispatch handler
// ---------------------------------------------------------------------------

// EventHandler forwards every workflow event to the hub.
type EventHandler struct {
	hub *Hub
}

func NewEventHandler(hub *Hub) *EventHandler { return &EventHandler{hub: hub} }

func (h *EventHandler) Name() string { return "websocket" }

func (h *EventHandler) Accepts(dispatch.Event) bool { return true }

func (h *EventHandler) Handle(_ context.Context, e dispatch.Event) error {
	topics := []string{SessionTopic(e.SessionID)}
	if e.SiteRef != "" {
		topics = append(topics, SiteTopic(e.SiteRef))
	}
	h.hub.Broadcast(e, topics...)
	return nil
}

// ---------------------------------------------------------------------------
// WebSocketHandler
// ---------------------------------------------------------------------------

// WebSocketHandler upgrades HTTP connections and pumps messages.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler creates a handler. An empty allowedOrigins accepts
// any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// RegisterRoutes registers GET /ws. Initial topics may be given as
// ?topics=session/abc,site/unit-3.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	client := NewClient(nil)
	client.Allow = siteFilter(auth.SiteFromContext(ctx), auth.RolesFromContext(ctx))
	if q := c.QueryParam("topics"); q != "" {
		client.Topics = client.permitted(validTopics(strings.Split(q, ",")))
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
