package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/domain/scheduling"
	"github.com/pats/pats/internal/platform/auth"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = pongWait * 9 / 10
)

// ProviderTopic and PatientTopic name the streams an event is broadcast on.
func ProviderTopic(id uuid.UUID) string { return "provider:" + id.String() }
func PatientTopic(id uuid.UUID) string  { return "patient:" + id.String() }

// subscription is an inbound message from a stream client.
type subscription struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type client struct {
	id     string
	topics map[string]struct{}
	send   chan []byte
}

// Hub fans lifecycle events out to websocket clients subscribed to the
// provider or patient topic of the appointment. Slow clients miss events
// rather than block publishers.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*client]struct{}),
		logger: logger.With().Str("component", "event-stream").Logger(),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for t := range c.topics {
		h.add(t, c)
	}
}

func (h *Hub) add(topic string, c *client) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]struct{})
	}
	h.topics[topic][c] = struct{}{}
}

func (h *Hub) remove(topic string, c *client) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for t := range c.topics {
		h.remove(t, c)
	}
	close(c.send)
}

func (h *Hub) apply(c *client, msg subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range msg.Topics {
		if !validTopic(t) {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.topics[t] = struct{}{}
			h.add(t, c)
		case "unsubscribe":
			delete(c.topics, t)
			h.remove(t, c)
		}
	}
}

// Record broadcasts ev to the provider and patient topics.
func (h *Hub) Record(_ context.Context, ev scheduling.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*client]bool)
	for _, topic := range []string{ProviderTopic(ev.ProviderID), PatientTopic(ev.PatientID)} {
		for c := range h.topics[topic] {
			if seen[c] {
				continue
			}
			seen[c] = true
			select {
			case c.send <- data:
			default:
				h.logger.Warn().Str("client_id", c.id).Str("event", ev.Type).Msg("client buffer full, event dropped")
			}
		}
	}
	return nil
}

// Subscribers returns the number of clients on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func validTopic(t string) bool {
	for _, prefix := range []string{"provider:", "patient:"} {
		if len(t) > len(prefix) && t[:len(prefix)] == prefix {
			_, err := uuid.Parse(t[len(prefix):])
			return err == nil
		}
	}
	return false
}

// StreamHandler upgrades staff connections to a websocket event stream.
type StreamHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewStreamHandler accepts upgrades from the given origins. An empty list
// accepts same-origin requests only and "*" accepts any origin.
func NewStreamHandler(hub *Hub, allowedOrigins []string) *StreamHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	up := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	switch {
	case allowed["*"]:
		up.CheckOrigin = func(*http.Request) bool { return true }
	case len(allowed) > 0:
		up.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return &StreamHandler{hub: hub, upgrader: up}
}

func (s *StreamHandler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("/events", auth.RequireRole(auth.RoleAdmin, auth.RolePsychologist))
	staff.GET("/stream", s.Connect)
}

// Connect subscribes the client to every provider_id and patient_id query
// parameter, then lets it change subscriptions with JSON messages.
func (s *StreamHandler) Connect(c echo.Context) error {
	topics := make(map[string]struct{})
	for key, topic := range map[string]func(uuid.UUID) string{"provider_id": ProviderTopic, "patient_id": PatientTopic} {
		for _, raw := range c.QueryParams()[key] {
			id, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+key)
			}
			topics[topic(id)] = struct{}{}
		}
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the response.
		return nil
	}

	cl := &client{id: uuid.NewString(), topics: topics, send: make(chan []byte, sendBuffer)}
	s.hub.register(cl)
	s.hub.logger.Debug().Str("client_id", cl.id).Int("topics", len(topics)).Msg("stream client connected")

	go s.writePump(cl, ws)
	go s.readPump(cl, ws)
	return nil
}

func (s *StreamHandler) readPump(cl *client, ws *websocket.Conn) {
	defer func() {
		s.hub.unregister(cl)
		ws.Close()
	}()
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		var msg subscription
		if err := ws.ReadJSON(&msg); err != nil {
			if _, ok := err.(*json.SyntaxError); ok {
				continue
			}
			return
		}
		s.hub.apply(cl, msg)
	}
}

func (s *StreamHandler) writePump(cl *client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case data, ok := <-cl.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
