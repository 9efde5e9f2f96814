// Package websocket pushes server events to browsers. Clients are attached
// to a single topic by the server, never by their own messages, so whatever
// authorizes the HTTP request also authorizes the stream.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Event is one message written to a client.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an Event. Marshal failures leave Data empty.
func NewEvent(typ, topic string, data any) Event {
	ev := Event{Type: typ, Topic: topic, Timestamp: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected stream.
type Client struct {
	ID    string
	Topic string
	Send  chan []byte
	conn  Conn
}

// Hub tracks clients by topic. All operations are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // topic -> clients
	all      map[*Client]struct{}
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHub accepts upgrades from the given origins. An empty list or "*"
// accepts any origin.
func NewHub(origins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// Register attaches a client to its topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}
}

// Unregister detaches a client and closes its Send channel. Calling it twice
// is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregister(client)
}

func (h *Hub) unregister(client *Client) {
	if _, ok := h.all[client]; !ok {
		return
	}
	if subscribers, ok := h.clients[client.Topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast sends an event to every client of the topic. Slow clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// deliver sends to one client unless it was already unregistered.
func (h *Hub) deliver(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// CloseTopic ends the stream of every client on the topic once their
// pending messages are written.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[topic] {
		h.unregister(client)
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients attached to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Serve upgrades the request and streams topic to the client until the topic
// is closed or the client goes away. snapshot runs after the client is
// registered, so nothing broadcast in between is lost; when it reports done
// the stream ends right after the snapshot.
func (h *Hub) Serve(c echo.Context, topic string, snapshot func() (Event, bool)) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Debug().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return nil
	}

	client := &Client{
		ID:    uuid.NewString(),
		Topic: topic,
		Send:  make(chan []byte, sendBuffer),
		conn:  &gorillaConnAdapter{ws},
	}
	h.Register(client)

	ev, done := snapshot()
	if data, err := json.Marshal(ev); err == nil {
		h.deliver(client, data)
	}
	if done {
		h.Unregister(client)
	}

	go h.writePump(client, ws)
	go h.readPump(client)
	return nil
}

// readPump only watches for the client going away; inbound messages are
// ignored.
func (h *Hub) readPump(client *Client) {
	defer h.Unregister(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(gorillawebsocket.CloseMessage,
		gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""))
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
