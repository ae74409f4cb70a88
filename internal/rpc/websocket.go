package rpc

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsMaxMessageSize = 4096
	wsSendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType is the type of a websocket event. Aggregator events are
// forwarded with their audit log type (swap_initiated, price_updated, ...).
type EventType string

// EventSubscribed acknowledges a subscription change.
const EventSubscribed EventType = "subscribed"

// WSEvent is a WebSocket event message. Subject is the audit log subject
// ("swap:7", "pool:3") and is empty for hub-level messages.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Subject   string      `json:"subject,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription is a filter change sent by a client. Events filters by
// event type; Subjects filters by exact subject or by kind prefix ("swap:").
type WSSubscription struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Events   []string `json:"events,omitempty"`
	Subjects []string `json:"subjects,omitempty"`
}

// WSFilters is the client's active filter set, echoed in the
// subscribed acknowledgement.
type WSFilters struct {
	Events   []string `json:"events"`
	Subjects []string `json:"subjects"`
}

// WSClient is one websocket connection and its filters.
type WSClient struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *WSHub
	mu       sync.RWMutex
	events   map[EventType]bool
	subjects map[string]bool
}

func newWSClient(hub *WSHub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		hub:      hub,
		events:   make(map[EventType]bool),
		subjects: make(map[string]bool),
	}
}

// wants reports whether the event passes both filters. An empty filter
// matches everything.
func (c *WSClient) wants(e *WSEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.events) > 0 && !c.events[e.Type] {
		return false
	}
	if len(c.subjects) == 0 || c.subjects[e.Subject] {
		return true
	}
	if kind, _, ok := strings.Cut(e.Subject, ":"); ok {
		return c.subjects[kind+":"]
	}
	return false
}

// apply updates the filters and returns the resulting set.
func (c *WSClient) apply(sub *WSSubscription) WSFilters {
	c.mu.Lock()
	defer c.mu.Unlock()

	add := sub.Action == "subscribe"
	if !add && sub.Action != "unsubscribe" {
		return c.filtersLocked()
	}
	for _, e := range sub.Events {
		if add {
			c.events[EventType(e)] = true
		} else {
			delete(c.events, EventType(e))
		}
	}
	for _, s := range sub.Subjects {
		if add {
			c.subjects[s] = true
		} else {
			delete(c.subjects, s)
		}
	}
	return c.filtersLocked()
}

func (c *WSClient) filtersLocked() WSFilters {
	f := WSFilters{
		Events:   make([]string, 0, len(c.events)),
		Subjects: make([]string, 0, len(c.subjects)),
	}
	for e := range c.events {
		f.Events = append(f.Events, string(e))
	}
	for s := range c.subjects {
		f.Subjects = append(f.Subjects, s)
	}
	sort.Strings(f.Events)
	sort.Strings(f.Subjects)
	return f
}

// WSHub fans aggregator events out to websocket clients.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, wsSendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run is the hub loop. It returns after Stop, closing every client.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", count)

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("WebSocket client disconnected", "clients", h.ClientCount())

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *WSHub) deliver(event *WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("Failed to marshal event", "type", event.Type, "error", err)
		return
	}

	var slow []*WSClient
	h.mu.RLock()
	for client := range h.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("WebSocket client too slow, disconnecting", "subject", event.Subject)
		h.remove(client)
	}
}

func (h *WSHub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop disconnects all clients and ends Run. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Broadcast queues an event for every client whose filters match. Events
// are dropped when the queue is full.
func (h *WSHub) Broadcast(eventType EventType, subject string, data interface{}) {
	event := &WSEvent{
		Type:      eventType,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", eventType, "subject", subject)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(s.wsHub, conn)
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription messages until the connection closes.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.ack(c.apply(&sub))
	}
}

// ack queues the subscribed acknowledgement directly on this client.
func (c *WSClient) ack(filters WSFilters) {
	data, err := json.Marshal(&WSEvent{Type: EventSubscribed, Data: filters, Timestamp: time.Now().Unix()})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump writes queued events, one per frame, and keepalive pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
