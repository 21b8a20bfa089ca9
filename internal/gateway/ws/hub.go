package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dohr-michael/pilot/internal/events"
)

const defaultHistory = 50

// Client is one connected WebSocket client, bound to an owner.
type Client struct {
	conn  *websocket.Conn
	owner string
	send  chan []byte
	hub   *Hub
}

// Hub pushes bus events to the clients of the owner they belong to.
// Events without an owner are never forwarded.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	unsubscribe func()
}

// NewHub creates a hub bridged to bus.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
	}

	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		if e.OwnerID == "" || e.Type == events.EventLLMCall {
			return
		}
		frame, err := NewEventFrame(string(e.Type), e.OwnerID, e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(e.OwnerID, data)
	})

	return h
}

// broadcast sends data to every client of owner.
func (h *Hub) broadcast(owner string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.owner != owner {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "owner", c.owner, "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		slog.Info("ws client disconnected", "owner", c.owner, "clients", len(h.clients))
	}
}

// ServeWS upgrades the request and streams owner's events until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, owner string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // identity comes from the trusted front proxy
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn:  conn,
		owner: owner,
		send:  make(chan []byte, 256),
		hub:   h,
	}
	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var frame Frame
		// wsjson closes the connection itself on a malformed frame.
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame Frame) {
	if frame.Type != FrameTypeRequest {
		slog.Debug("ws unknown frame type", "type", frame.Type)
		return
	}

	switch Method(frame.Method) {
	case MethodPing:
		c.respond(frame.ID, true, map[string]string{"status": "pong"}, "")

	case MethodHistory:
		params := struct {
			Limit int `json:"limit"`
		}{Limit: defaultHistory}
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				c.respond(frame.ID, false, nil, "invalid params")
				return
			}
		}
		history := c.hub.bus.HistoryFor(c.owner, params.Limit)
		if history == nil {
			history = []events.Event{}
		}
		c.respond(frame.ID, true, history, "")

	default:
		c.respond(frame.ID, false, nil, "unknown method: "+frame.Method)
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) respond(id string, ok bool, payload any, errMsg string) {
	f, err := NewResponseFrame(id, ok, payload, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
