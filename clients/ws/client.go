// Package ws is a client for the pilot event stream (GET /api/events/ws).
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dohr-michael/pilot/internal/events"
	wsprotocol "github.com/dohr-michael/pilot/internal/gateway/ws"
)

// UserHeader carries the caller identity. Kept in sync with the gateway.
const UserHeader = "X-Pilot-User"

// Client is a connection to a pilot server's event stream.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
}

// Dial connects to url as owner. An empty owner uses the server default.
func Dial(ctx context.Context, url, owner string) (*Client, error) {
	var opts websocket.DialOptions
	if owner != "" {
		opts.HTTPHeader = http.Header{UserHeader: []string{owner}}
	}
	conn, _, err := websocket.Dial(ctx, url, &opts)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// RequestHistory asks for the owner's recent events. The answer arrives as
// a response frame carrying the returned request id.
func (c *Client) RequestHistory(ctx context.Context, limit int) (string, error) {
	params, err := json.Marshal(map[string]int{"limit": limit})
	if err != nil {
		return "", err
	}
	return c.request(ctx, wsprotocol.MethodHistory, params)
}

// Ping sends a ping request and returns its id.
func (c *Client) Ping(ctx context.Context) (string, error) {
	return c.request(ctx, wsprotocol.MethodPing, nil)
}

func (c *Client) request(ctx context.Context, method wsprotocol.Method, params json.RawMessage) (string, error) {
	id := fmt.Sprintf("req-%d", atomic.AddUint64(&c.reqSeq, 1))
	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     id,
		Method: string(method),
		Params: params,
	}
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return "", fmt.Errorf("send %s: %w", method, err)
	}
	return id, nil
}

// ReadFrame blocks until the next frame arrives.
func (c *Client) ReadFrame(ctx context.Context) (wsprotocol.Frame, error) {
	var f wsprotocol.Frame
	err := wsjson.Read(ctx, c.conn, &f)
	return f, err
}

// DecodeEvent extracts the bus event pushed in an event frame.
func DecodeEvent(f wsprotocol.Frame) (events.Event, error) {
	var e events.Event
	if f.Type != wsprotocol.FrameTypeEvent {
		return e, fmt.Errorf("not an event frame: %s", f.Type)
	}
	err := json.Unmarshal(f.Payload, &e)
	return e, err
}

// DecodeHistory extracts the events of a history response.
func DecodeHistory(f wsprotocol.Frame) ([]events.Event, error) {
	if f.OK == nil || !*f.OK {
		return nil, fmt.Errorf("history request failed: %s", f.Error)
	}
	var list []events.Event
	err := json.Unmarshal(f.Payload, &list)
	return list, err
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
