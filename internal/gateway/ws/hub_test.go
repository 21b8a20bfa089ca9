package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dohr-michael/pilot/internal/events"
)

func dialHub(t *testing.T, hub *Hub, owner string) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, owner)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	// Wait for registration.
	for i := 0; i < 200 && hub.Clients() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	return conn, ctx
}

func TestHub_ForwardsOwnerEventsOnly(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	hub := NewHub(bus)
	defer hub.Close()

	conn, ctx := dialHub(t, hub, "alice")

	bus.Publish(events.NewTypedEventWithOwner(events.SourceCore, events.TaskCreatedPayload{TaskID: "bob-task"}, "bob"))
	bus.Publish(events.NewTypedEvent(events.SourceScheduler, events.TasksRankedPayload{Trigger: "schedule"}))
	bus.Publish(events.NewTypedEventWithOwner(events.SourceCore, events.TaskCreatedPayload{TaskID: "alice-task"}, "alice"))

	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != FrameTypeEvent || f.Event != string(events.EventTaskCreated) || f.OwnerID != "alice" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if !strings.Contains(string(f.Payload), "alice-task") {
		t.Fatalf("expected alice's event, got %s", f.Payload)
	}
}

func TestHub_Ping(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	hub := NewHub(bus)
	defer hub.Close()

	conn, ctx := dialHub(t, hub, "alice")

	if err := wsjson.Write(ctx, conn, Frame{Type: FrameTypeRequest, ID: "1", Method: string(MethodPing)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != FrameTypeResponse || f.ID != "1" || f.OK == nil || !*f.OK {
		t.Fatalf("unexpected response: %+v", f)
	}
}

func TestHub_UnknownMethod(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	hub := NewHub(bus)
	defer hub.Close()

	conn, ctx := dialHub(t, hub, "alice")

	if err := wsjson.Write(ctx, conn, Frame{Type: FrameTypeRequest, ID: "2", Method: "explode"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.OK == nil || *f.OK || !strings.Contains(f.Error, "unknown method") {
		t.Fatalf("unexpected response: %+v", f)
	}
}
