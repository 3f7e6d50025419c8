package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldline/internal/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// dialHub stands up a server that registers incoming sockets on the hub
// under the given session and returns a connected client.
func dialHub(t *testing.T, hub *Hub, sessionID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(sessionID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestBroadcastReachesSessionWatchers(t *testing.T) {
	hub := NewHub()
	watcher := dialHub(t, hub, "s1")
	other := dialHub(t, hub, "s2")

	msg := &models.Message{ID: "m1", BranchID: "b1", Role: models.RoleSystemReport, Content: "report"}
	hub.Broadcast(context.Background(), "s1", MessageCreated(msg))

	ev := readEvent(t, watcher)
	if ev.Event != "message_created" || ev.Message == nil || ev.Message.ID != "m1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// The other session's watcher must see nothing.
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatal("event leaked across sessions")
	}
}

func TestBroadcastAfterUnregister(t *testing.T) {
	hub := NewHub()
	watcher := dialHub(t, hub, "s1")

	hub.Broadcast(context.Background(), "s1", BranchSwitched("b2"))
	ev := readEvent(t, watcher)
	if ev.Event != "branch_switched" || ev.ActiveBranchID != "b2" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// After unregistering every connection, broadcasting is a no-op.
	hub.mu.Lock()
	var conns []*websocket.Conn
	for conn := range hub.conns["s1"] {
		conns = append(conns, conn)
	}
	hub.mu.Unlock()
	for _, conn := range conns {
		hub.Unregister("s1", conn)
	}
	hub.Broadcast(context.Background(), "s1", BranchSwitched("b3"))

	watcher.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := watcher.ReadMessage(); err == nil {
		t.Fatal("received event after unregister")
	}
}

func TestMultiFansOut(t *testing.T) {
	var got []string
	first := recorderFunc(func(ev Event) { got = append(got, "first:"+ev.Event) })
	second := recorderFunc(func(ev Event) { got = append(got, "second:"+ev.Event) })

	Multi{first, second}.Broadcast(context.Background(), "s1", ErrorEvent("X", "boom"))
	if len(got) != 2 || got[0] != "first:error" || got[1] != "second:error" {
		t.Fatalf("fan out order: %v", got)
	}
}

type recorderFunc func(Event)

func (f recorderFunc) Broadcast(_ context.Context, _ string, ev Event) { f(ev) }
