package orchestrator

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// serverSideConn upgrades a loopback websocket and hands back the server end.
func serverSideConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)

	dialer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dialer.Close() })
	return <-conns
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	m, bus := newTestManager(t, ManagerOptions{}, nil, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHub(logger, m, bus)
}

func TestHubPushAfterDropIsSafe(t *testing.T) {
	h := newTestHub(t)
	client := &wsClient{conn: serverSideConn(t), send: make(chan []byte, 1), alive: true}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.drop(client)
	// A broadcast racing the disconnect becomes a no-op, not a send on a
	// closed channel.
	h.push(client, "event", nil)

	if _, open := <-client.send; open {
		t.Fatalf("send channel should be closed after drop")
	}
	// Read and write pump may both report failure; the second drop is a no-op.
	h.drop(client)
}

func TestHubStopThenPushIsSafe(t *testing.T) {
	h := newTestHub(t)
	client := &wsClient{conn: serverSideConn(t), send: make(chan []byte, 1), alive: true}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.Stop()
	h.push(client, "event", nil)

	if _, open := <-client.send; open {
		t.Fatalf("send channel should be closed after stop")
	}
	h.drop(client)
}
