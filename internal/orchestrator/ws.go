package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-relay/relay/internal/adapter/pubsub"
)

const pingInterval = 30 * time.Second

// wsMessage is the dashboard wire format, both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	alive  bool // ponged since the last keepalive cycle
	closed bool // send has been closed; guarded by the hub mutex
}

// Hub fans daemon events out to dashboard websocket clients.
type Hub struct {
	logger   *slog.Logger
	manager  *Manager
	events   pubsub.EventDispatcher
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	cancel  context.CancelFunc
}

func NewHub(logger *slog.Logger, manager *Manager, events pubsub.EventDispatcher) *Hub {
	return &Hub{
		logger:  logger,
		manager: manager,
		events:  events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Start subscribes to the event bus and runs the keepalive cycle.
func (h *Hub) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	events, err := h.events.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		for ev := range events {
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.broadcast("event", raw)
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.keepalive()
			}
		}
	}()
	return nil
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		h.closeClientLocked(c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range clients {
		c.conn.Close()
	}
}

// closeClientLocked shuts the client's send channel exactly once. push holds
// the same mutex, so a concurrent broadcast can never hit the closed channel.
func (h *Hub) closeClientLocked(c *wsClient) {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeHTTP upgrades a dashboard client and serves it until disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("dashboard ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &wsClient{conn: ws, send: make(chan []byte, 64), alive: true}
	ws.SetPongHandler(func(string) error {
		h.mu.Lock()
		client.alive = true
		h.mu.Unlock()
		return nil
	})

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.sendSnapshot(client)

	go func() {
		for raw := range client.send {
			if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.drop(client)
				return
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			h.drop(client)
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			h.push(client, "pong", nil)
		case "switch_workspace":
			var id string
			if err := json.Unmarshal(msg.Data, &id); err != nil || id == "" {
				continue
			}
			if _, err := h.manager.Switch(id); err != nil {
				h.logger.Debug("dashboard switch refused", "workspace", id, "error", err)
				continue
			}
			h.sendSnapshot(client)
		}
	}
}

// sendSnapshot pushes the init payload: roster, active id and the active
// workspace's agent list.
func (h *Hub) sendSnapshot(client *wsClient) {
	activeID := h.manager.ActiveID()
	agents, _ := h.manager.Agents(activeID)
	raw, err := json.Marshal(map[string]any{
		"workspaces":        h.manager.List(),
		"activeWorkspaceId": activeID,
		"agents":            agents,
	})
	if err != nil {
		return
	}
	h.push(client, "init", raw)
}

func (h *Hub) push(client *wsClient, kind string, data json.RawMessage) {
	raw, err := json.Marshal(wsMessage{Type: kind, Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.closed {
		return
	}
	select {
	case client.send <- raw:
	default:
		// Slow consumer; the keepalive cycle will reap it.
	}
}

func (h *Hub) broadcast(kind string, data json.RawMessage) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.push(c, kind, data)
	}
}

// keepalive pings every client and reaps those that never ponged since the
// previous cycle.
func (h *Hub) keepalive() {
	h.mu.Lock()
	var stale []*wsClient
	live := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if !c.alive {
			stale = append(stale, c)
			continue
		}
		c.alive = false
		live = append(live, c)
	}
	for _, c := range stale {
		delete(h.clients, c)
		h.closeClientLocked(c)
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Debug("reaping silent dashboard client")
		c.conn.Close()
	}
	deadline := time.Now().Add(5 * time.Second)
	for _, c := range live {
		c.conn.WriteControl(websocket.PingMessage, nil, deadline)
	}
}

// drop removes a client after a read or write failure.
func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.closeClientLocked(client)
	h.mu.Unlock()
	client.conn.Close()
}
