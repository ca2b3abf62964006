package cloud

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/adapter/pubsub"
	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/metrics"
)

// DefaultHeartbeatInterval is the roster publication cadence.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrNotConnected is returned by SendCrossMachineMessage while the bridge
// is down or stopped.
var ErrNotConnected = errors.New("cloud: not connected")

// Roster exposes the local agent list; the router implements it.
type Roster interface {
	Agents() []model.AgentInfo
}

// Sync is the heartbeat loop. It carries no queue of its own: anything the
// cloud cannot accept on this tick is simply retried next tick by whoever
// asked.
type Sync struct {
	logger   *slog.Logger
	client   *Client
	roster   Roster
	events   pubsub.EventDispatcher
	machine  string
	interval time.Duration
	started  time.Time

	mu           sync.Mutex
	connected    bool
	remoteAgents []RemoteAgent
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewSync(logger *slog.Logger, client *Client, roster Roster, events pubsub.EventDispatcher, machineID string) *Sync {
	return &Sync{
		logger:   logger,
		client:   client,
		roster:   roster,
		events:   events,
		machine:  machineID,
		interval: DefaultHeartbeatInterval,
		started:  time.Now(),
	}
}

// SetInterval overrides the heartbeat cadence. Call before Start.
func (s *Sync) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start launches the loop. The first heartbeat fires immediately so the
// cloud learns about this machine without waiting a full interval.
func (s *Sync) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		if !s.tick(ctx) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.tick(ctx) {
					return
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.connected = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Connected reports whether the last heartbeat succeeded.
func (s *Sync) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// RemoteAgents is the last fleet roster received, local names excluded.
func (s *Sync) RemoteAgents() []RemoteAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteAgent(nil), s.remoteAgents...)
}

// SendCrossMachineMessage relays a message to an agent on another machine.
// Delivery is best-effort from here on; nothing is queued locally.
func (s *Sync) SendCrossMachineMessage(ctx context.Context, to, from, body, thread string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return s.client.SendMessage(ctx, CrossMachineMessage{
		From:      from,
		FromHost:  s.machine,
		To:        to,
		Body:      body,
		Thread:    thread,
		Timestamp: time.Now().UnixMilli(),
	})
}

// PullCredentials refreshes credentials on demand.
func (s *Sync) PullCredentials(ctx context.Context) (*Credentials, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	return s.client.PullCredentials(ctx)
}

// tick runs one heartbeat cycle. A false return stops the loop: either the
// context was cancelled or the api key was rejected.
func (s *Sync) tick(ctx context.Context) bool {
	local := s.roster.Agents()
	agents := make([]agentInfo, 0, len(local))
	localNames := make(map[string]struct{}, len(local))
	for _, a := range local {
		localNames[a.Name] = struct{}{}
		agents = append(agents, agentInfo{
			Name:      a.Name,
			Program:   a.Program,
			Model:     a.Model,
			Workspace: a.WorkingDirectory,
		})
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()

	resp, err := s.client.Heartbeat(ctx, heartbeatRequest{
		MachineID:   s.machine,
		Hostname:    host,
		Agents:      agents,
		UptimeMs:    time.Since(s.started).Milliseconds(),
		MemoryBytes: mem.Alloc,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, ErrUnauthorized) {
			metrics.CloudHeartbeats.WithLabelValues("unauthorized").Inc()
			s.setConnected(false)
			s.emit(ctx, model.EventCloudDisconnected, map[string]any{"reason": "unauthorized"})
			s.logger.Warn("cloud api key rejected, sync stopped")
			return false
		}
		metrics.CloudHeartbeats.WithLabelValues("error").Inc()
		s.setConnected(false)
		s.emit(ctx, model.EventCloudError, map[string]any{"error": err.Error()})
		s.logger.Debug("cloud heartbeat failed", "error", err)
		return true
	}

	metrics.CloudHeartbeats.WithLabelValues("ok").Inc()
	s.setConnected(true)

	for _, cmd := range resp.Commands {
		s.emit(ctx, model.EventCloudCommand, map[string]any{
			"id": cmd.ID, "action": cmd.Action, "agent": cmd.Agent, "args": cmd.Args,
		})
	}
	for _, msg := range resp.Messages {
		s.emit(ctx, model.EventCloudMessage, map[string]any{
			"id": msg.ID, "from": msg.From, "fromMachine": msg.FromHost,
			"to": msg.To, "body": msg.Body, "thread": msg.Thread, "ts": msg.Timestamp,
		})
	}

	remote := resp.AllAgents[:0:0]
	for _, a := range resp.AllAgents {
		if _, isLocal := localNames[a.Name]; isLocal {
			continue
		}
		remote = append(remote, a)
	}
	if len(remote) > 0 {
		s.mu.Lock()
		s.remoteAgents = remote
		s.mu.Unlock()
		names := make([]string, len(remote))
		for i, a := range remote {
			names[i] = a.Name
		}
		s.emit(ctx, model.EventCloudRemoteAgents, map[string]any{"agents": names})
	}
	return true
}

func (s *Sync) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Sync) emit(ctx context.Context, kind model.EventType, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.PublishDaemonEvent(ctx, model.DaemonEvent{
		Type:      kind,
		Data:      data,
		Timestamp: time.Now(),
	})
}
