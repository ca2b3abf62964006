package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agent-relay/relay/internal/adapter/pubsub"
	"github.com/agent-relay/relay/internal/domain/model"
)

var (
	ErrUnknownWorkspace = errors.New("orchestrator: unknown workspace")
	ErrDuplicatePath    = errors.New("orchestrator: path already managed")
)

const rosterFile = "workspaces.json"

// rosterState is the on-disk shape of workspaces.json.
type rosterState struct {
	Workspaces        []Workspace `json:"workspaces"`
	ActiveWorkspaceID string      `json:"activeWorkspaceId,omitempty"`
}

// ManagerOptions configures the workspace manager.
type ManagerOptions struct {
	ConfigDir        string
	AutoStartDaemons bool
}

// Manager owns the workspace roster and proxies spawn/stop to the right
// workspace. All mutations rewrite workspaces.json before returning.
type Manager struct {
	logger  *slog.Logger
	opts    ManagerOptions
	starter DaemonStarter
	spawner Spawner
	events  pubsub.EventDispatcher

	mu         sync.Mutex
	workspaces map[string]*managed
	activeID   string
}

func NewManager(logger *slog.Logger, opts ManagerOptions, starter DaemonStarter, spawner Spawner, events pubsub.EventDispatcher) *Manager {
	m := &Manager{
		logger:     logger,
		opts:       opts,
		starter:    starter,
		spawner:    spawner,
		events:     events,
		workspaces: make(map[string]*managed),
	}
	if spawner != nil {
		spawner.OnCrash(m.onCrash)
	}
	return m
}

// Load reads workspaces.json and, when autoStartDaemons is set, boots a
// daemon for every workspace whose directory still exists.
func (m *Manager) Load(ctx context.Context) error {
	raw, err := os.ReadFile(m.rosterPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: read roster: %w", err)
	}
	var state rosterState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("orchestrator: parse roster: %w", err)
	}

	m.mu.Lock()
	for i := range state.Workspaces {
		ws := state.Workspaces[i]
		m.workspaces[ws.ID] = &managed{Workspace: ws}
	}
	if _, ok := m.workspaces[state.ActiveWorkspaceID]; ok {
		m.activeID = state.ActiveWorkspaceID
	}
	m.mu.Unlock()

	if !m.opts.AutoStartDaemons || m.starter == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, ws := range m.List() {
		ws := ws
		if _, err := os.Stat(ws.Path); err != nil {
			m.logger.Warn("workspace directory missing, daemon not started",
				"workspace", ws.ID, "path", ws.Path)
			continue
		}
		g.Go(func() error {
			if err := m.startDaemon(gctx, ws.ID); err != nil {
				m.logger.Warn("daemon autostart failed", "workspace", ws.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Add registers a workspace and persists the roster. The first workspace
// becomes active automatically.
func (m *Manager) Add(ctx context.Context, name, path string) (Workspace, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("orchestrator: resolve path: %w", err)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	m.mu.Lock()
	for _, w := range m.workspaces {
		if w.Path == abs {
			m.mu.Unlock()
			return Workspace{}, ErrDuplicatePath
		}
	}
	ws := Workspace{
		ID:      uuid.NewString(),
		Name:    name,
		Path:    abs,
		AddedAt: time.Now().UnixMilli(),
	}
	m.workspaces[ws.ID] = &managed{Workspace: ws}
	if m.activeID == "" {
		m.activeID = ws.ID
	}
	err = m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return Workspace{}, err
	}

	if m.opts.AutoStartDaemons {
		if err := m.startDaemon(ctx, ws.ID); err != nil {
			m.logger.Warn("daemon start failed", "workspace", ws.ID, "error", err)
		}
	}
	return ws, nil
}

// Remove stops the workspace's daemon and deletes it from the roster.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownWorkspace
	}
	delete(m.workspaces, id)
	if m.activeID == id {
		m.activeID = ""
		// Promote the oldest remaining workspace.
		var oldest *managed
		for _, cand := range m.workspaces {
			if oldest == nil || cand.AddedAt < oldest.AddedAt {
				oldest = cand
			}
		}
		if oldest != nil {
			m.activeID = oldest.ID
		}
	}
	err := m.persistLocked()
	ws, daemon := w.Workspace, w.daemon
	m.mu.Unlock()

	if daemon != nil && m.starter != nil {
		if stopErr := m.starter.StopDaemon(ctx, ws); stopErr != nil {
			m.logger.Warn("daemon stop failed", "workspace", id, "error", stopErr)
		}
	}
	return err
}

// Switch marks one workspace active.
func (m *Manager) Switch(id string) (Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[id]
	if !ok {
		return Workspace{}, ErrUnknownWorkspace
	}
	m.activeID = id
	if err := m.persistLocked(); err != nil {
		return Workspace{}, err
	}
	return w.Workspace, nil
}

// Get returns one workspace by id.
func (m *Manager) Get(id string) (Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[id]
	if !ok {
		return Workspace{}, false
	}
	return w.Workspace, true
}

// List returns the roster ordered by AddedAt.
func (m *Manager) List() []Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		out = append(out, w.Workspace)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt < out[j].AddedAt })
	return out
}

// ActiveID returns the active workspace id, empty when none.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Agents lists the agents connected to one workspace's daemon.
func (m *Manager) Agents(id string) ([]model.AgentInfo, error) {
	m.mu.Lock()
	w, ok := m.workspaces[id]
	var daemon DaemonHandle
	if ok {
		daemon = w.daemon
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownWorkspace
	}
	if daemon == nil {
		return nil, nil
	}
	return daemon.Agents(), nil
}

// Spawn proxies an agent spawn to the workspace's spawner.
func (m *Manager) Spawn(ctx context.Context, id string, req SpawnRequest) error {
	ws, ok := m.Get(id)
	if !ok {
		return ErrUnknownWorkspace
	}
	if m.spawner == nil {
		return errors.New("orchestrator: no spawner configured")
	}
	return m.spawner.Spawn(ctx, ws, req)
}

// StopAgent proxies an agent stop to the workspace's spawner.
func (m *Manager) StopAgent(ctx context.Context, id, agent string) error {
	ws, ok := m.Get(id)
	if !ok {
		return ErrUnknownWorkspace
	}
	if m.spawner == nil {
		return errors.New("orchestrator: no spawner configured")
	}
	return m.spawner.Stop(ctx, ws, agent)
}

func (m *Manager) startDaemon(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.workspaces[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownWorkspace
	}
	daemon, err := m.starter.StartDaemon(ctx, w.Workspace)
	if err != nil {
		return err
	}
	m.mu.Lock()
	w.daemon = daemon
	w.started = time.Now()
	m.mu.Unlock()
	return nil
}

// onCrash turns a reaped child into an agent:crashed event with the resume
// hint attached.
func (m *Manager) onCrash(info CrashInfo) {
	m.logger.Warn("agent process died",
		"agent", info.Agent, "workspace", info.WorkspaceID, "exit_code", info.ExitCode)
	if m.events == nil {
		return
	}
	m.events.PublishDaemonEvent(context.Background(), model.DaemonEvent{
		Type:        model.EventAgentCrashed,
		WorkspaceID: info.WorkspaceID,
		Agent:       info.Agent,
		Data: map[string]any{
			"exitCode":    info.ExitCode,
			"resumeToken": info.ResumeToken,
		},
		Timestamp: time.Now(),
	})
}

func (m *Manager) rosterPath() string {
	return filepath.Join(m.opts.ConfigDir, rosterFile)
}

// persistLocked rewrites workspaces.json; callers hold m.mu.
func (m *Manager) persistLocked() error {
	state := rosterState{ActiveWorkspaceID: m.activeID}
	for _, w := range m.workspaces {
		state.Workspaces = append(state.Workspaces, w.Workspace)
	}
	sort.Slice(state.Workspaces, func(i, j int) bool {
		return state.Workspaces[i].AddedAt < state.Workspaces[j].AddedAt
	})
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: encode roster: %w", err)
	}
	if err := os.MkdirAll(m.opts.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: config dir: %w", err)
	}
	tmp := m.rosterPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write roster: %w", err)
	}
	return os.Rename(tmp, m.rosterPath())
}
