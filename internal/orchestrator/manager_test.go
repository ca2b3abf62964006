package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/domain/model"
)

type testBus struct {
	mu     sync.Mutex
	events []model.DaemonEvent
}

func (b *testBus) PublishDaemonEvent(ctx context.Context, ev model.DaemonEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *testBus) Subscribe(ctx context.Context) (<-chan model.DaemonEvent, error) {
	return nil, errors.New("not implemented")
}

func (b *testBus) Close() error { return nil }

type fakeDaemon struct{ agents []model.AgentInfo }

func (d *fakeDaemon) Agents() []model.AgentInfo { return d.agents }
func (d *fakeDaemon) Stats() model.RelayStats   { return model.RelayStats{} }

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (s *fakeStarter) StartDaemon(ctx context.Context, ws Workspace) (DaemonHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, ws.ID)
	return &fakeDaemon{agents: []model.AgentInfo{{Name: "resident"}}}, nil
}

func (s *fakeStarter) StopDaemon(ctx context.Context, ws Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, ws.ID)
	return nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []string
	stopped []string
	crash   func(CrashInfo)
}

func (s *fakeSpawner) Spawn(ctx context.Context, ws Workspace, req SpawnRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, req.Name)
	return nil
}

func (s *fakeSpawner) Stop(ctx context.Context, ws Workspace, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, agent)
	return nil
}

func (s *fakeSpawner) OnCrash(fn func(CrashInfo)) { s.crash = fn }

func newTestManager(t *testing.T, opts ManagerOptions, starter DaemonStarter, spawner Spawner) (*Manager, *testBus) {
	t.Helper()
	if opts.ConfigDir == "" {
		opts.ConfigDir = t.TempDir()
	}
	bus := &testBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(logger, opts, starter, spawner, bus), bus
}

func TestAddAndListWorkspaces(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{}, nil, nil)
	ctx := context.Background()

	first, err := m.Add(ctx, "app", t.TempDir())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.Name != "app" || first.ID == "" {
		t.Errorf("workspace = %+v", first)
	}
	if m.ActiveID() != first.ID {
		t.Errorf("first workspace should become active")
	}

	time.Sleep(2 * time.Millisecond)
	dir := t.TempDir()
	second, err := m.Add(ctx, "", dir)
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	if second.Name != filepath.Base(dir) {
		t.Errorf("name = %q, want the directory basename", second.Name)
	}
	if m.ActiveID() != first.ID {
		t.Errorf("active switched unexpectedly")
	}

	if _, err := m.Add(ctx, "dup", dir); !errors.Is(err, ErrDuplicatePath) {
		t.Errorf("duplicate path: err = %v", err)
	}

	list := m.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestRosterSurvivesReload(t *testing.T) {
	cfgDir := t.TempDir()
	m, _ := newTestManager(t, ManagerOptions{ConfigDir: cfgDir}, nil, nil)
	ctx := context.Background()

	first, err := m.Add(ctx, "a", t.TempDir())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := m.Add(ctx, "b", t.TempDir())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.Switch(second.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}

	reloaded, _ := newTestManager(t, ManagerOptions{ConfigDir: cfgDir}, nil, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := reloaded.List(); len(got) != 2 || got[0].ID != first.ID {
		t.Errorf("reloaded list = %+v", got)
	}
	if reloaded.ActiveID() != second.ID {
		t.Errorf("active id = %q, want %q", reloaded.ActiveID(), second.ID)
	}
}

func TestLoadWithoutRosterIsClean(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{}, nil, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("load empty dir: %v", err)
	}
	if len(m.List()) != 0 {
		t.Errorf("list = %+v, want empty", m.List())
	}
}

func TestRemovePromotesOldest(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{}, nil, nil)
	ctx := context.Background()

	first, _ := m.Add(ctx, "a", t.TempDir())
	time.Sleep(2 * time.Millisecond)
	second, _ := m.Add(ctx, "b", t.TempDir())
	time.Sleep(2 * time.Millisecond)
	third, _ := m.Add(ctx, "c", t.TempDir())

	if err := m.Remove(ctx, first.ID); err != nil {
		t.Fatalf("remove active: %v", err)
	}
	if m.ActiveID() != second.ID {
		t.Errorf("active = %q, want the oldest remaining %q", m.ActiveID(), second.ID)
	}
	if _, ok := m.Get(first.ID); ok {
		t.Error("removed workspace still present")
	}
	if _, ok := m.Get(third.ID); !ok {
		t.Error("unrelated workspace lost")
	}

	if err := m.Remove(ctx, "nope"); !errors.Is(err, ErrUnknownWorkspace) {
		t.Errorf("remove unknown: err = %v", err)
	}
}

func TestSwitchUnknownWorkspace(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{}, nil, nil)
	if _, err := m.Switch("nope"); !errors.Is(err, ErrUnknownWorkspace) {
		t.Errorf("err = %v", err)
	}
}

func TestAutoStartDaemons(t *testing.T) {
	cfgDir := t.TempDir()
	starter := &fakeStarter{}
	m, _ := newTestManager(t, ManagerOptions{ConfigDir: cfgDir, AutoStartDaemons: true}, starter, nil)
	ctx := context.Background()

	ws, err := m.Add(ctx, "a", t.TempDir())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(starter.started) != 1 || starter.started[0] != ws.ID {
		t.Errorf("started = %v", starter.started)
	}

	agents, err := m.Agents(ws.ID)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "resident" {
		t.Errorf("agents = %+v", agents)
	}

	// A second manager autostarts daemons for surviving directories only.
	time.Sleep(2 * time.Millisecond)
	goneDir := filepath.Join(t.TempDir(), "gone")
	if err := os.Mkdir(goneDir, 0o755); err != nil {
		t.Fatal(err)
	}
	gone, err := m.Add(ctx, "gone", goneDir)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := os.Remove(goneDir); err != nil {
		t.Fatal(err)
	}

	starter2 := &fakeStarter{}
	m2, _ := newTestManager(t, ManagerOptions{ConfigDir: cfgDir, AutoStartDaemons: true}, starter2, nil)
	if err := m2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(starter2.started) != 1 || starter2.started[0] != ws.ID {
		t.Errorf("autostarted = %v, want only the surviving workspace", starter2.started)
	}
	if _, ok := m2.Get(gone.ID); !ok {
		t.Error("workspace with a missing dir should stay on the roster")
	}
}

func TestRemoveStopsDaemon(t *testing.T) {
	starter := &fakeStarter{}
	m, _ := newTestManager(t, ManagerOptions{AutoStartDaemons: true}, starter, nil)
	ctx := context.Background()

	ws, err := m.Add(ctx, "a", t.TempDir())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Remove(ctx, ws.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(starter.stopped) != 1 || starter.stopped[0] != ws.ID {
		t.Errorf("stopped = %v", starter.stopped)
	}
}

func TestSpawnAndStopAgent(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newTestManager(t, ManagerOptions{}, nil, spawner)
	ctx := context.Background()

	ws, err := m.Add(ctx, "a", t.TempDir())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Spawn(ctx, ws.ID, SpawnRequest{Name: "worker", CLI: "claude"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.StopAgent(ctx, ws.ID, "worker"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(spawner.spawned) != 1 || spawner.spawned[0] != "worker" {
		t.Errorf("spawned = %v", spawner.spawned)
	}
	if len(spawner.stopped) != 1 || spawner.stopped[0] != "worker" {
		t.Errorf("stopped = %v", spawner.stopped)
	}

	if err := m.Spawn(ctx, "nope", SpawnRequest{Name: "x"}); !errors.Is(err, ErrUnknownWorkspace) {
		t.Errorf("spawn unknown workspace: err = %v", err)
	}
}

func TestSpawnWithoutSpawner(t *testing.T) {
	m, _ := newTestManager(t, ManagerOptions{}, nil, nil)
	ctx := context.Background()
	ws, err := m.Add(ctx, "a", t.TempDir())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Spawn(ctx, ws.ID, SpawnRequest{Name: "x"}); err == nil {
		t.Error("spawn without a spawner should error")
	}
}

func TestCrashPublishesEvent(t *testing.T) {
	spawner := &fakeSpawner{}
	m, bus := newTestManager(t, ManagerOptions{}, nil, spawner)
	_ = m

	if spawner.crash == nil {
		t.Fatal("crash callback not registered")
	}
	spawner.crash(CrashInfo{Agent: "worker", WorkspaceID: "ws1", ExitCode: 137, ResumeToken: "tok"})

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.events) != 1 {
		t.Fatalf("events = %d, want 1", len(bus.events))
	}
	ev := bus.events[0]
	if ev.Type != model.EventAgentCrashed || ev.Agent != "worker" || ev.WorkspaceID != "ws1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Data["exitCode"] != 137 || ev.Data["resumeToken"] != "tok" {
		t.Errorf("event data = %v", ev.Data)
	}
}
