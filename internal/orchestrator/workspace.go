// Package orchestrator manages a set of workspaces, each pairing one relay
// daemon with one agent spawner, and exposes the dashboard HTTP/WebSocket
// surface.
package orchestrator

import (
	"context"
	"time"

	"github.com/agent-relay/relay/internal/domain/model"
)

// Workspace is one managed project directory as persisted in the roster.
type Workspace struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	AddedAt int64  `json:"addedAt"`
}

// SpawnRequest asks a workspace's spawner to start one agent process.
type SpawnRequest struct {
	Name  string         `json:"name"`
	CLI   string         `json:"cli,omitempty"`
	Model string         `json:"model,omitempty"`
	Task  string         `json:"task,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// CrashInfo travels with agent:crashed events so dashboards can offer a
// one-click resume.
type CrashInfo struct {
	Agent       string `json:"agent"`
	WorkspaceID string `json:"workspaceId"`
	ExitCode    int    `json:"exitCode"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

// Spawner starts and stops agent processes inside one workspace. OnCrash is
// invoked from the process reaper when a child dies without being stopped.
type Spawner interface {
	Spawn(ctx context.Context, ws Workspace, req SpawnRequest) error
	Stop(ctx context.Context, ws Workspace, agent string) error
	OnCrash(fn func(CrashInfo))
}

// DaemonHandle is the orchestrator's view of one running relay daemon.
type DaemonHandle interface {
	Agents() []model.AgentInfo
	Stats() model.RelayStats
}

// DaemonStarter boots a daemon for a workspace at orchestrator startup or
// when the workspace is added.
type DaemonStarter interface {
	StartDaemon(ctx context.Context, ws Workspace) (DaemonHandle, error)
	StopDaemon(ctx context.Context, ws Workspace) error
}

// managed pairs a roster entry with its live handles.
type managed struct {
	Workspace
	daemon  DaemonHandle
	started time.Time
}
