package model

import "time"

// EventType identifies a daemon lifecycle event on the internal bus.
type EventType string

const (
	EventAgentConnected    EventType = "agent:connected"
	EventAgentDisconnected EventType = "agent:disconnected"
	EventAgentCrashed      EventType = "agent:crashed"
	EventProposalCreated   EventType = "proposal:created"
	EventProposalResolved  EventType = "proposal:resolved"
	EventCloudCommand      EventType = "cloud:command"
	EventCloudMessage      EventType = "cloud:cross-machine-message"
	EventCloudRemoteAgents EventType = "cloud:remote-agents-updated"
	EventCloudDisconnected EventType = "cloud:disconnected"
	EventCloudError        EventType = "cloud:error"
)

// DaemonEvent is published on the in-process bus and pushed to WebSocket
// dashboard clients by the orchestrator.
type DaemonEvent struct {
	Type        EventType      `json:"type"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
