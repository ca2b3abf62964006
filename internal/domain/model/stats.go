package model

import "time"

// RelayStats is a point-in-time snapshot of the router's in-memory state,
// exposed for observability.
type RelayStats struct {
	ConnectedAgents   int           `json:"connected_agents"`
	TotalConnections  int           `json:"total_connections"`
	Topics            int           `json:"topics"`
	Channels          int           `json:"channels"`
	PendingDeliveries int           `json:"pending_deliveries"`
	ProcessingAgents  []string      `json:"processing_agents,omitempty"`
	Uptime            time.Duration `json:"uptime"`
}

// AgentInfo describes one registered agent for roster listings and the
// cloud heartbeat.
type AgentInfo struct {
	Name             string `json:"name"`
	CLI              string `json:"cli,omitempty"`
	Program          string `json:"program,omitempty"`
	Model            string `json:"model,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	SessionID        string `json:"sessionId"`
	ConnectedAt      int64  `json:"connectedAt"`
}
