package model

// SessionCloser records which path ended a session.
type SessionCloser string

const (
	ClosedExplicit   SessionCloser = "explicit"
	ClosedDisconnect SessionCloser = "disconnect"
	ClosedError      SessionCloser = "error"
)

// Session is one registered lifetime of an agent name on the daemon. A new
// session opens on successful handshake; EndedAt stays zero while live.
type Session struct {
	ID           string        `json:"id"`
	AgentName    string        `json:"agentName"`
	CLI          string        `json:"cli,omitempty"`
	ProjectID    string        `json:"projectId,omitempty"`
	StartedAt    int64         `json:"startedAt"`
	EndedAt      int64         `json:"endedAt,omitempty"`
	MessageCount int           `json:"messageCount"`
	Summary      string        `json:"summary,omitempty"`
	ResumeToken  string        `json:"resumeToken,omitempty"`
	ClosedBy     SessionCloser `json:"closedBy,omitempty"`
}

// Active reports whether the session has not been closed.
func (s *Session) Active() bool { return s.EndedAt == 0 }
