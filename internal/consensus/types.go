// Package consensus runs proposal votes among agents. Proposals arrive as
// PROPOSE/VOTE/CANCEL commands embedded in message bodies; results go back
// out as formatted messages through the router and as bus events.
package consensus

import (
	"strings"
	"time"
)

// Type selects the decision rule.
type Type string

const (
	TypeMajority      Type = "majority"
	TypeUnanimous     Type = "unanimous"
	TypeSupermajority Type = "supermajority"
	TypeWeighted      Type = "weighted"
	TypeQuorum        Type = "quorum"
)

// DefaultThreshold is the supermajority cut when none is specified.
const DefaultThreshold = 2.0 / 3.0

// DefaultTimeout applies when a proposal does not set its own.
const DefaultTimeout = 5 * time.Minute

// Status is a proposal's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusNoConsensus Status = "no_consensus"
	StatusExpired     Status = "expired"
	StatusCancelled   Status = "cancelled"
)

// VoteValue is a participant's position.
type VoteValue string

const (
	VoteApprove VoteValue = "approve"
	VoteReject  VoteValue = "reject"
	VoteAbstain VoteValue = "abstain"
)

// Vote is one participant's current position. A newer vote from the same
// agent overwrites the older one.
type Vote struct {
	Agent  string    `json:"agent"`
	Value  VoteValue `json:"value"`
	Reason string    `json:"reason,omitempty"`
	TS     int64     `json:"ts"`
}

// Proposal is the full in-memory state of one vote.
type Proposal struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	Proposer     string             `json:"proposer"`
	Participants []string           `json:"participants"`
	Type         Type               `json:"consensusType"`
	Threshold    float64            `json:"threshold,omitempty"`
	Quorum       int                `json:"quorum,omitempty"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Timeout      time.Duration      `json:"timeoutMs"`
	CreatedAt    time.Time          `json:"createdAt"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	Status       Status             `json:"status"`
	Votes        map[string]Vote    `json:"votes"`
	Thread       string             `json:"thread"`
}

// IsParticipant reports whether agent was declared on the proposal.
func (p *Proposal) IsParticipant(agent string) bool {
	for _, name := range p.Participants {
		if name == agent {
			return true
		}
	}
	return false
}

// weightOf returns the agent's voting weight, defaulting to 1.
func (p *Proposal) weightOf(agent string) float64 {
	if w, ok := p.Weights[agent]; ok {
		return w
	}
	return 1
}

// Outcome is the resolved tally attached to proposal:resolved events.
type Outcome struct {
	ProposalID    string   `json:"proposalId"`
	Decision      Status   `json:"decision"`
	ApproveWeight float64  `json:"approveWeight"`
	RejectWeight  float64  `json:"rejectWeight"`
	VotesCast     int      `json:"votesCast"`
	NonVoters     []string `json:"nonVoters"`
}

// Slug derives the consensus thread id from a title: lowercase, spaces to
// hyphens, everything else dropped.
func Slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return slug
}
