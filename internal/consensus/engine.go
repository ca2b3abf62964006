package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/metrics"
	"github.com/agent-relay/relay/internal/protocol"
)

var (
	ErrUnknownProposal = errors.New("consensus: unknown proposal")
	ErrNotParticipant  = errors.New("consensus: agent is not a participant")
	ErrNotProposer     = errors.New("consensus: only the proposer may cancel")
	ErrAlreadyResolved = errors.New("consensus: proposal already resolved")
)

// Sender delivers engine-originated messages; the router implements it.
type Sender interface {
	SendSystem(ctx context.Context, from, to string, payload *protocol.SendPayload) bool
}

// EventSink receives proposal lifecycle events.
type EventSink interface {
	PublishDaemonEvent(ctx context.Context, ev model.DaemonEvent)
}

// engineAgent is the `from` name on engine-originated messages.
const engineAgent = "consensus"

// Engine holds all live proposals. State is in-memory only: proposals do not
// survive a daemon restart.
type Engine struct {
	logger *slog.Logger
	sender Sender
	events EventSink

	mu        sync.Mutex
	proposals map[string]*Proposal
	timers    map[string]*time.Timer
}

func NewEngine(logger *slog.Logger, sender Sender, events EventSink) *Engine {
	return &Engine{
		logger:    logger,
		sender:    sender,
		events:    events,
		proposals: make(map[string]*Proposal),
		timers:    make(map[string]*time.Timer),
	}
}

// ProposalSpec is the input to Propose.
type ProposalSpec struct {
	Title        string
	Description  string
	Proposer     string
	Participants []string
	Type         Type
	Threshold    float64
	Quorum       int
	Weights      map[string]float64
	Timeout      time.Duration
}

// Propose opens a proposal, arms its expiry timer and notifies every
// participant with a formatted ballot message.
func (e *Engine) Propose(ctx context.Context, spec ProposalSpec) (*Proposal, error) {
	if spec.Title == "" {
		return nil, errors.New("consensus: proposal title required")
	}
	if len(spec.Participants) == 0 {
		return nil, errors.New("consensus: at least one participant required")
	}
	if spec.Type == "" {
		spec.Type = TypeMajority
	}
	switch spec.Type {
	case TypeMajority, TypeUnanimous, TypeSupermajority, TypeWeighted, TypeQuorum:
	default:
		return nil, fmt.Errorf("consensus: unknown type %q", spec.Type)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	if spec.Type == TypeSupermajority && spec.Threshold <= 0 {
		spec.Threshold = DefaultThreshold
	}

	now := time.Now()
	p := &Proposal{
		ID:           uuid.NewString(),
		Title:        spec.Title,
		Description:  spec.Description,
		Proposer:     spec.Proposer,
		Participants: append([]string(nil), spec.Participants...),
		Type:         spec.Type,
		Threshold:    spec.Threshold,
		Quorum:       spec.Quorum,
		Weights:      spec.Weights,
		Timeout:      spec.Timeout,
		CreatedAt:    now,
		ExpiresAt:    now.Add(spec.Timeout),
		Status:       StatusPending,
		Votes:        make(map[string]Vote),
		Thread:       "consensus-" + Slug(spec.Title),
	}

	e.mu.Lock()
	e.proposals[p.ID] = p
	id := p.ID
	e.timers[p.ID] = time.AfterFunc(spec.Timeout, func() {
		e.expire(id)
	})
	e.mu.Unlock()

	e.emit(ctx, model.EventProposalCreated, p, nil)
	e.broadcast(ctx, p, fmt.Sprintf(
		"PROPOSAL %s by %s: %s\nType: %s. Vote with `VOTE %s approve|reject|abstain [reason]`. Expires %s.",
		p.ID, p.Proposer, p.Title, p.Type, p.ID, p.ExpiresAt.Format(time.RFC3339)))
	return p, nil
}

// CastVote records or overwrites a participant's vote and auto-resolves the
// proposal when the outcome can no longer change.
func (e *Engine) CastVote(ctx context.Context, proposalID, agent string, value VoteValue, reason string) error {
	switch value {
	case VoteApprove, VoteReject, VoteAbstain:
	default:
		return fmt.Errorf("consensus: invalid vote %q", value)
	}

	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownProposal
	}
	if p.Status != StatusPending {
		e.mu.Unlock()
		return ErrAlreadyResolved
	}
	if !p.IsParticipant(agent) {
		e.mu.Unlock()
		return ErrNotParticipant
	}
	p.Votes[agent] = Vote{Agent: agent, Value: value, Reason: reason, TS: time.Now().UnixMilli()}

	decision, determined := e.evaluateLocked(p, false)
	if determined {
		e.resolveLocked(p, decision)
		out := e.outcomeLocked(p)
		e.mu.Unlock()
		e.announce(ctx, p, out)
		return nil
	}
	e.mu.Unlock()
	return nil
}

// Cancel transitions a pending proposal to cancelled. Proposer only.
func (e *Engine) Cancel(ctx context.Context, proposalID, agent string) error {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownProposal
	}
	if p.Proposer != agent {
		e.mu.Unlock()
		return ErrNotProposer
	}
	if p.Status != StatusPending {
		e.mu.Unlock()
		return ErrAlreadyResolved
	}
	e.resolveLocked(p, StatusCancelled)
	out := e.outcomeLocked(p)
	e.mu.Unlock()
	e.announce(ctx, p, out)
	return nil
}

// Get returns a snapshot of one proposal.
func (e *Engine) Get(proposalID string) (*Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	return &cp, true
}

// expire resolves a proposal with its partial tally when the timer fires.
func (e *Engine) expire(proposalID string) {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok || p.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	decision, _ := e.evaluateLocked(p, true)
	e.resolveLocked(p, decision)
	out := e.outcomeLocked(p)
	e.mu.Unlock()
	e.announce(context.Background(), p, out)
}

// tallyLocked sums weighted approve/reject totals over participant votes.
// Abstentions count as cast votes but never toward either side.
func (e *Engine) tallyLocked(p *Proposal) (approve, reject float64, cast int) {
	for _, v := range p.Votes {
		if !p.IsParticipant(v.Agent) {
			continue
		}
		cast++
		switch v.Value {
		case VoteApprove:
			approve += p.weightOf(v.Agent)
		case VoteReject:
			reject += p.weightOf(v.Agent)
		}
	}
	return approve, reject, cast
}

// remainingWeightLocked is the maximum weight still uncast.
func (e *Engine) remainingWeightLocked(p *Proposal) float64 {
	var w float64
	for _, name := range p.Participants {
		if _, voted := p.Votes[name]; !voted {
			w += p.weightOf(name)
		}
	}
	return w
}

// evaluateLocked decides the proposal. With final=false it reports whether
// the outcome is already mathematically determined, assuming every uncast
// vote could still land on either side. With final=true (expiry) it decides
// from the partial tally. Identical inputs always produce identical
// outcomes: the rules are pure functions of the vote multiset.
func (e *Engine) evaluateLocked(p *Proposal, final bool) (Status, bool) {
	approve, reject, cast := e.tallyLocked(p)
	remaining := e.remainingWeightLocked(p)
	allVoted := cast == len(p.Participants)

	switch p.Type {
	case TypeUnanimous:
		if reject > 0 {
			return StatusRejected, true
		}
		if allVoted && approve == e.totalWeightLocked(p) {
			return StatusApproved, true
		}
		if final || allVoted {
			// Someone abstained or never voted: unanimity failed.
			return StatusNoConsensus, true
		}
		// A single future abstain or reject can still break unanimity.
		return StatusPending, false

	case TypeSupermajority:
		threshold := p.Threshold
		if threshold <= 0 {
			threshold = DefaultThreshold
		}
		// Worst case: every remaining vote lands on reject.
		if nonAbstain := approve + reject + remaining; nonAbstain > 0 && approve/nonAbstain >= threshold {
			return StatusApproved, true
		}
		// Best case: every remaining vote lands on approve.
		if best := approve + remaining; approve+reject+remaining == 0 || best/(approve+reject+remaining) < threshold {
			return StatusNoConsensus, true
		}
		if final || allVoted {
			if total := approve + reject; total > 0 && approve/total >= threshold {
				return StatusApproved, true
			}
			return StatusNoConsensus, true
		}
		return StatusPending, false

	case TypeQuorum:
		if final || allVoted {
			if cast < p.Quorum {
				return StatusNoConsensus, true
			}
			return majorityDecision(approve, reject), true
		}
		// Quorum could still be met; fall back to majority early-exit
		// only when quorum is already satisfied.
		if cast >= p.Quorum {
			if s, ok := majorityDetermined(approve, reject, remaining); ok {
				return s, true
			}
		}
		return StatusPending, false

	default: // majority and weighted share the rule; weighted just sums weights
		if s, ok := majorityDetermined(approve, reject, remaining); ok {
			return s, true
		}
		if final || allVoted {
			return majorityDecision(approve, reject), true
		}
		return StatusPending, false
	}
}

func (e *Engine) totalWeightLocked(p *Proposal) float64 {
	var w float64
	for _, name := range p.Participants {
		w += p.weightOf(name)
	}
	return w
}

func majorityDecision(approve, reject float64) Status {
	switch {
	case approve > reject:
		return StatusApproved
	case reject > approve:
		return StatusRejected
	default:
		return StatusNoConsensus
	}
}

// majorityDetermined reports an outcome that no future vote can overturn.
func majorityDetermined(approve, reject, remaining float64) (Status, bool) {
	if approve > reject+remaining {
		return StatusApproved, true
	}
	if reject > approve+remaining {
		return StatusRejected, true
	}
	return StatusPending, false
}

func (e *Engine) resolveLocked(p *Proposal, decision Status) {
	p.Status = decision
	if t, ok := e.timers[p.ID]; ok {
		t.Stop()
		delete(e.timers, p.ID)
	}
	metrics.ProposalsResolved.WithLabelValues(string(decision)).Inc()
}

func (e *Engine) outcomeLocked(p *Proposal) *Outcome {
	approve, reject, cast := e.tallyLocked(p)
	var nonVoters []string
	for _, name := range p.Participants {
		if _, voted := p.Votes[name]; !voted {
			nonVoters = append(nonVoters, name)
		}
	}
	sort.Strings(nonVoters)
	return &Outcome{
		ProposalID:    p.ID,
		Decision:      p.Status,
		ApproveWeight: approve,
		RejectWeight:  reject,
		VotesCast:     cast,
		NonVoters:     nonVoters,
	}
}

// announce publishes proposal:resolved and broadcasts the formatted result.
func (e *Engine) announce(ctx context.Context, p *Proposal, out *Outcome) {
	e.emit(ctx, model.EventProposalResolved, p, out)
	e.broadcast(ctx, p, fmt.Sprintf(
		"PROPOSAL %s resolved: %s (approve %.4g, reject %.4g, votes %d)",
		p.ID, out.Decision, out.ApproveWeight, out.RejectWeight, out.VotesCast))
}

func (e *Engine) emit(ctx context.Context, kind model.EventType, p *Proposal, out *Outcome) {
	if e.events == nil {
		return
	}
	data := map[string]any{
		"proposalId": p.ID,
		"title":      p.Title,
		"proposer":   p.Proposer,
		"type":       string(p.Type),
		"status":     string(p.Status),
	}
	if out != nil {
		data["outcome"] = out
	}
	e.events.PublishDaemonEvent(ctx, model.DaemonEvent{
		Type:      kind,
		Agent:     p.Proposer,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// broadcast routes a formatted engine message to every participant on the
// proposal's consensus thread.
func (e *Engine) broadcast(ctx context.Context, p *Proposal, body string) {
	if e.sender == nil {
		return
	}
	for _, name := range p.Participants {
		payload := &protocol.SendPayload{
			Kind:       protocol.KindSystem,
			Body:       body,
			Thread:     p.Thread,
			Importance: protocol.ImportanceHigh,
			Data:       map[string]any{"_consensusAction": "notify", "proposalId": p.ID},
		}
		if !e.sender.SendSystem(ctx, engineAgent, name, payload) {
			e.logger.Debug("participant offline for consensus notice",
				"proposal", p.ID, "participant", name)
		}
	}
}
