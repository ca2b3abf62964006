package consensus

import (
	"context"
	"strings"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
)

// OnSend implements the router's send observer. It scans message bodies for
// PROPOSE:, VOTE and CANCEL commands so agents can run votes without any
// protocol extension beyond plain SENDs.
func (e *Engine) OnSend(ctx context.Context, from string, payload *protocol.SendPayload) {
	if payload == nil {
		return
	}
	// Skip the engine's own notices to avoid re-parsing them.
	if payload.Data != nil {
		if _, ours := payload.Data["_consensusAction"]; ours {
			return
		}
	}
	body := strings.TrimSpace(payload.Body)
	switch {
	case strings.HasPrefix(body, "PROPOSE:"):
		e.handlePropose(ctx, from, strings.TrimSpace(strings.TrimPrefix(body, "PROPOSE:")), payload.Data)
	case strings.HasPrefix(body, "VOTE "):
		e.handleVote(ctx, from, strings.TrimPrefix(body, "VOTE "))
	case strings.HasPrefix(body, "CANCEL "):
		id := strings.TrimSpace(strings.TrimPrefix(body, "CANCEL "))
		if err := e.Cancel(ctx, id, from); err != nil {
			e.reply(ctx, from, "CANCEL failed: "+err.Error())
		}
	}
}

// handlePropose opens a proposal from a PROPOSE: command. Structured options
// ride in the envelope's data map so the body stays human readable.
func (e *Engine) handlePropose(ctx context.Context, from, title string, data map[string]any) {
	if title == "" {
		e.reply(ctx, from, "PROPOSE failed: missing title")
		return
	}
	spec := ProposalSpec{
		Title:        title,
		Proposer:     from,
		Participants: stringSlice(data["participants"]),
		Type:         Type(stringValue(data["consensusType"])),
		Threshold:    floatValue(data["threshold"]),
		Quorum:       int(floatValue(data["quorum"])),
		Weights:      floatMap(data["weights"]),
	}
	if d := stringValue(data["description"]); d != "" {
		spec.Description = d
	}
	if ms := floatValue(data["timeoutMs"]); ms > 0 {
		spec.Timeout = time.Duration(ms) * time.Millisecond
	}
	if len(spec.Participants) == 0 {
		e.reply(ctx, from, "PROPOSE failed: data.participants required")
		return
	}
	p, err := e.Propose(ctx, spec)
	if err != nil {
		e.reply(ctx, from, "PROPOSE failed: "+err.Error())
		return
	}
	e.reply(ctx, from, "PROPOSAL "+p.ID+" opened on thread "+p.Thread)
}

func (e *Engine) handleVote(ctx context.Context, from, rest string) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		e.reply(ctx, from, "VOTE failed: usage VOTE <proposal-id> <approve|reject|abstain> [reason]")
		return
	}
	id, value := fields[0], VoteValue(strings.ToLower(fields[1]))
	reason := strings.TrimSpace(strings.Join(fields[2:], " "))
	if err := e.CastVote(ctx, id, from, value, reason); err != nil {
		e.reply(ctx, from, "VOTE failed: "+err.Error())
	}
}

// reply sends a direct engine notice back to the commanding agent.
func (e *Engine) reply(ctx context.Context, to, body string) {
	if e.sender == nil {
		return
	}
	e.sender.SendSystem(ctx, engineAgent, to, &protocol.SendPayload{
		Kind: protocol.KindSystem,
		Body: body,
		Data: map[string]any{"_consensusAction": "reply"},
	})
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func floatMap(v any) map[string]float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, item := range m {
		if f := floatValue(item); f != 0 {
			out[k] = f
		}
	}
	return out
}
