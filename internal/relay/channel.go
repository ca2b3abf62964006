package relay

import (
	"context"
	"strings"

	"github.com/agent-relay/relay/internal/protocol"
)

// DMChannelName returns the conventional channel name for a direct-message
// room: "dm:" plus the sorted member names. DM channels obey the same
// routing rules as any other channel.
func DMChannelName(members ...string) string {
	sorted := make([]string, len(members))
	copy(sorted, members)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return "dm:" + strings.Join(sorted, ":")
}

func (r *Router) handleChannelJoin(conn *Conn, env *protocol.Envelope) {
	p, err := env.DecodeChannel()
	if err != nil {
		r.logger.Warn("malformed CHANNEL_JOIN", "from", conn.name, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[p.Channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[p.Channel] = members
	}
	if _, already := members[conn.name]; already {
		return
	}

	// Notify existing members before admitting the joiner.
	notice, err := protocol.New(protocol.TypeChannelJoin, &protocol.ChannelPayload{Channel: p.Channel})
	if err == nil {
		notice.From = conn.name
		for name := range members {
			if member, ok := r.agents[name]; ok {
				member.Send(notice, protocol.ImportanceNormal)
			}
		}
	}

	members[conn.name] = struct{}{}
	chans, ok := r.memberChannels[conn.name]
	if !ok {
		chans = make(map[string]struct{})
		r.memberChannels[conn.name] = chans
	}
	chans[p.Channel] = struct{}{}
}

func (r *Router) handleChannelLeave(conn *Conn, env *protocol.Envelope) {
	p, err := env.DecodeChannel()
	if err != nil {
		r.logger.Warn("malformed CHANNEL_LEAVE", "from", conn.name, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveChannelLocked(conn.name, p.Channel, true)
}

// leaveChannelLocked removes the member and garbage-collects empty channels.
func (r *Router) leaveChannelLocked(agent, channel string, notify bool) {
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	if _, in := members[agent]; !in {
		return
	}
	delete(members, agent)
	if chans, ok := r.memberChannels[agent]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.memberChannels, agent)
		}
	}
	if len(members) == 0 {
		delete(r.channels, channel)
		return
	}
	if !notify {
		return
	}
	notice, err := protocol.New(protocol.TypeChannelLeave, &protocol.ChannelPayload{Channel: channel})
	if err != nil {
		return
	}
	notice.From = agent
	for name := range members {
		if member, ok := r.agents[name]; ok {
			member.Send(notice, protocol.ImportanceNormal)
		}
	}
}

// handleChannelMessage fans a CHANNEL_MESSAGE out to every current member
// except the sender, honoring threading. Channel traffic is fire-and-forget:
// no pending tracking, no persistence.
func (r *Router) handleChannelMessage(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	payload, err := env.DecodeSend()
	if err != nil {
		r.logger.Warn("malformed CHANNEL_MESSAGE", "from", conn.name, "error", err)
		return
	}
	if payload.Channel == "" {
		r.logger.Warn("CHANNEL_MESSAGE without channel", "from", conn.name)
		return
	}

	r.mu.Lock()
	r.clearProcessingLocked(conn.name)
	members, ok := r.channels[payload.Channel]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("CHANNEL_MESSAGE to unknown channel",
			"from", conn.name, "channel", payload.Channel)
		return
	}
	if _, in := members[conn.name]; !in {
		r.mu.Unlock()
		r.logger.Warn("CHANNEL_MESSAGE from non-member",
			"from", conn.name, "channel", payload.Channel)
		return
	}

	out, err := protocol.New(protocol.TypeChannelMessage, payload)
	if err == nil {
		out.From = conn.name
		for name := range members {
			if name == conn.name {
				continue
			}
			if member, ok := r.agents[name]; ok {
				member.Send(out, payload.Importance)
			}
		}
	}
	r.mu.Unlock()

	r.notifyObservers(ctx, conn.name, payload)
}

// ChannelMembers returns a snapshot of the channel's membership.
func (r *Router) ChannelMembers(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name := range r.channels[channel] {
		out = append(out, name)
	}
	return out
}

// JoinChannel adds a member administratively (used by the orchestrator and
// tests); the wire path goes through CHANNEL_JOIN envelopes.
func (r *Router) JoinChannel(agent, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[agent] = struct{}{}
	chans, ok := r.memberChannels[agent]
	if !ok {
		chans = make(map[string]struct{})
		r.memberChannels[agent] = chans
	}
	chans[channel] = struct{}{}
}
