package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/metrics"
	"github.com/agent-relay/relay/internal/protocol"
	"github.com/agent-relay/relay/internal/store"
)

// Options tune the router's timers and buffers. Zero values take defaults.
type Options struct {
	AckTimeout        time.Duration // retry a DELIVER after this long without ACK (2s)
	MaxAttempts       int           // give up after this many sends (5)
	DeliveryTTL       time.Duration // give up this long after the first send (60s)
	ProcessingTimeout time.Duration // clear the processing flag after this (30s)
	SendBuffer        int           // outbound buffer per connection (256)
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.DeliveryTTL <= 0 {
		o.DeliveryTTL = 60 * time.Second
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Verifier checks envelope signatures at the router boundary.
type Verifier interface {
	VerifyEnvelope(env *protocol.Envelope) error
}

// Gate is the slice of the policy gate the router consults before routing.
type Gate interface {
	CanMessage(sender, recipient string) (allowed bool, reason string)
}

// SendObserver is notified after every routed SEND. The consensus engine
// registers one to pick up PROPOSE/VOTE commands from message bodies.
type SendObserver interface {
	OnSend(ctx context.Context, from string, payload *protocol.SendPayload)
}

// EventSink receives daemon lifecycle events for the dashboard bus.
type EventSink interface {
	PublishDaemonEvent(ctx context.Context, ev model.DaemonEvent)
}

// Option configures a Router.
type Option func(*Router)

func WithVerifier(v Verifier) Option   { return func(r *Router) { r.verifier = v } }
func WithGate(g Gate) Option           { return func(r *Router) { r.gate = g } }
func WithEventSink(s EventSink) Option { return func(r *Router) { r.events = s } }
func WithOptions(o Options) Option     { return func(r *Router) { r.opts = o.withDefaults() } }

// Router owns the daemon's in-memory routing state. Every mutation runs under
// one coarse mutex so that a pending entry and its retry timer are always
// created and cancelled together, and a departing connection's subscriptions,
// shadows and pending entries are cleared before the name can be re-claimed.
type Router struct {
	logger   *slog.Logger
	store    store.Store
	opts     Options
	verifier Verifier
	gate     Gate
	events   EventSink

	startedAt time.Time

	mu               sync.Mutex
	conns            map[uuid.UUID]*Conn
	agents           map[string]*Conn
	subscriptions    map[string]map[string]struct{}
	channels         map[string]map[string]struct{}
	memberChannels   map[string]map[string]struct{}
	shadowsByPrimary map[string][]model.ShadowBinding
	primaryByShadow  map[string]string
	pending          map[string]*pendingDelivery
	processing       map[string]*processingState
	observers        []SendObserver
}

func NewRouter(logger *slog.Logger, st store.Store, options ...Option) *Router {
	r := &Router{
		logger:           logger,
		store:            st,
		opts:             Options{}.withDefaults(),
		startedAt:        time.Now(),
		conns:            make(map[uuid.UUID]*Conn),
		agents:           make(map[string]*Conn),
		subscriptions:    make(map[string]map[string]struct{}),
		channels:         make(map[string]map[string]struct{}),
		memberChannels:   make(map[string]map[string]struct{}),
		shadowsByPrimary: make(map[string][]model.ShadowBinding),
		primaryByShadow:  make(map[string]string),
		pending:          make(map[string]*pendingDelivery),
		processing:       make(map[string]*processingState),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// AddSendObserver registers an observer for routed SEND payloads.
func (r *Router) AddSendObserver(o SendObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register inserts a connection into the address book. If the agent name is
// already registered the incumbent is evicted: last writer wins on identity,
// and the evicted connection's subscriptions, shadows, processing state and
// pending deliveries are cleared in the same critical section.
func (r *Router) Register(ctx context.Context, conn *Conn) {
	r.mu.Lock()
	if old, ok := r.agents[conn.name]; ok {
		r.logger.Info("agent name re-registered, evicting incumbent",
			"agent", conn.name, "old_conn", old.id, "new_conn", conn.id)
		r.removeConnLocked(old)
		old.Close()
	}
	r.conns[conn.id] = conn
	r.agents[conn.name] = conn
	count := len(r.agents)
	r.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(count))
	r.emitEvent(ctx, model.DaemonEvent{
		Type:      model.EventAgentConnected,
		Agent:     conn.name,
		Data:      map[string]any{"sessionId": conn.sessionID, "cli": conn.meta.CLI},
		Timestamp: time.Now(),
	})
}

// Unregister removes a connection, but only while it still owns its agent
// name: a connection evicted by a newer registration must not tear down its
// successor's state.
func (r *Router) Unregister(ctx context.Context, connID uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeConnLocked(conn)
	conn.Close()
	count := len(r.agents)
	name := conn.name
	r.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(count))
	r.emitEvent(ctx, model.DaemonEvent{
		Type:      model.EventAgentDisconnected,
		Agent:     name,
		Timestamp: time.Now(),
	})
}

// removeConnLocked clears everything bound to the connection: the address
// book entry (only if this connection still holds the name), its topic
// subscriptions, shadow bindings, processing flag, and every pending
// delivery addressed to it. Channel membership intentionally survives
// disconnects; channels are durable rooms.
func (r *Router) removeConnLocked(conn *Conn) {
	delete(r.conns, conn.id)
	if cur, ok := r.agents[conn.name]; ok && cur.id == conn.id {
		delete(r.agents, conn.name)

		for topic, members := range r.subscriptions {
			delete(members, conn.name)
			if len(members) == 0 {
				delete(r.subscriptions, topic)
			}
		}

		// As a shadow: drop its binding on the primary.
		if primary, ok := r.primaryByShadow[conn.name]; ok {
			r.dropShadowLocked(primary, conn.name)
		}
		// As a primary: release its shadows.
		for _, b := range r.shadowsByPrimary[conn.name] {
			delete(r.primaryByShadow, b.ShadowAgent)
		}
		delete(r.shadowsByPrimary, conn.name)

		r.clearProcessingLocked(conn.name)
	}

	for id, p := range r.pending {
		if p.connID == conn.id {
			p.timer.Stop()
			delete(r.pending, id)
		}
	}
	metrics.PendingDeliveries.Set(float64(len(r.pending)))
}

// HandleEnvelope is the single entry point from connection read pumps. It
// never returns an error to the reader: routing failures become log lines
// and, at worst, soft drops.
func (r *Router) HandleEnvelope(ctx context.Context, connID uuid.UUID, env *protocol.Envelope) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("envelope from unknown connection", "conn_id", connID, "type", env.Type)
		return
	}

	if r.verifier != nil {
		if err := r.verifier.VerifyEnvelope(env); err != nil {
			r.logger.Warn("envelope rejected by signature policy",
				"from", conn.name, "envelope_id", env.ID, "error", err)
			return
		}
	}

	metrics.EnvelopesRouted.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.TypeSend:
		r.handleSend(ctx, conn, env)
	case protocol.TypeAck:
		r.handleAck(ctx, conn, env)
	case protocol.TypeSubscribe:
		r.handleSubscribe(conn, env, true)
	case protocol.TypeUnsubscribe:
		r.handleSubscribe(conn, env, false)
	case protocol.TypeChannelJoin:
		r.handleChannelJoin(conn, env)
	case protocol.TypeChannelLeave:
		r.handleChannelLeave(conn, env)
	case protocol.TypeChannelMessage:
		r.handleChannelMessage(ctx, conn, env)
	case protocol.TypePing:
		pong, err := protocol.New(protocol.TypePong, nil)
		if err == nil {
			// Under the lock: eviction closes the connection in the same
			// critical section, so the reply can never hit a closed buffer.
			r.mu.Lock()
			if _, live := r.conns[conn.id]; live {
				conn.Send(pong, protocol.ImportanceHigh)
			}
			r.mu.Unlock()
		}
	default:
		r.logger.Warn("unroutable envelope type", "type", env.Type, "from", conn.name)
	}
}

func (r *Router) handleSend(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	payload, err := env.DecodeSend()
	if err != nil {
		r.logger.Warn("malformed SEND payload", "from", conn.name, "error", err)
		return
	}

	// The sender produced something: it is no longer "thinking".
	r.mu.Lock()
	r.clearProcessingLocked(conn.name)
	r.mu.Unlock()

	switch {
	case env.To == protocol.Broadcast:
		r.routeBroadcast(ctx, conn, env, payload)
	default:
		r.routeDirect(ctx, conn, env, payload)
	}

	r.notifyObservers(ctx, conn.name, payload)
}

// routeDirect delivers to a single named agent. An unknown recipient is a
// soft failure: logged with the known roster, not persisted, not retried.
func (r *Router) routeDirect(ctx context.Context, sender *Conn, env *protocol.Envelope, payload *protocol.SendPayload) {
	if r.gate != nil {
		if allowed, reason := r.gate.CanMessage(sender.name, env.To); !allowed {
			r.logger.Warn("message denied by policy",
				"from", sender.name, "to", env.To, "reason", reason)
			return
		}
	}

	r.mu.Lock()
	recipient, ok := r.agents[env.To]
	if !ok {
		roster := r.agentNamesLocked()
		r.mu.Unlock()
		r.logger.Warn("SEND to unknown recipient",
			"from", sender.name, "to", env.To, "known_agents", roster)
		return
	}
	// Direct deliveries re-use the SEND's envelope id so the sender can
	// correlate the ACKed row.
	r.deliverLocked(ctx, sender.name, recipient, env.ID, env.Topic, payload, false)
	r.fanOutShadowsLocked(ctx, sender.name, recipient.name, env.Topic, payload)
	r.mu.Unlock()
}

// routeBroadcast fans out to every registered agent except the sender, or to
// the topic's subscribers when a topic is set. Each recipient gets its own
// DELIVER with a fresh id; a slow peer never blocks the others.
func (r *Router) routeBroadcast(ctx context.Context, sender *Conn, env *protocol.Envelope, payload *protocol.SendPayload) {
	r.mu.Lock()
	var names []string
	if env.Topic != "" {
		for name := range r.subscriptions[env.Topic] {
			names = append(names, name)
		}
	} else {
		names = r.agentNamesLocked()
	}
	sort.Strings(names)
	for _, name := range names {
		if name == sender.name {
			continue
		}
		recipient, ok := r.agents[name]
		if !ok {
			continue
		}
		r.deliverLocked(ctx, sender.name, recipient, uuid.NewString(), env.Topic, payload, true)
	}
	r.fanOutShadowsLocked(ctx, sender.name, "", env.Topic, payload)
	r.mu.Unlock()
}

// deliverLocked builds the DELIVER for one recipient, persists the row,
// enters the reliable-delivery state machine and marks the recipient as
// processing. The row and the pending entry are created before the router
// lock is released, so the next envelope for the same recipient can never
// interleave with this one.
func (r *Router) deliverLocked(ctx context.Context, senderName string, recipient *Conn, deliverID, topic string, payload *protocol.SendPayload, broadcast bool) {
	seq := recipient.NextSeq(topic, senderName)

	dp := *payload
	dp.Delivery = &protocol.DeliveryInfo{Seq: seq, SessionID: recipient.sessionID}
	deliver, err := protocol.New(protocol.TypeDeliver, &dp)
	if err != nil {
		r.logger.Error("failed to build DELIVER", "error", err)
		return
	}
	deliver.ID = deliverID
	deliver.From = senderName
	deliver.To = recipient.name
	deliver.Topic = topic

	row := &model.StoredMessage{
		ID:                deliverID,
		TS:                deliver.TS,
		From:              senderName,
		To:                recipient.name,
		Topic:             topic,
		Kind:              string(dp.Kind),
		Body:              dp.Body,
		Data:              dp.Data,
		Thread:            dp.Thread,
		DeliverySeq:       seq,
		DeliverySessionID: recipient.sessionID,
		SessionID:         recipient.sessionID,
		Status:            model.StatusUnread,
		IsUrgent:          dp.Importance == protocol.ImportanceUrgent,
		IsBroadcast:       broadcast,
	}
	if err := r.store.SaveMessage(ctx, row); err != nil {
		r.logger.Error("failed to persist message", "id", deliverID, "error", err)
	}
	if err := r.store.IncrementSessionMessageCount(ctx, recipient.sessionID); err != nil {
		r.logger.Debug("session message count update failed", "error", err)
	}

	// Track before sending: even if the buffer is full right now, the
	// retry timer will make further attempts and the stored row stays
	// eligible for session replay.
	r.trackDeliveryLocked(deliver, recipient, dp.Importance)
	if !recipient.Send(deliver, dp.Importance) {
		r.logger.Debug("recipient buffer full, deferring to retry",
			"to", recipient.name, "envelope_id", deliverID)
	}
	r.setProcessingLocked(recipient.name, deliverID)
}

// SendSystem injects a daemon-originated SEND to one agent, bypassing the
// policy gate. The consensus engine and the cloud bridge deliver through
// this path; the full reliable-delivery machinery applies.
func (r *Router) SendSystem(ctx context.Context, from, to string, payload *protocol.SendPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	recipient, ok := r.agents[to]
	if !ok {
		return false
	}
	r.deliverLocked(ctx, from, recipient, uuid.NewString(), "", payload, false)
	return true
}

func (r *Router) handleAck(ctx context.Context, conn *Conn, env *protocol.Envelope) {
	ack, err := env.DecodeAck()
	if err != nil {
		r.logger.Warn("malformed ACK", "from", conn.name, "error", err)
		return
	}

	r.mu.Lock()
	p, ok := r.pending[ack.AckID]
	if !ok {
		// Unknown or already-resolved delivery: silently dropped.
		r.mu.Unlock()
		return
	}
	if p.connID != conn.id {
		// Anti-spoof: only the connection the DELIVER went to may ACK.
		r.mu.Unlock()
		r.logger.Warn("ACK from wrong connection ignored",
			"ack_id", ack.AckID, "from", conn.name)
		return
	}
	p.timer.Stop()
	delete(r.pending, ack.AckID)
	metrics.PendingDeliveries.Set(float64(len(r.pending)))
	r.mu.Unlock()

	// Status advances synchronously: the ACK path never rides a batch.
	if err := r.store.UpdateMessageStatus(ctx, ack.AckID, model.StatusAcked); err != nil {
		r.logger.Warn("failed to mark message acked", "id", ack.AckID, "error", err)
	}
}

func (r *Router) handleSubscribe(conn *Conn, env *protocol.Envelope, subscribe bool) {
	p, err := env.DecodeSubscribe()
	if err != nil {
		r.logger.Warn("malformed subscription", "from", conn.name, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if subscribe {
		members, ok := r.subscriptions[p.Topic]
		if !ok {
			members = make(map[string]struct{})
			r.subscriptions[p.Topic] = members
		}
		members[conn.name] = struct{}{}
		return
	}
	if members, ok := r.subscriptions[p.Topic]; ok {
		delete(members, conn.name)
		if len(members) == 0 {
			delete(r.subscriptions, p.Topic)
		}
	}
}

// Agents returns a sorted roster snapshot.
func (r *Router) Agents() []model.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AgentInfo, 0, len(r.agents))
	for _, conn := range r.agents {
		out = append(out, model.AgentInfo{
			Name:             conn.name,
			CLI:              conn.meta.CLI,
			Program:          conn.meta.Program,
			Model:            conn.meta.Model,
			WorkingDirectory: conn.meta.WorkingDirectory,
			SessionID:        conn.sessionID,
			ConnectedAt:      conn.connectedAt.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns a point-in-time snapshot for observability.
func (r *Router) Stats() model.RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var thinking []string
	for name := range r.processing {
		thinking = append(thinking, name)
	}
	sort.Strings(thinking)
	return model.RelayStats{
		ConnectedAgents:   len(r.agents),
		TotalConnections:  len(r.conns),
		Topics:            len(r.subscriptions),
		Channels:          len(r.channels),
		PendingDeliveries: len(r.pending),
		ProcessingAgents:  thinking,
		Uptime:            time.Since(r.startedAt),
	}
}

func (r *Router) agentNamesLocked() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

func (r *Router) notifyObservers(ctx context.Context, from string, payload *protocol.SendPayload) {
	r.mu.Lock()
	observers := make([]SendObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()
	for _, o := range observers {
		o.OnSend(ctx, from, payload)
	}
}

func (r *Router) emitEvent(ctx context.Context, ev model.DaemonEvent) {
	if r.events != nil {
		r.events.PublishDaemonEvent(ctx, ev)
	}
}
