package relay

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/metrics"
	"github.com/agent-relay/relay/internal/protocol"
)

// pendingDelivery exists iff a DELIVER has been sent and neither ACKed nor
// expired. The entry and its retry timer live and die together under the
// router lock.
type pendingDelivery struct {
	env         *protocol.Envelope
	connID      uuid.UUID
	agent       string
	importance  protocol.Importance
	attempts    int
	firstSentAt time.Time
	timer       *time.Timer
}

func (r *Router) trackDeliveryLocked(env *protocol.Envelope, recipient *Conn, importance protocol.Importance) {
	id := env.ID
	p := &pendingDelivery{
		env:         env,
		connID:      recipient.id,
		agent:       recipient.name,
		importance:  importance,
		attempts:    1,
		firstSentAt: time.Now(),
	}
	p.timer = time.AfterFunc(r.opts.AckTimeout, func() {
		r.retryDelivery(id)
	})
	r.pending[id] = p
	metrics.PendingDeliveries.Set(float64(len(r.pending)))
}

// retryDelivery runs on timer expiry. Terminal conditions: the entry was
// already resolved, the TTL elapsed, attempts are exhausted, or the target
// connection is gone. Otherwise resend on the same connection and re-arm.
func (r *Router) retryDelivery(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	drop := func(reason string) {
		delete(r.pending, id)
		metrics.PendingDeliveries.Set(float64(len(r.pending)))
		agent := p.agent
		attempts := p.attempts
		r.mu.Unlock()
		metrics.DeliveryExhausted.WithLabelValues(reason).Inc()
		r.logger.Warn("delivery abandoned",
			"envelope_id", id, "to", agent, "attempts", attempts, "reason", reason)
	}

	if time.Since(p.firstSentAt) > r.opts.DeliveryTTL {
		drop("ttl")
		return
	}
	if p.attempts >= r.opts.MaxAttempts {
		drop("attempts")
		return
	}
	conn, ok := r.conns[p.connID]
	if !ok {
		drop("disconnected")
		return
	}

	p.attempts++
	conn.Send(p.env, p.importance)
	p.timer = time.AfterFunc(r.opts.AckTimeout, func() {
		r.retryDelivery(id)
	})
	r.mu.Unlock()
	metrics.DeliveryRetries.Inc()
}

// PendingCount reports the size of the pending table.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// HasPending reports whether the given envelope id is still awaiting an ACK.
func (r *Router) HasPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// PrimeSessionSequences seeds the connection's per-(topic, peer) counters
// from the highest sequence number persisted for the resumed session, ACKed
// rows included. Without this the first new DELIVER after a resume would
// reuse a sequence number the session already consumed. Runs before the
// connection is registered, so no delivery can race the seeding.
func (r *Router) PrimeSessionSequences(ctx context.Context, conn *Conn) {
	rows, err := r.store.GetMessages(ctx, model.MessageQuery{To: conn.name})
	if err != nil {
		r.logger.Warn("sequence seeding lookup failed",
			"agent", conn.name, "session_id", conn.sessionID, "error", err)
		return
	}
	for _, row := range rows {
		if row.DeliverySessionID != conn.sessionID {
			continue
		}
		conn.SeedSeq(row.Topic, row.From, row.DeliverySeq)
	}
}

// ReplaySession re-sends every stored-but-unACKed DELIVER for the agent's
// resumed session, preserving the original id, payload and sequence number.
// The same reliable-delivery machinery resumes tracking; the contract stays
// at-least-once and recipients de-duplicate on envelope id.
func (r *Router) ReplaySession(ctx context.Context, conn *Conn) int {
	rows, err := r.store.GetPendingMessagesForSession(ctx, conn.name, conn.sessionID)
	if err != nil {
		r.logger.Warn("session replay lookup failed",
			"agent", conn.name, "session_id", conn.sessionID, "error", err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	replayed := 0
	for _, row := range rows {
		if p, dup := r.pending[row.ID]; dup {
			if p.connID == conn.id {
				continue
			}
			// Tracked against a predecessor connection about to be
			// evicted; move the entry to the resuming one.
			p.timer.Stop()
			delete(r.pending, row.ID)
		}
		env, err := deliverFromRow(row)
		if err != nil {
			r.logger.Warn("could not rebuild DELIVER from stored row", "id", row.ID, "error", err)
			continue
		}
		imp := protocol.ImportanceNormal
		if row.IsUrgent {
			imp = protocol.ImportanceUrgent
		}
		r.trackDeliveryLocked(env, conn, imp)
		conn.Send(env, imp)
		replayed++
	}
	if replayed > 0 {
		r.logger.Info("session replay completed",
			"agent", conn.name, "session_id", conn.sessionID, "count", replayed)
	}
	return replayed
}

// deliverFromRow reconstitutes the original DELIVER from a persisted row.
func deliverFromRow(row *model.StoredMessage) (*protocol.Envelope, error) {
	imp := protocol.ImportanceNormal
	if row.IsUrgent {
		imp = protocol.ImportanceUrgent
	}
	payload := &protocol.SendPayload{
		Kind:       protocol.Kind(row.Kind),
		Body:       row.Body,
		Data:       row.Data,
		Thread:     row.Thread,
		Importance: imp,
		Delivery: &protocol.DeliveryInfo{
			Seq:       row.DeliverySeq,
			SessionID: row.DeliverySessionID,
		},
	}
	env, err := protocol.New(protocol.TypeDeliver, payload)
	if err != nil {
		return nil, err
	}
	env.ID = row.ID
	env.TS = row.TS
	env.From = row.From
	env.To = row.To
	env.Topic = row.Topic
	return env, nil
}

// processingState marks an agent that received a DELIVER and has not yet
// produced anything. Exposed as "thinking" in stats; times out on its own.
type processingState struct {
	startedAt time.Time
	messageID string
	timer     *time.Timer
}

func (r *Router) setProcessingLocked(agent, messageID string) {
	r.clearProcessingLocked(agent)
	state := &processingState{startedAt: time.Now(), messageID: messageID}
	state.timer = time.AfterFunc(r.opts.ProcessingTimeout, func() {
		r.mu.Lock()
		if cur, ok := r.processing[agent]; ok && cur == state {
			delete(r.processing, agent)
		}
		r.mu.Unlock()
	})
	r.processing[agent] = state
}

func (r *Router) clearProcessingLocked(agent string) {
	if state, ok := r.processing[agent]; ok {
		state.timer.Stop()
		delete(r.processing, agent)
	}
}

// IsProcessing reports whether the agent is between a DELIVER and its next
// SEND.
func (r *Router) IsProcessing(agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processing[agent]
	return ok
}
