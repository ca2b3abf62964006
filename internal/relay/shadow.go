package relay

import (
	"context"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/protocol"
)

// Shadow copy tags, interpreted by shadow agents inside payload data.
const (
	shadowCopyKey      = "_shadowCopy"
	shadowOfKey        = "_shadowOf"
	shadowDirectionKey = "_shadowDirection"
	shadowTriggerKey   = "_shadowTrigger"
)

// BindShadow attaches a shadow observer to a primary. A shadow has exactly
// one primary: re-binding atomically replaces any prior binding, including
// one to a different primary.
func (r *Router) BindShadow(primary string, binding model.ShadowBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.primaryByShadow[binding.ShadowAgent]; ok {
		r.dropShadowLocked(prev, binding.ShadowAgent)
	}
	r.shadowsByPrimary[primary] = append(r.shadowsByPrimary[primary], binding)
	r.primaryByShadow[binding.ShadowAgent] = primary
}

// UnbindShadow detaches the shadow from whatever primary it observes.
func (r *Router) UnbindShadow(shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if primary, ok := r.primaryByShadow[shadow]; ok {
		r.dropShadowLocked(primary, shadow)
	}
}

func (r *Router) dropShadowLocked(primary, shadow string) {
	bindings := r.shadowsByPrimary[primary]
	for i, b := range bindings {
		if b.ShadowAgent == shadow {
			r.shadowsByPrimary[primary] = append(bindings[:i], bindings[i+1:]...)
			break
		}
	}
	if len(r.shadowsByPrimary[primary]) == 0 {
		delete(r.shadowsByPrimary, primary)
	}
	delete(r.primaryByShadow, shadow)
}

// ShadowsOf returns the bindings observing the given primary.
func (r *Router) ShadowsOf(primary string) []model.ShadowBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ShadowBinding, len(r.shadowsByPrimary[primary]))
	copy(out, r.shadowsByPrimary[primary])
	return out
}

// fanOutShadowsLocked runs after the primary delivery of every routed SEND:
// shadows of the sender get an outgoing copy, shadows of the direct recipient
// (when there is one) get an incoming copy. Copies carry fresh envelope ids,
// are never persisted and never enter the pending table, so a slow shadow
// can never block or corrupt the primary delivery.
func (r *Router) fanOutShadowsLocked(ctx context.Context, sender, recipient, topic string, payload *protocol.SendPayload) {
	for _, b := range r.shadowsByPrimary[sender] {
		if b.ReceiveOutgoing {
			r.sendShadowCopyLocked(b.ShadowAgent, sender, topic, payload, model.ShadowOutgoing)
		}
	}
	if recipient == "" {
		return
	}
	for _, b := range r.shadowsByPrimary[recipient] {
		if b.ReceiveIncoming {
			r.sendShadowCopyLocked(b.ShadowAgent, recipient, topic, payload, model.ShadowIncoming)
		}
	}
}

func (r *Router) sendShadowCopyLocked(shadow, primary, topic string, payload *protocol.SendPayload, direction model.ShadowDirection) {
	conn, ok := r.agents[shadow]
	if !ok {
		return
	}

	cp := *payload
	cp.Data = cloneData(payload.Data)
	cp.Data[shadowCopyKey] = true
	cp.Data[shadowOfKey] = primary
	cp.Data[shadowDirectionKey] = string(direction)
	cp.Delivery = &protocol.DeliveryInfo{
		Seq:       conn.NextSeq(topic, primary),
		SessionID: conn.sessionID,
	}

	env, err := protocol.New(protocol.TypeDeliver, &cp)
	if err != nil {
		r.logger.Error("failed to build shadow copy", "error", err)
		return
	}
	env.ID = uuid.NewString()
	env.From = primary
	env.To = shadow
	env.Topic = topic
	conn.Send(env, cp.Importance)
}

// EmitShadowTrigger delivers a synthetic prompt to every shadow of the
// primary whose speakOn set matches the trigger, and marks those shadows as
// processing: they are expected to respond.
func (r *Router) EmitShadowTrigger(ctx context.Context, primary string, trigger model.ShadowTrigger, triggerCtx map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.shadowsByPrimary[primary] {
		if !b.SpeaksOn(trigger) {
			continue
		}
		conn, ok := r.agents[b.ShadowAgent]
		if !ok {
			continue
		}

		data := cloneData(triggerCtx)
		data[shadowTriggerKey] = string(trigger)
		data[shadowOfKey] = primary
		payload := &protocol.SendPayload{
			Kind:       protocol.KindSystem,
			Body:       "SHADOW_TRIGGER:" + string(trigger),
			Data:       data,
			Importance: protocol.ImportanceHigh,
			Delivery: &protocol.DeliveryInfo{
				Seq:       conn.NextSeq("", primary),
				SessionID: conn.sessionID,
			},
		}
		env, err := protocol.New(protocol.TypeDeliver, payload)
		if err != nil {
			continue
		}
		env.From = primary
		env.To = b.ShadowAgent
		conn.Send(env, protocol.ImportanceHigh)
		r.setProcessingLocked(b.ShadowAgent, env.ID)
	}
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}
