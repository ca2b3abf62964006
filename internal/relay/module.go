package relay

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
	"github.com/agent-relay/relay/internal/adapter/pubsub"
	"github.com/agent-relay/relay/internal/policy"
	"github.com/agent-relay/relay/internal/signing"
	"github.com/agent-relay/relay/internal/store"
)

// policyGate narrows the policy gate to the router's messaging check.
type policyGate struct {
	gate *policy.Gate
}

func (g policyGate) CanMessage(sender, recipient string) (bool, string) {
	d := g.gate.CanMessage(context.Background(), sender, recipient)
	return d.Allowed, d.Reason
}

var Module = fx.Module("relay",
	fx.Provide(
		func(logger *slog.Logger, cfg *config.Config, st store.Store, verifier *signing.EnvelopeVerifier, gate *policy.Gate, dispatcher pubsub.EventDispatcher) *Router {
			return NewRouter(logger, st,
				WithVerifier(verifier),
				WithGate(policyGate{gate: gate}),
				WithEventSink(dispatcher),
				WithOptions(Options{
					AckTimeout:  cfg.AckTimeout,
					DeliveryTTL: cfg.DeliveryTTL,
					MaxAttempts: cfg.MaxAttempts,
				}),
			)
		},
	),
)
