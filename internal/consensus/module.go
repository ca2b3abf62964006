package consensus

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/agent-relay/relay/internal/adapter/pubsub"
	"github.com/agent-relay/relay/internal/relay"
)

var Module = fx.Module("consensus",
	fx.Provide(
		func(logger *slog.Logger, router *relay.Router, dispatcher pubsub.EventDispatcher) *Engine {
			return NewEngine(logger, router, dispatcher)
		},
	),
	fx.Invoke(func(router *relay.Router, engine *Engine) {
		router.AddSendObserver(engine)
	}),
)
