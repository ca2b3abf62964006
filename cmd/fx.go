package cmd

import (
	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
	"github.com/agent-relay/relay/internal/adapter/pubsub"
	"github.com/agent-relay/relay/internal/cloud"
	"github.com/agent-relay/relay/internal/consensus"
	"github.com/agent-relay/relay/internal/orchestrator"
	"github.com/agent-relay/relay/internal/policy"
	"github.com/agent-relay/relay/internal/relay"
	"github.com/agent-relay/relay/internal/server"
	"github.com/agent-relay/relay/internal/signing"
	"github.com/agent-relay/relay/internal/store"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		pubsub.Module,
		store.Module,
		signing.Module,
		policy.Module,
		relay.Module,
		consensus.Module,
		cloud.Module,
		server.Module,
		orchestrator.Module,
	)
}
