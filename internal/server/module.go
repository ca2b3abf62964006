package server

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
	"github.com/agent-relay/relay/internal/relay"
	"github.com/agent-relay/relay/internal/store"
)

var Module = fx.Module("server",
	fx.Provide(
		func(logger *slog.Logger, router *relay.Router, st store.Store, cfg *config.Config) *Server {
			return New(logger, router, st, OptionsFromConfig(cfg))
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return s.Start(ctx) },
			OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
		})
	}),
)
