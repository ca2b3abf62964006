package policy

import (
	"context"

	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
)

var Module = fx.Module("policy",
	fx.Provide(
		func(cfg *config.Config) GateOptions {
			return GateOptions{
				RepoConfigPath: cfg.RepoConfigPath,
				LocalPolicyDir: cfg.LocalPolicyDir(),
				StrictMode:     cfg.StrictPolicy,
			}
		},
		fx.Annotate(NewGate, fx.ParamTags("", "", `optional:"true"`)),
	),
	fx.Invoke(func(lc fx.Lifecycle, g *Gate) {
		var stop func() error
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				closer, err := g.Watch()
				if err != nil {
					return err
				}
				stop = closer
				return nil
			},
			OnStop: func(context.Context) error {
				if stop != nil {
					return stop()
				}
				return nil
			},
		})
	}),
)
