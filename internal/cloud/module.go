package cloud

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
	"github.com/agent-relay/relay/internal/adapter/pubsub"
	"github.com/agent-relay/relay/internal/policy"
	"github.com/agent-relay/relay/internal/relay"
)

// Module wires the bridge only when a cloud URL and api key are configured;
// otherwise the daemon runs purely local and the gate gets no fetcher.
var Module = fx.Module("cloud",
	fx.Provide(
		func(cfg *config.Config) (*Client, error) {
			if cfg.CloudURL == "" || cfg.APIKey == "" {
				return nil, nil
			}
			return NewClient(cfg.CloudURL, cfg.APIKey), nil
		},
		fx.Annotate(
			func(c *Client) policy.WorkspaceFetcher {
				if c == nil {
					return nil
				}
				return c
			},
			fx.ParamTags(`optional:"true"`),
		),
		func(logger *slog.Logger, cfg *config.Config, client *Client, router *relay.Router, events pubsub.EventDispatcher) (*Sync, error) {
			if client == nil {
				return nil, nil
			}
			id, err := MachineID(cfg.DataDir)
			if err != nil {
				return nil, err
			}
			return NewSync(logger, client, router, events, id), nil
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Sync) {
		if s == nil {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start(context.Background())
				return nil
			},
			OnStop: func(context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
