package store

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
)

// Module provides the batched message store over the adapter the config
// selects.
var Module = fx.Module("store",
	fx.Provide(
		func(logger *slog.Logger, cfg *config.Config) (Store, error) {
			var backend Store
			switch cfg.StorageType {
			case "bolt":
				bolt, err := OpenBolt(cfg.StoragePath)
				if err != nil {
					return nil, err
				}
				backend = bolt
			default:
				backend = NewMemoryStore()
			}
			return NewBatchedStore(backend, BatchOptions{}, logger), nil
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, st Store) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return st.Close()
			},
		})
	}),
)
