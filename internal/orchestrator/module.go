package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
	"github.com/agent-relay/relay/internal/adapter/pubsub"
	"github.com/agent-relay/relay/internal/relay"
)

// localStarter hands every workspace the in-process relay daemon. Spawning
// one daemon per workspace is a deployment concern; a single-binary install
// shares the one router.
type localStarter struct {
	router *relay.Router
}

func (s *localStarter) StartDaemon(context.Context, Workspace) (DaemonHandle, error) {
	return s.router, nil
}

func (s *localStarter) StopDaemon(context.Context, Workspace) error { return nil }

var Module = fx.Module("orchestrator",
	fx.Provide(
		func(router *relay.Router) DaemonStarter { return &localStarter{router: router} },
		fx.Annotate(
			func(logger *slog.Logger, cfg *config.Config, starter DaemonStarter, spawner Spawner, events pubsub.EventDispatcher) *Manager {
				return NewManager(logger, ManagerOptions{
					ConfigDir:        cfg.ConfigDir,
					AutoStartDaemons: cfg.AutoStartDaemons,
				}, starter, spawner, events)
			},
			fx.ParamTags("", "", "", `optional:"true"`, ""),
		),
		NewHub,
		NewHTTPHandler,
	),
	fx.Invoke(func(lc fx.Lifecycle, logger *slog.Logger, cfg *config.Config, m *Manager, hub *Hub, handler http.Handler) {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := m.Load(ctx); err != nil {
					return err
				}
				if err := hub.Start(ctx); err != nil {
					return err
				}
				ln, err := net.Listen("tcp", cfg.HTTPAddr)
				if err != nil {
					return err
				}
				logger.Info("dashboard api listening", "addr", cfg.HTTPAddr)
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Warn("dashboard server stopped", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				hub.Stop()
				shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
				defer done()
				return srv.Shutdown(shutdownCtx)
			},
		})
	}),
)
