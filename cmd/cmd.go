package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/agent-relay/relay/config"
)

const ServiceName = "agent-relay"

var (
	version = "0.0.0"
	commit  = "hash"
	branch  = "branch"
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Message relay daemon for fleets of coding agents",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the relay daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_dir",
				Usage: "Override the configuration directory",
			},
		},
		Action: func(c *cli.Context) error {
			if dir := c.String("config_dir"); dir != "" {
				os.Setenv("AGENT_RELAY_CONFIG_DIR", dir)
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
