package main

import (
	"context"
	"errors"
	"log/slog"

	cli "github.com/urfave/cli/v3"

	stepmcp "github.com/rendis/stepflow/pkg/mcp"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Expose the engine as MCP tools over stdio",
		Action: func(ctx context.Context, command *cli.Command) error {
			sessions := stepmcp.NewSessionRegistry()
			notifier := stepmcp.NewSessionNotifier(sessions)
			rt, err := setup(ctx, command, notifier)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			srv := stepmcp.NewServer(stepmcp.ServerDeps{
				Executor: rt.engine,
				Loader:   rt.loader,
				Actions:  rt.registry,
				Notifier: notifier,
				Sessions: sessions,
				Logger:   rt.logger,
			})
			rt.logger.Info("serving MCP over stdio", slog.String("store", rt.cfg.Store.Driver))

			err = srv.Serve(ctx, stdin(command), stdout(command))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
