package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "stepflow",
		Usage:                 "Run declarative step workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Value:   defaultConfigPath(),
				Sources: cli.EnvVars("STEPFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Execution store (memory, libsql, redis)",
				Sources: cli.EnvVars("STEPFLOW_STORE"),
			},
			&cli.StringFlag{
				Name:    "db-path",
				Usage:   "libSQL database file",
				Sources: cli.EnvVars("STEPFLOW_DB_PATH"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the redis store",
				Sources: cli.EnvVars("STEPFLOW_REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "notifier",
				Usage:   "Notification transport (memory, watermill)",
				Sources: cli.EnvVars("STEPFLOW_NOTIFIER"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-steps",
				Usage:   "Parallel steps per execution unless the workflow sets one",
				Sources: cli.EnvVars("STEPFLOW_MAX_CONCURRENT_STEPS"),
			},
			&cli.DurationFlag{
				Name:    "step-timeout",
				Usage:   "Default timeout for steps without one (0 = none)",
				Sources: cli.EnvVars("STEPFLOW_STEP_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("STEPFLOW_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Sources: cli.EnvVars("STEPFLOW_LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newResumeCommand(),
			newCancelCommand(),
			newListCommand(),
			newValidateCommand(),
			newActionsCommand(),
			newDiagramCommand(),
			newServeCommand(),
		},
	}
}

func defaultConfigPath() string {
	return stepflowDir() + string(os.PathSeparator) + "config.yaml"
}

// resolveConfig builds the effective config: file and environment layers
// first, then flags explicitly set on the command line.
func resolveConfig(command *cli.Command) (Config, error) {
	root := command.Root()
	cfg, err := loadConfig(root.String("config"), root.IsSet("config"), os.Getenv)
	if err != nil {
		return cfg, err
	}

	if root.IsSet("store") {
		cfg.Store.Driver = root.String("store")
	}
	if root.IsSet("db-path") {
		cfg.Store.DBPath = root.String("db-path")
	}
	if root.IsSet("redis-addr") {
		cfg.Store.Redis.Addr = root.String("redis-addr")
	}
	if root.IsSet("notifier") {
		cfg.Notifier.Driver = root.String("notifier")
	}
	if root.IsSet("max-concurrent-steps") {
		cfg.Engine.MaxConcurrentSteps = int(root.Int("max-concurrent-steps"))
	}
	if root.IsSet("step-timeout") {
		cfg.Engine.StepTimeout = root.Duration("step-timeout")
	}
	if root.IsSet("log-level") {
		cfg.Log.Level = root.String("log-level")
	}
	if root.IsSet("log-format") {
		cfg.Log.Format = root.String("log-format")
	}
	return cfg, cfg.validate()
}

// setup resolves config and wires a runtime. Logs go to stderr so stdout
// carries only command output.
func setup(ctx context.Context, command *cli.Command, extra ...streaming.Notifier) (*runtime, error) {
	cfg, err := resolveConfig(command)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(stderr(command), level, cfg.Log.Format)
	return newRuntime(ctx, cfg, logger, extra...)
}

func stdout(command *cli.Command) io.Writer {
	if w := command.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stdin(command *cli.Command) io.Reader {
	if r := command.Root().Reader; r != nil {
		return r
	}
	return os.Stdin
}

func stderr(command *cli.Command) io.Writer {
	if w := command.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
