package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

var inputFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "input",
		Aliases: []string{"i"},
		Usage:   "Input as an inline JSON or YAML object",
	},
	&cli.StringFlag{
		Name:  "input-file",
		Usage: "Read input from a JSON or YAML file",
	},
	&cli.BoolFlag{
		Name:    "quiet",
		Aliases: []string{"q"},
		Usage:   "Do not print notifications",
	},
}

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Start a workflow and follow it until it pauses or finishes",
		ArgsUsage: "<workflow-file>",
		Flags:     inputFlags,
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("run: workflow file required")
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			def, err := loadValidated(rt, path)
			if err != nil {
				return err
			}
			input, err := readInput(command)
			if err != nil {
				return err
			}
			if err := rt.loader.Schema().ValidateInput(def, input); err != nil {
				return err
			}

			return follow(ctx, rt, command, func(ctx context.Context) (string, error) {
				return rt.engine.StartWorkflow(ctx, def, input)
			})
		},
	}
}

func newResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Supply missing inputs to a paused execution and continue it",
		ArgsUsage: "<execution-id> <workflow-file>",
		Flags:     inputFlags,
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 2 {
				return fmt.Errorf("resume: execution id and workflow file required")
			}
			id, path := command.Args().Get(0), command.Args().Get(1)
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			def, err := loadValidated(rt, path)
			if err != nil {
				return err
			}
			inputs, err := readInput(command)
			if err != nil {
				return err
			}

			return follow(ctx, rt, command, func(ctx context.Context) (string, error) {
				ok, err := rt.engine.ResumeWorkflow(ctx, id, def, inputs)
				if err != nil {
					return "", err
				}
				if !ok {
					return "", fmt.Errorf("execution %s is not paused", id)
				}
				return id, nil
			})
		},
	}
}

func newCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a pending or paused execution",
		ArgsUsage: "<execution-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return fmt.Errorf("cancel: execution id required")
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			ok, err := rt.engine.CancelExecution(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("execution %s is already finished", id)
			}
			fmt.Fprintf(stdout(command), "execution %s cancelled\n", id)
			return nil
		},
	}
}

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List stored executions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "Only executions of this workflow"},
			&cli.StringFlag{Name: "user", Usage: "Only executions owned by this user"},
			&cli.StringFlag{Name: "status", Usage: "Only executions in this status"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum executions to show", Value: 50},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			list, err := rt.engine.ListExecutions(ctx, store.ExecutionFilter{
				WorkflowID: command.String("workflow"),
				UserID:     command.String("user"),
				Status:     schema.ExecutionStatus(strings.ToUpper(command.String("status"))),
				Limit:      int(command.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("list executions: %w", err)
			}
			return printExecutions(stdout(command), list)
		},
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate workflow files without running them",
		ArgsUsage: "<workflow-file>...",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() == 0 {
				return fmt.Errorf("validate: at least one workflow file required")
			}
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			w := stdout(command)
			failed := 0
			for _, path := range command.Args().Slice() {
				def, err := rt.loader.LoadFile(path)
				if err == nil {
					var order string
					order, err = describe(rt, def)
					if err == nil {
						fmt.Fprintf(w, "%s: ok (%s)\n", path, order)
						continue
					}
				}
				failed++
				fmt.Fprintf(w, "%s: invalid\n", path)
				for _, v := range validation.Violations(err) {
					fmt.Fprintf(w, "  - %s\n", v)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflows invalid", failed, command.Args().Len())
			}
			return nil
		},
	}
}

func newActionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "actions",
		Usage: "List registered service actions",
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			tw := tabwriter.NewWriter(stdout(command), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tACTION\tDESCRIPTION")
			for _, a := range rt.registry.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Service, a.Action, a.Description)
			}
			return tw.Flush()
		},
	}
}

func newDiagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a workflow as a diagram, optionally with an execution's progress",
		ArgsUsage: "<workflow-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format (mermaid, ascii, png)",
				Value:   "mermaid",
			},
			&cli.StringFlag{Name: "execution", Aliases: []string{"e"}, Usage: "Overlay the status of this execution"},
			&cli.StringFlag{Name: "title", Usage: "Diagram title (defaults to the workflow id)"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write to this file instead of stdout"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("diagram: workflow file required")
			}
			format := strings.ToLower(command.String("format"))
			switch format {
			case "mermaid", "ascii", "png":
			default:
				return fmt.Errorf("diagram: unknown format %q", format)
			}
			if format == "png" && command.String("out") == "" {
				return fmt.Errorf("diagram: --out is required for png")
			}

			rt, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			def, err := rt.loader.LoadFile(path)
			if err != nil {
				return err
			}
			dag, err := validation.NewValidator(rt.loader.Schema(), rt.registry).Validate(def)
			if err != nil {
				return err
			}

			var st *store.ExecutionState
			if id := command.String("execution"); id != "" {
				if st, err = rt.engine.GetExecutionState(ctx, id); err != nil {
					return err
				}
				if st.WorkflowID != def.ID {
					return fmt.Errorf("execution %s belongs to workflow %s, not %s", id, st.WorkflowID, def.ID)
				}
			}

			model := diagram.Build(command.String("title"), dag, st)
			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "png":
				if out, err = diagram.RenderImage(ctx, model); err != nil {
					return err
				}
			}

			if target := command.String("out"); target != "" {
				if err := os.WriteFile(target, out, 0o644); err != nil {
					return fmt.Errorf("write diagram: %w", err)
				}
				rt.logger.Info("diagram written", "path", target, "format", format)
				return nil
			}
			_, err = stdout(command).Write(out)
			return err
		},
	}
}

// --- helpers ---

func closeRuntime(rt *runtime) {
	if err := rt.close(); err != nil {
		rt.logger.Error("shutdown", "error", err)
	}
}

func loadValidated(rt *runtime, path string) (*schema.WorkflowDefinition, error) {
	def, err := rt.loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := describe(rt, def); err != nil {
		return nil, err
	}
	return def, nil
}

// describe validates def against the registry and summarizes its levels.
func describe(rt *runtime, def *schema.WorkflowDefinition) (string, error) {
	dag, err := validation.NewValidator(rt.loader.Schema(), rt.registry).Validate(def)
	if err != nil {
		return "", err
	}
	levels := make([]string, len(dag.Levels))
	for i, level := range dag.Levels {
		levels[i] = strings.Join(level, ",")
	}
	return fmt.Sprintf("%d steps: %s", len(dag.Steps), strings.Join(levels, " -> ")), nil
}

func readInput(command *cli.Command) (map[string]any, error) {
	raw := []byte(command.String("input"))
	if path := command.String("input-file"); path != "" {
		if len(raw) > 0 {
			return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		raw = data
	}
	return validation.DecodeInput(raw)
}

// follow runs begin, streams the execution's notifications to stdout as JSON
// lines and prints the state it settles in. An interrupt cancels the
// execution.
func follow(ctx context.Context, rt *runtime, command *cli.Command, begin func(context.Context) (string, error)) error {
	w := stdout(command)
	quiet := command.Bool("quiet")

	subCtx, stopSub := context.WithCancel(context.Background())
	defer stopSub()
	notes, err := rt.subscribe(subCtx)
	if err != nil {
		return err
	}

	id, err := begin(ctx)
	if err != nil {
		return err
	}

	settled := make(chan struct{})
	go func() {
		defer close(settled)
		enc := json.NewEncoder(w)
		for n := range notes {
			if n.ExecutionID != id {
				continue
			}
			if !quiet {
				_ = enc.Encode(n)
			}
			if settles(n) {
				return
			}
		}
	}()

	if err := rt.engine.Wait(ctx, id); err != nil {
		rt.logger.Warn("interrupted, cancelling execution", "execution_id", id)
		if _, cerr := rt.engine.CancelExecution(context.Background(), id); cerr != nil {
			return cerr
		}
	}
	select {
	case <-settled:
	case <-time.After(2 * time.Second):
	}
	stopSub()

	st, err := rt.engine.GetExecutionState(context.Background(), id)
	if err != nil {
		return err
	}
	return report(w, st)
}

// settles reports whether n ends the current driver's run.
func settles(n streaming.Notification) bool {
	if n.StepID != "" {
		return false
	}
	switch schema.ExecutionStatus(n.Status) {
	case schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled:
		return true
	}
	return false
}

func report(w io.Writer, st *store.ExecutionState) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return err
	}
	switch st.Status {
	case schema.StatusFailed:
		return fmt.Errorf("execution %s failed: %s", st.ExecutionID, st.Error)
	case schema.StatusCancelled:
		return fmt.Errorf("execution %s cancelled", st.ExecutionID)
	case schema.StatusPaused:
		fmt.Fprintf(w, "execution %s paused at %s awaiting ${%s}\n", st.ExecutionID, st.PausedStep, st.MissingReference)
	}
	return nil
}

func printExecutions(w io.Writer, list []*store.ExecutionState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tUSER\tSTATUS\tSTEPS\tUPDATED")
	for _, st := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			st.ExecutionID, st.WorkflowID, st.UserID, st.Status, len(st.OutputOrder),
			st.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
