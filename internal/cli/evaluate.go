package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/telemetry/internal/config"
	"github.com/xiaot623/gogo/telemetry/internal/scheduler"
)

// EvaluateCmd returns the evaluate command: the scheduler without the API.
func EvaluateCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run realtime evaluators over unevaluated runs",
		Long: `Run the realtime evaluator scheduler until interrupted, or a single
cycle with --once.

Examples:
  telemetry evaluate
  telemetry evaluate --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !once {
				return a.scheduler.Run(ctx)
			}
			stats, err := a.scheduler.RunCycle(ctx)
			if err != nil {
				return err
			}
			printStats(cmd, stats)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and print its summary")
	return cmd
}

func printStats(cmd *cobra.Command, stats scheduler.Stats) {
	out := cmd.OutOrStdout()
	if stats.Idle {
		fmt.Fprintln(out, color.New(color.FgYellow).Sprint("idle: no runs stored yet"))
		return
	}
	fmt.Fprintf(out, "evaluators: %d\n", stats.Evaluators)
	fmt.Fprintf(out, "runs:       %d\n", stats.Runs)
	fmt.Fprintf(out, "stored:     %s\n", color.New(color.FgGreen).Sprint(stats.Stored))
	if stats.Unknown > 0 {
		fmt.Fprintf(out, "unknown:    %s\n", color.New(color.FgYellow).Sprint(stats.Unknown))
	}
	if stats.Failed > 0 {
		fmt.Fprintf(out, "failed:     %s\n", color.New(color.FgRed).Sprint(stats.Failed))
	}
}
