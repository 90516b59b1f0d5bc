package cli

import "github.com/spf13/cobra"

// Version is the released version of the binary.
const Version = "0.1.0"

// RootCmd assembles the telemetry command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "telemetry",
		Short:   "LLM run telemetry: ingestion, filtering and realtime evaluation",
		Version: Version,
		Long: `telemetry ingests run events from instrumented LLM applications,
reconciles chat threads, serves filtered run search and runs realtime
evaluators over new runs.

Configuration comes from environment variables, optionally preceded by the
YAML file named in CONFIG_FILE.`,
		SilenceUsage: true,
	}

	root.AddCommand(ServeCmd())
	root.AddCommand(EvaluateCmd())
	root.AddCommand(CompileCmd())
	return root
}
