package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/telemetry/internal/filter"
)

// CompileCmd returns the compile command, which prints the SQL of a filter
// tree.
func CompileCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "compile [filter-json]",
		Short: "Print the SQL fragment of a filter tree",
		Long: `Compile a filter tree to its parameterized SQL fragment over the runs
alias r. The tree is read from the argument, or from stdin when absent.

Examples:
  telemetry compile '["AND",{"id":"type","params":{"type":"llm"}}]'
  echo '["OR",{"id":"status","params":{"status":"error"}}]' | telemetry compile --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 1 {
				raw = []byte(args[0])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read filter from stdin: %w", err)
				}
				raw = data
			}
			if strings.TrimSpace(string(raw)) == "" {
				return fmt.Errorf("no filter tree given")
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			frag, err := filter.New(logger).CompileJSON(raw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(frag)
			}
			fmt.Fprintln(out, color.New(color.FgCyan).Sprint(frag.SQL))
			for i, arg := range frag.Args {
				fmt.Fprintf(out, "  $%d = %v\n", i+1, arg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the fragment as JSON")
	return cmd
}
