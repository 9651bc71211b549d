// Package cli implements Orca's command-line interface: the five
// subcommands (start, add, status, dispatch, sync) over a
// cobra command tree, with persistent flags and a flat config.Config
// loaded via viper.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orca-dev/orca/internal/orcerr"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

// rootCmd is the base command when orca is invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "orca",
	Short: "Supervises autonomous coding-agent runs against tracked issues",
	Long: `orca turns tracked issues into autonomous runs of a command-line coding
agent, monitors them against a timeout and cost budget, drives the
resulting pull request through review and fix cycles, and reports status
back to the tracker.

  orca start              Run the supervisor (scheduler, poller, tunnel, webhook, cleanup)
  orca add ISSUE-123      Pull a single issue in as a task ahead of the next sync
  orca status             Show current task state
  orca dispatch ISSUE-123 Dispatch one named task now, subject to the usual gates
  orca sync                Run one full tracker sync immediately`,
	SilenceUsage: true,
}

// Execute runs the command tree and returns the process exit code:
// 0 success, 1 configuration/validation error, 2 runtime
// error. The distinction comes straight from the orcerr.Kind a command
// tagged its returned error with; an untagged error defaults to 2.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if orcerr.Is(err, orcerr.KindConfiguration) {
			return 1
		}
		return 2
	}
	return 0
}

// configError tags err as a kind-1 (Configuration) failure,
// the only kind the CLI itself ever produces — everything else it
// surfaces is a runtime error from a component already wrapped (or not)
// by its own package.
func configError(err error) error {
	return orcerr.Wrap(orcerr.KindConfiguration, err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .orca/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "plain, undecorated status headings (no command emits JSON)")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newDispatchCmd())
	rootCmd.AddCommand(newSyncCmd())
}
