package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/orca-dev/orca/internal/model"
)

// newStatusCmd creates the status command: a snapshot of every task not
// yet done (every task with --all) grouped by orca_status, rendered as a tabwriter table with a plain
// fallback for non-terminal output.
func newStatusCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show current task status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var tasks []*model.Task
			if all {
				tasks, err = store.AllTasksIncludingDone()
			} else {
				tasks, err = store.AllTasks()
			}
			if err != nil {
				return fmt.Errorf("load tasks: %w", err)
			}

			printStatus(tasks)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include done tasks")
	return cmd
}

var statusOrder = []model.TaskStatus{
	model.StatusRunning,
	model.StatusDispatched,
	model.StatusInReview,
	model.StatusChangesRequested,
	model.StatusDeploying,
	model.StatusAwaitingCI,
	model.StatusReady,
	model.StatusBacklog,
	model.StatusFailed,
	model.StatusDone,
}

func printStatus(tasks []*model.Task) {
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}

	byStatus := make(map[model.TaskStatus][]*model.Task)
	for _, t := range tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}

	plain := jsonOut || !isatty.IsTerminal(os.Stdout.Fd())
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	for _, status := range statusOrder {
		group := byStatus[status]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].IssueID < group[j].IssueID })

		fmt.Fprintf(w, "%s\n", statusHeading(status, plain))
		for _, t := range group {
			fmt.Fprintf(w, "  %s\t%s\tpriority %d\tretries %d\n", t.IssueID, truncate(t.AgentPrompt, 60), t.Priority, t.RetryCount)
		}
	}
	w.Flush()
}

func statusHeading(status model.TaskStatus, plain bool) string {
	if plain {
		return string(status)
	}
	switch status {
	case model.StatusFailed:
		return "⚠️  " + string(status)
	case model.StatusRunning:
		return "⏳ " + string(status)
	case model.StatusDone:
		return "✅ " + string(status)
	default:
		return string(status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
