package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orca-dev/orca/internal/graph"
)

// newAddCmd creates the add command: pulls one issue in as a task ahead
// of the next full sync, for issues an operator wants to seed immediately
// rather than wait for the poller or a webhook delta.
func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <issue_id>",
		Short: "Pull a single tracked issue in as a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			// A full dependency graph isn't needed just to upsert one
			// task; AddIssue never touches it.
			syncer, err := newSyncer(cfg, store, graph.New(), log)
			if err != nil {
				return err
			}

			issueID := args[0]
			if err := syncer.AddIssue(context.Background(), issueID); err != nil {
				return configError(fmt.Errorf("add %s: %w", issueID, err))
			}

			fmt.Printf("added %s\n", issueID)
			return nil
		},
	}
}
