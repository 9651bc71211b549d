package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orca-dev/orca/internal/graph"
)

// newSyncCmd creates the sync command: runs one full tracker sync
// immediately instead of waiting on the poller's next tick.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full tracker sync",
		Args:  cobra.NoArgs,
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

			g := graph.New()
			syncer, err := newSyncer(cfg, store, g, log)
			if err != nil {
				return err
			}

			res, err := syncer.FullSync(context.Background())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			fmt.Printf("synced %d issues: %d succeeded, %d failed\n", res.Total, res.Succeeded, res.Failed)
			return nil
		},
	}
}
