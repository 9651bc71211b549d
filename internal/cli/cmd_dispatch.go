package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orca-dev/orca/internal/events"
	"github.com/orca-dev/orca/internal/graph"
	"github.com/orca-dev/orca/internal/runpool"
	"github.com/orca-dev/orca/internal/scheduler"
)

// newDispatchCmd creates the dispatch command: an operator override of
// the scheduler's priority-ordered pick for exactly one named task. It
// still honors the budget gate, the concurrency gate, and the
// dispatchability check an ordinary tick applies — it only skips ahead
// of whichever other ready tasks would otherwise have been picked first.
// Exits 2 (the CLI's default runtime-error exit code) with the reason
// when the task isn't currently dispatchable.
func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <issue_id>",
		Short: "Force one task to the front of the dispatch queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(args[0])
		},
	}
}

func runDispatch(issueID string) error {
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
	syncer, err := newSyncer(cfg, store, g, log.With("component", "tracker_sync"))
	if err != nil {
		return err
	}

	ctx := context.Background()

	// The dispatchability check needs current blocking relations; a
	// standalone dispatch invocation has no long-lived graph to consult,
	// so rebuild one from a full sync first, the same way the reconciler
	// does at boot.
	if _, err := syncer.FullSync(ctx); err != nil {
		return fmt.Errorf("sync before dispatch: %w", err)
	}

	bus := events.NewBus()
	pool := runpool.New(runpool.Config{
		Store:          store,
		Publisher:      bus,
		Log:            log.With("component", "runpool"),
		ConcurrencyCap: int64(cfg.ConcurrencyCap),
		ClaudePath:     cfg.AgentBin,
		LogDir:         logDirFor(cfg),
	})

	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Graph:      g,
		Pool:       pool,
		Publisher:  bus,
		Log:        log.With("component", "scheduler"),
		Cfg:        cfg,
		HostingFor: hostingFor,
	})

	if err := sched.ForceDispatch(ctx, issueID); err != nil {
		if errors.Is(err, scheduler.ErrNotDispatchable) {
			// Left untagged: Execute() defaults an untagged error to exit
			// 2, which is what a not-dispatchable result calls for (not
			// the configuration-class exit 1 `add` uses).
			return fmt.Errorf("%s is not dispatchable: %w", issueID, err)
		}
		return fmt.Errorf("dispatch %s: %w", issueID, err)
	}

	fmt.Printf("%s dispatched\n", issueID)
	return nil
}
