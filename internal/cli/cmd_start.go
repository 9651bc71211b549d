package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orca-dev/orca/internal/cleanup"
	"github.com/orca-dev/orca/internal/events"
	"github.com/orca-dev/orca/internal/graph"
	"github.com/orca-dev/orca/internal/poller"
	"github.com/orca-dev/orca/internal/reconciler"
	"github.com/orca-dev/orca/internal/runpool"
	"github.com/orca-dev/orca/internal/scheduler"
	"github.com/orca-dev/orca/internal/tunnel"
	"github.com/orca-dev/orca/internal/webhook"
)

// newStartCmd creates the start command: boots every long-lived
// component (scheduler, poller, tunnel supervisor, webhook receiver,
// cleanup loop), reconciles prior crashed state, then blocks until
// SIGINT/SIGTERM for a graceful shutdown.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the supervisor",
		Long: `Runs the full supervisor: the scheduler tick, the tracker poller, the
tunnel supervisor, the webhook receiver, and the cleanup loop. Blocks
until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func runStart() error {
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
	bus := events.NewBus()

	syncer, err := newSyncer(cfg, store, g, log.With("component", "tracker_sync"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("reconciling prior state")
	recRes, err := reconciler.Reconcile(ctx, reconciler.Config{
		Store:      store,
		Syncer:     syncer,
		Publisher:  bus,
		Log:        log.With("component", "reconciler"),
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	log.Info("reconcile complete",
		"invocations_closed", recRes.InvocationsClosed,
		"tasks_readied", recRes.TasksReadied,
		"tasks_failed", recRes.TasksFailed,
		"sync_total", recRes.Sync.Total,
		"sync_succeeded", recRes.Sync.Succeeded,
		"sync_failed", recRes.Sync.Failed,
	)

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

	var tun *tunnel.Supervisor
	if cfg.TunnelHostname != "" {
		tun = tunnel.New(tunnel.Config{
			Bin:                  cfg.TunnelBin,
			Hostname:             cfg.TunnelHostname,
			Token:                cfg.TunnelToken,
			ConnectedPatterns:    cfg.TunnelConnectedPatterns,
			DisconnectedPatterns: cfg.TunnelDisconnectedPatterns,
			Log:                  log.With("component", "tunnel"),
		})
		if err := tun.Start(ctx); err != nil {
			return fmt.Errorf("start tunnel: %w", err)
		}
		defer tun.Stop()
	}

	var tunnelStatus poller.TunnelStatus
	if tun != nil {
		tunnelStatus = tun
	}
	pollr := poller.New(poller.Config{
		Tunnel: tunnelStatus,
		Sync: func(ctx context.Context) error {
			_, err := syncer.FullSync(ctx)
			return err
		},
		Log: log.With("component", "poller"),
		OnCircuitOpen: func() {
			log.Error("poller circuit open: tracker sync has failed repeatedly")
		},
	})

	cleanupLoop := cleanup.New(cleanup.Config{
		Store:       store,
		HostingFor:  hostingFor,
		Log:         log.With("component", "cleanup"),
		Interval:    cfg.CleanupInterval(),
		MaxAge:      cfg.CleanupBranchMaxAge(),
		DefaultRepo: cfg.DefaultCWD,
	})

	hook := webhook.New(webhook.Config{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Secret:  cfg.WebhookSecret,
		Applier: syncer,
		Log:     log.With("component", "webhook"),
	})
	go func() {
		if err := hook.Start(ctx); err != nil {
			log.Error("webhook receiver stopped", "error", err)
		}
	}()

	sched.Start(ctx)
	pollr.Start(ctx)
	cleanupLoop.Start(ctx)

	log.Info("orca started", "port", cfg.Port, "concurrency_cap", cfg.ConcurrencyCap)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	sched.Stop()
	pollr.Stop()
	cleanupLoop.Stop()

	return nil
}
