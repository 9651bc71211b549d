package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/orca-dev/orca/internal/config"
	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/graph"
	"github.com/orca-dev/orca/internal/hosting"
	"github.com/orca-dev/orca/internal/orcalog"
	"github.com/orca-dev/orca/internal/tracker"
)

// loadConfig reads and validates configuration, wrapping a failure as a
// Configuration-kind error (exit 1).
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

// newLogger builds the structured logger every long-lived component
// holds, defaulting to info level and stepping up to debug under -v.
func newLogger() orcalog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return orcalog.New(os.Stderr, level)
}

// openStore opens the task store at cfg.DBPath, creating its parent
// directory and applying migrations.
func openStore(cfg *config.Config) (*db.DB, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}

// logDirFor places agent invocation transcripts alongside the db file,
// under a logs/ sibling directory.
func logDirFor(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.DBPath), "logs")
}

// newTrackerClient builds the tracker HTTP client from config.
func newTrackerClient(cfg *config.Config) (*tracker.Client, error) {
	return tracker.NewClient(tracker.ClientConfig{
		BaseURL:  cfg.TrackerBaseURL,
		Email:    cfg.TrackerEmail,
		APIToken: cfg.TrackerAPIKey,
	})
}

// newSyncer wires a tracker.Syncer from config, reused by every command
// that touches the tracker (add, sync, start).
func newSyncer(cfg *config.Config, store *db.DB, g *graph.Graph, log orcalog.Logger) (*tracker.Syncer, error) {
	client, err := newTrackerClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("build tracker client: %w", err)
	}
	return tracker.New(client, store, g, tracker.Config{
		ProjectIDs:        cfg.ProjectIDs,
		ReadyStateType:    cfg.ReadyStateType,
		DefaultCWD:        cfg.DefaultCWD,
		RepoPathOverrides: cfg.RepoPathOverrides,
	}, log), nil
}

// hostingFor resolves a code-host provider per repo path, auto-detecting
// from the repo's git remote (github vs gitlab) — the same default the
// scheduler and cleanup loop fall back to when no override is supplied.
func hostingFor(repoPath string) (hosting.Provider, error) {
	return hosting.NewProvider(repoPath, hosting.Config{})
}
