// Package cleanup runs the periodic worktree and branch garbage collector:
// removes working trees whose owning invocation ended long enough ago and
// whose PR has merged or can no longer be found, then prunes any orphaned
// orca/* branches left without a worktree in the same state, as a
// ticker-driven polling loop. A PR closed without merging is not treated
// as finished: its worktree and branch are kept.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/gitutil"
	"github.com/orca-dev/orca/internal/hosting"
	"github.com/orca-dev/orca/internal/orcalog"
)

// HostingFor resolves the code-host provider for a repository, mirroring
// the scheduler's own hostingFor hook so both share one implementation
// per process.
type HostingFor func(repoPath string) (hosting.Provider, error)

// Loop is the cleanup GC.
type Loop struct {
	store      *db.DB
	hostingFor HostingFor
	log        orcalog.Logger

	interval    time.Duration
	maxAge      time.Duration
	defaultRepo string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a Loop.
type Config struct {
	Store       *db.DB
	HostingFor  HostingFor
	Log         orcalog.Logger
	Interval    time.Duration
	MaxAge      time.Duration
	DefaultRepo string
}

// New builds a Loop.
func New(cfg Config) *Loop {
	log := cfg.Log
	if log == nil {
		log = orcalog.Nop()
	}
	return &Loop{
		store:       cfg.Store,
		hostingFor:  cfg.HostingFor,
		log:         log,
		interval:    cfg.Interval,
		maxAge:      cfg.MaxAge,
		defaultRepo: cfg.DefaultRepo,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the GC loop.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop halts the loop and waits for the in-flight pass, if any.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep runs one GC pass: first worktrees tied to old invocations whose
// PR has merged or is gone, then orphaned orca/* branches.
func (l *Loop) Sweep(ctx context.Context) {
	l.sweepWorktrees(ctx)
	l.sweepOrphanedBranches(ctx)
}

func (l *Loop) sweepWorktrees(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-l.maxAge)
	invocations, err := l.store.EndedInvocationsOlderThan(cutoff)
	if err != nil {
		l.log.Warn("list ended invocations for cleanup", "error", err)
		return
	}

	for _, inv := range invocations {
		repoPath := l.repoPathFor(inv.TaskID)
		if !l.branchIsClosed(ctx, repoPath, inv.BranchName) {
			continue
		}

		git := gitutil.New(repoPath)
		if err := git.RemoveWorktree(ctx, inv.WorktreePath, inv.BranchName); err != nil {
			l.log.Warn("remove stale worktree", "task_id", inv.TaskID, "path", inv.WorktreePath, "error", err)
		}
	}
}

// sweepOrphanedBranches prunes orca/* branches in every repo a task
// currently points at, not just the default repo, resolving repo paths
// the same way sweepWorktrees resolves them per task.
func (l *Loop) sweepOrphanedBranches(ctx context.Context) {
	for _, repoPath := range l.repoPaths() {
		l.sweepOrphanedBranchesIn(ctx, repoPath)
	}
}

// repoPaths collects every distinct repo path a known task points at,
// plus the default repo, so a multi-repo deployment gets its orphaned
// branches pruned in every repo rather than only the default one.
func (l *Loop) repoPaths() []string {
	seen := make(map[string]struct{})
	if l.defaultRepo != "" {
		seen[l.defaultRepo] = struct{}{}
	}

	tasks, err := l.store.AllTasksIncludingDone()
	if err != nil {
		l.log.Warn("list tasks for cleanup repo scan", "error", err)
	} else {
		for _, t := range tasks {
			if t.RepoPath != "" {
				seen[t.RepoPath] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func (l *Loop) sweepOrphanedBranchesIn(ctx context.Context, repoPath string) {
	if repoPath == "" {
		return
	}

	git := gitutil.New(repoPath)
	branches, err := git.ListBranches(ctx)
	if err != nil {
		l.log.Warn("list orca branches for cleanup", "repo", repoPath, "error", err)
		return
	}

	for _, branch := range branches {
		if !l.branchIsClosed(ctx, repoPath, branch) {
			continue
		}
		if err := git.RemoveWorktree(ctx, "", branch); err != nil {
			l.log.Warn("prune orphaned branch", "repo", repoPath, "branch", branch, "error", err)
		}
	}
}

// repoPathFor resolves a task's repo path, falling back to the
// default repo when the task row is gone (e.g. the issue was deleted).
func (l *Loop) repoPathFor(taskID string) string {
	task, err := l.store.GetTask(taskID)
	if err != nil || task == nil {
		return l.defaultRepo
	}
	return task.RepoPath
}

// branchIsClosed reports whether branch's PR has merged or no longer
// exists, meaning its worktree/branch is safe to remove. An open,
// unmerged PR keeps the branch alive.
func (l *Loop) branchIsClosed(ctx context.Context, repoPath, branch string) bool {
	if repoPath == "" || branch == "" {
		return false
	}

	provider, err := l.hostingProvider(repoPath)
	if err != nil {
		l.log.Warn("resolve hosting provider for cleanup", "repo", repoPath, "error", err)
		return false
	}

	pr, err := provider.FindPRByBranch(ctx, branch)
	if err != nil {
		return errors.Is(err, hosting.ErrNoPRFound)
	}
	return pr.Merged
}

func (l *Loop) hostingProvider(repoPath string) (hosting.Provider, error) {
	if l.hostingFor != nil {
		return l.hostingFor(repoPath)
	}
	return hosting.NewProvider(repoPath, hosting.Config{})
}
