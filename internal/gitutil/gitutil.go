// Package gitutil manages isolated git worktrees for task invocations.
package gitutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// BranchPrefix is the namespace all task branches live under.
const BranchPrefix = "orca/"

// WorktreeSubdir is the directory, relative to the repo root, that holds worktrees.
const WorktreeSubdir = ".orca/worktrees"

// Git drives worktree lifecycle operations against a single repository checkout.
//
// mu protects the create/prune retry sequence: if two invocations race to
// create a worktree at the same time, one prune must not interleave with
// the other's add.
type Git struct {
	mu       sync.Mutex
	repoPath string
}

// New returns a Git bound to the repository checked out at repoPath.
func New(repoPath string) *Git {
	return &Git{repoPath: repoPath}
}

// BranchName returns the branch name for a task invocation: orca/<taskID>-inv-<invocationID>.
func BranchName(taskID, invocationID string) string {
	return fmt.Sprintf("%s%s-inv-%s", BranchPrefix, taskID, invocationID)
}

// WorktreeDirName returns the directory name used for a task invocation's worktree.
func WorktreeDirName(taskID, invocationID string) string {
	return fmt.Sprintf("%s-inv-%s", taskID, invocationID)
}

// WorktreePath returns the absolute path a task invocation's worktree would live at.
func (g *Git) WorktreePath(taskID, invocationID string) string {
	return filepath.Join(g.repoPath, WorktreeSubdir, WorktreeDirName(taskID, invocationID))
}

// run executes git in the repo's root directory.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// tryCreateWorktree creates a worktree, retrying once after pruning stale
// registrations if the first attempt fails (e.g. the worktree directory was
// removed by hand but git still tracks it).
func (g *Git) tryCreateWorktree(ctx context.Context, branch, path, baseBranch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "worktree", "add", "-b", branch, path, baseBranch); err == nil {
		return nil
	}

	// Branch may already exist from a prior attempt at this invocation.
	if _, err := g.run(ctx, "worktree", "add", path, branch); err == nil {
		return nil
	}

	_, _ = g.run(ctx, "worktree", "prune")

	if _, err := g.run(ctx, "worktree", "add", "-b", branch, path, baseBranch); err == nil {
		return nil
	}

	_, err := g.run(ctx, "worktree", "add", path, branch)
	return err
}

// CreateWorktree creates an isolated worktree on a new branch for the given
// task invocation, branching from baseBranch. It returns the worktree's
// absolute path and the branch name it was created on.
func (g *Git) CreateWorktree(ctx context.Context, taskID, invocationID, baseBranch string) (path, branch string, err error) {
	branch = BranchName(taskID, invocationID)
	path = g.WorktreePath(taskID, invocationID)

	worktreesDir := filepath.Join(g.repoPath, WorktreeSubdir)
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create worktrees dir: %w", err)
	}

	if err := g.tryCreateWorktree(ctx, branch, path, baseBranch); err != nil {
		return "", "", fmt.Errorf("create worktree for %s inv %s: %w", taskID, invocationID, err)
	}

	return path, branch, nil
}

// RemoveWorktree removes the worktree at path and deletes its branch.
// An empty path skips the worktree step and an empty branch skips the
// branch step. Missing worktrees are treated as already-clean, not errors.
func (g *Git) RemoveWorktree(ctx context.Context, path, branch string) error {
	if path != "" {
		g.mu.Lock()
		_, err := g.run(ctx, "worktree", "remove", "--force", path)
		g.mu.Unlock()
		if err != nil && !isMissingWorktree(err) {
			return fmt.Errorf("remove worktree at %s: %w", path, err)
		}
	}

	if branch != "" {
		if _, err := g.run(ctx, "branch", "-D", branch); err != nil && !isMissingBranch(err) {
			return fmt.Errorf("delete branch %s: %w", branch, err)
		}
	}

	return nil
}

// CreateWorktreeForBranch checks out an existing branch into a fresh
// worktree — used by the review and fix phases, which operate against
// the PR branch an earlier implement invocation already pushed, rather
// than cutting a new one.
func (g *Git) CreateWorktreeForBranch(ctx context.Context, taskID, invocationID, branch string) (path string, err error) {
	path = g.WorktreePath(taskID, invocationID)

	worktreesDir := filepath.Join(g.repoPath, WorktreeSubdir)
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}

	g.mu.Lock()
	_, err = g.run(ctx, "worktree", "add", path, branch)
	if err != nil {
		_, _ = g.run(ctx, "worktree", "prune")
		_, err = g.run(ctx, "worktree", "add", path, branch)
	}
	g.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("create worktree for existing branch %s: %w", branch, err)
	}

	return path, nil
}

// DefaultBranch returns the repository's default branch, used as the
// base for newly created task branches. Falls back to "main" if the
// origin remote's HEAD isn't known locally (e.g. a fresh clone that
// never ran `git remote set-head`).
func (g *Git) DefaultBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main", nil
	}
	ref := strings.TrimSpace(out)
	const prefix = "refs/remotes/origin/"
	if rest, ok := strings.CutPrefix(ref, prefix); ok {
		return rest, nil
	}
	return "main", nil
}

// Prune removes stale worktree registrations left behind when a worktree
// directory was deleted without `git worktree remove`.
func (g *Git) Prune(ctx context.Context) error {
	if _, err := g.run(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// ListWorktrees returns the paths of all worktrees currently registered for
// the repository, excluding the main working tree.
func (g *Git) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, rest)
		}
	}
	// The main working tree is always listed first.
	if len(paths) > 0 {
		paths = paths[1:]
	}
	return paths, nil
}

// ListBranches returns every local branch under BranchPrefix, used by the
// cleanup loop to find orca/* branches left behind after their worktree
// was already removed.
func (g *Git) ListBranches(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "branch", "--list", BranchPrefix+"*", "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

func isMissingWorktree(err error) bool {
	return strings.Contains(err.Error(), "is not a working tree") || strings.Contains(err.Error(), "not a valid path")
}

func isMissingBranch(err error) bool {
	return strings.Contains(err.Error(), "not found")
}

// ErrNoRemote is returned when a repository has no origin remote configured.
var ErrNoRemote = errors.New("no origin remote configured")

// RemoteURL returns the URL of the origin remote, used for code-host detection.
func (g *Git) RemoteURL(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoRemote, err)
	}
	return strings.TrimSpace(out), nil
}
