package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/orca-dev/orca/internal/hosting"
	"github.com/orca-dev/orca/internal/model"
)

// TestProgressDeployingTimesOutAtExactBoundary covers the deploy_timeout_min
// boundary case: a deploy that has been running for exactly
// deploy_timeout_min, not a moment longer, is already terminal-failed.
func TestProgressDeployingTimesOutAtExactBoundary(t *testing.T) {
	store := newTestDB(t)
	provider := &fakeProvider{} // FindPRByBranch/GetWorkflowRunStatus irrelevant here (no_runs)
	sched := newTestScheduler(t, store, 3, provider)
	sched.cfg.DeployStrategy = "github_actions"
	sched.cfg.DeployTimeoutMin = 30

	startedAt := time.Now().UTC().Add(-30 * time.Minute)
	task := &model.Task{
		IssueID:         "T-20",
		RepoPath:        "/repo",
		Status:          model.StatusDeploying,
		AgentPrompt:     "x",
		MergeCommitSHA:  "abc123",
		DeployStartedAt: &startedAt,
	}
	saveTask(t, store, task)

	sched.progressDeploying(context.Background(), task)

	if task.Status != model.StatusFailed {
		t.Fatalf("expected deploy at exactly the timeout boundary to fail, got %s", task.Status)
	}
}

func TestProgressDeployingNotYetTimedOut(t *testing.T) {
	store := newTestDB(t)
	provider := &fakeProvider{}
	sched := newTestScheduler(t, store, 3, provider)
	sched.cfg.DeployStrategy = "github_actions"
	sched.cfg.DeployTimeoutMin = 30

	startedAt := time.Now().UTC().Add(-29 * time.Minute)
	task := &model.Task{
		IssueID:         "T-21",
		RepoPath:        "/repo",
		Status:          model.StatusDeploying,
		AgentPrompt:     "x",
		MergeCommitSHA:  "abc123",
		DeployStartedAt: &startedAt,
	}
	saveTask(t, store, task)

	sched.progressDeploying(context.Background(), task)

	if task.Status != model.StatusDeploying {
		t.Fatalf("expected deploy under the timeout to stay deploying, got %s", task.Status)
	}
}

func TestProgressDeployingSucceedsOnWorkflowSuccess(t *testing.T) {
	store := newTestDB(t)
	provider := &workflowStatusProvider{status: hosting.WorkflowSuccess}
	sched := newTestScheduler(t, store, 3, nil)
	sched.hostingFor = func(repoPath string) (hosting.Provider, error) { return provider, nil }
	sched.cfg.DeployStrategy = "github_actions"
	sched.cfg.DeployTimeoutMin = 30

	startedAt := time.Now().UTC()
	task := &model.Task{
		IssueID:         "T-22",
		RepoPath:        "/repo",
		Status:          model.StatusDeploying,
		AgentPrompt:     "x",
		MergeCommitSHA:  "abc123",
		DeployStartedAt: &startedAt,
	}
	saveTask(t, store, task)

	sched.progressDeploying(context.Background(), task)

	if task.Status != model.StatusDone {
		t.Fatalf("expected a successful workflow run to mark the task done, got %s", task.Status)
	}
}

func TestProgressDeployingNoneStrategyCompletesImmediately(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})
	sched.cfg.DeployStrategy = "none"

	task := &model.Task{IssueID: "T-23", RepoPath: "/repo", Status: model.StatusDeploying, AgentPrompt: "x"}
	saveTask(t, store, task)

	sched.progressDeploying(context.Background(), task)

	if task.Status != model.StatusDone {
		t.Fatalf("expected the \"none\" deploy strategy to complete immediately, got %s", task.Status)
	}
}

// workflowStatusProvider is a minimal hosting.Provider stub reporting a
// fixed workflow run status, for deploy-poll tests that don't care about
// PR lookup.
type workflowStatusProvider struct {
	status hosting.WorkflowStatus
}

func (w *workflowStatusProvider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	return nil, hosting.ErrNoPRFound
}
func (w *workflowStatusProvider) GetMergeCommitSHA(ctx context.Context, prNumber int) (string, error) {
	return "", hosting.ErrNotMerged
}
func (w *workflowStatusProvider) GetWorkflowRunStatus(ctx context.Context, sha string) (hosting.WorkflowStatus, error) {
	return w.status, nil
}
func (w *workflowStatusProvider) CloseSupersededPRs(ctx context.Context, taskID string, currentPR int) error {
	return nil
}
func (w *workflowStatusProvider) CheckAuth(ctx context.Context) error { return nil }
func (w *workflowStatusProvider) Name() hosting.ProviderType          { return hosting.ProviderUnknown }
