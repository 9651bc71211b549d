package scheduler

import (
	"context"
	"testing"

	"github.com/orca-dev/orca/internal/config"
	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/events"
	"github.com/orca-dev/orca/internal/graph"
	"github.com/orca-dev/orca/internal/hosting"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/runpool"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

type fakeProvider struct {
	prByBranch map[string]*hosting.PR
}

func (f *fakeProvider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	if pr, ok := f.prByBranch[branch]; ok {
		return pr, nil
	}
	return nil, hosting.ErrNoPRFound
}
func (f *fakeProvider) GetMergeCommitSHA(ctx context.Context, prNumber int) (string, error) {
	return "", hosting.ErrNotMerged
}
func (f *fakeProvider) GetWorkflowRunStatus(ctx context.Context, sha string) (hosting.WorkflowStatus, error) {
	return hosting.WorkflowNoRuns, nil
}
func (f *fakeProvider) CloseSupersededPRs(ctx context.Context, taskID string, currentPR int) error {
	return nil
}
func (f *fakeProvider) CheckAuth(ctx context.Context) error { return nil }
func (f *fakeProvider) Name() hosting.ProviderType          { return hosting.ProviderUnknown }

func newTestScheduler(t *testing.T, store *db.DB, maxRetries int, provider *fakeProvider) *Scheduler {
	t.Helper()
	return New(Config{
		Store:     store,
		Graph:     graph.New(),
		Pool:      runpool.New(runpool.Config{Store: store, Publisher: events.NewBus(), ConcurrencyCap: 4}),
		Publisher: events.NewBus(),
		Cfg:       &config.Config{MaxRetries: maxRetries, MaxReviewCycles: 2},
		HostingFor: func(repoPath string) (hosting.Provider, error) {
			return provider, nil
		},
	})
}

func saveTask(t *testing.T, store *db.DB, task *model.Task) {
	t.Helper()
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
}

// TestRetryOrFailBoundary walks the exact four-consecutive-failures
// scenario with max_retries=3: the first three failures each bump
// retry_count and return the task to ready, and only the fourth - with
// retry_count already at the cap - fails the task, leaving retry_count
// at 3 rather than 4.
func TestRetryOrFailBoundary(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-1", RepoPath: "/repo", Status: model.StatusDispatched, AgentPrompt: "x"}
	saveTask(t, store, task)

	wantStatus := []model.TaskStatus{model.StatusReady, model.StatusReady, model.StatusReady, model.StatusFailed}
	wantRetries := []int{1, 2, 3, 3}

	for i, want := range wantStatus {
		sched.retryOrFail(task)
		if task.Status != want {
			t.Fatalf("failure %d: expected status %s, got %s", i+1, want, task.Status)
		}
		if task.RetryCount != wantRetries[i] {
			t.Fatalf("failure %d: expected retry_count %d, got %d", i+1, wantRetries[i], task.RetryCount)
		}

		got, err := store.GetTask("T-1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != want || got.RetryCount != wantRetries[i] {
			t.Fatalf("failure %d: persisted task = %+v, want status %s retry_count %d", i+1, got, want, wantRetries[i])
		}
	}
}

func TestRetryOrFailAtExactlyMaxRetriesFails(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-2", RepoPath: "/repo", Status: model.StatusDispatched, AgentPrompt: "x", RetryCount: 3}
	saveTask(t, store, task)

	sched.retryOrFail(task)

	if task.Status != model.StatusFailed {
		t.Fatalf("expected task at retry_count==max_retries to fail, got %s", task.Status)
	}
	if task.RetryCount != 3 {
		t.Fatalf("expected retry_count to stay at 3, got %d", task.RetryCount)
	}
}

func TestResolveImplementRetriesOnFailedInvocation(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-3", RepoPath: "/repo", Status: model.StatusDispatched, AgentPrompt: "x"}
	saveTask(t, store, task)

	pr := &pendingResult{phase: model.PhaseImplement, result: &runpool.Result{Status: model.InvocationFailed}}
	sched.resolveImplement(context.Background(), task, pr)

	if task.Status != model.StatusReady {
		t.Fatalf("expected failed implement invocation to retry to ready, got %s", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("expected retry_count bumped to 1, got %d", task.RetryCount)
	}
}

func TestResolveImplementMovesToReviewOnPRFound(t *testing.T) {
	store := newTestDB(t)
	provider := &fakeProvider{prByBranch: map[string]*hosting.PR{"orca/T-4-1": {Number: 7}}}
	sched := newTestScheduler(t, store, 3, provider)

	task := &model.Task{IssueID: "T-4", RepoPath: "/repo", Status: model.StatusDispatched, AgentPrompt: "x"}
	saveTask(t, store, task)

	pr := &pendingResult{
		phase:  model.PhaseImplement,
		branch: "orca/T-4-1",
		result: &runpool.Result{Status: model.InvocationCompleted},
	}
	sched.resolveImplement(context.Background(), task, pr)

	if task.Status != model.StatusInReview {
		t.Fatalf("expected task to move to in_review, got %s", task.Status)
	}
	if task.PRNumber != 7 {
		t.Fatalf("expected PR number 7 recorded, got %d", task.PRNumber)
	}
}

func TestResolveImplementRetriesWhenNoPRFoundYet(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-5", RepoPath: "/repo", Status: model.StatusDispatched, AgentPrompt: "x"}
	saveTask(t, store, task)

	pr := &pendingResult{
		phase:  model.PhaseImplement,
		branch: "orca/T-5-1",
		result: &runpool.Result{Status: model.InvocationCompleted},
	}
	sched.resolveImplement(context.Background(), task, pr)

	if task.Status != model.StatusReady {
		t.Fatalf("expected no-PR-yet to retry to ready, got %s", task.Status)
	}
}

// TestResolveReviewNonCompletedFailsDirectly covers the fix: a
// non-completed review invocation (timeout/crash) goes straight to
// failed, with no retry path, unlike a spawn failure.
func TestResolveReviewNonCompletedFailsDirectly(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-6", RepoPath: "/repo", Status: model.StatusInReview, AgentPrompt: "x"}
	saveTask(t, store, task)

	pr := &pendingResult{phase: model.PhaseReview, result: &runpool.Result{Status: model.InvocationTimedOut}}
	sched.resolveReview(context.Background(), task, pr)

	if task.Status != model.StatusFailed {
		t.Fatalf("expected non-completed review invocation to fail directly, got %s", task.Status)
	}
	if task.RetryCount != 0 {
		t.Fatalf("expected retry_count untouched by a review-phase failure, got %d", task.RetryCount)
	}
}

func TestResolveReviewApproved(t *testing.T) {
	store := newTestDB(t)
	provider := &fakeProvider{}
	sched := newTestScheduler(t, store, 3, provider)

	task := &model.Task{IssueID: "T-7", RepoPath: "/repo", Status: model.StatusInReview, AgentPrompt: "x", PRNumber: 3}
	saveTask(t, store, task)

	pr := &pendingResult{
		phase:  model.PhaseReview,
		result: &runpool.Result{Status: model.InvocationCompleted, OutputSummary: "REVIEW_RESULT:APPROVED"},
	}
	sched.resolveReview(context.Background(), task, pr)

	if task.Status != model.StatusAwaitingCI && task.Status != model.StatusDeploying {
		t.Fatalf("expected approved review to start the deploy path, got %s", task.Status)
	}
}

func TestResolveReviewChangesRequested(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-8", RepoPath: "/repo", Status: model.StatusInReview, AgentPrompt: "x"}
	saveTask(t, store, task)

	pr := &pendingResult{
		phase:  model.PhaseReview,
		result: &runpool.Result{Status: model.InvocationCompleted, OutputSummary: "REVIEW_RESULT:CHANGES_REQUESTED\nplease fix X"},
	}
	sched.resolveReview(context.Background(), task, pr)

	if task.Status != model.StatusChangesRequested {
		t.Fatalf("expected changes_requested, got %s", task.Status)
	}
}

func TestResolveFixNonCompletedFails(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-9", RepoPath: "/repo", Status: model.StatusChangesRequested, AgentPrompt: "x"}
	saveTask(t, store, task)

	pr := &pendingResult{phase: model.PhaseFix, result: &runpool.Result{Status: model.InvocationFailed}}
	sched.resolveFix(task, pr)

	if task.Status != model.StatusFailed {
		t.Fatalf("expected fatal fix outcome to fail the task, got %s", task.Status)
	}
}

func TestResolveFixReturnsToReviewUnderCycleCap(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{})

	task := &model.Task{IssueID: "T-10", RepoPath: "/repo", Status: model.StatusChangesRequested, AgentPrompt: "x", ReviewCycleCount: 0}
	saveTask(t, store, task)

	pr := &pendingResult{phase: model.PhaseFix, result: &runpool.Result{Status: model.InvocationCompleted}}
	sched.resolveFix(task, pr)

	if task.Status != model.StatusInReview {
		t.Fatalf("expected task to return to in_review under the cycle cap, got %s", task.Status)
	}
	if task.ReviewCycleCount != 1 {
		t.Fatalf("expected review_cycle_count incremented to 1, got %d", task.ReviewCycleCount)
	}
}

func TestResolveFixFailsOnceReviewCyclesExhausted(t *testing.T) {
	store := newTestDB(t)
	sched := newTestScheduler(t, store, 3, &fakeProvider{}) // MaxReviewCycles: 2 (set in newTestScheduler)

	task := &model.Task{IssueID: "T-11", RepoPath: "/repo", Status: model.StatusChangesRequested, AgentPrompt: "x", ReviewCycleCount: 2}
	saveTask(t, store, task)

	pr := &pendingResult{phase: model.PhaseFix, result: &runpool.Result{Status: model.InvocationCompleted}}
	sched.resolveFix(task, pr)

	if task.Status != model.StatusFailed {
		t.Fatalf("expected task to fail once review cycles are exhausted, got %s", task.Status)
	}
}
