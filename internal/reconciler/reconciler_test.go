package reconciler

import (
	"context"
	"testing"

	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/events"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/tracker"
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

type fakeSyncer struct {
	res Result
	err error

	syncRes tracker.Result
	calls   int
}

func (f *fakeSyncer) FullSync(ctx context.Context) (tracker.Result, error) {
	f.calls++
	return f.syncRes, f.err
}

func TestReconcileRevertsRunningTaskToReady(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	task := &model.Task{IssueID: "T-1", RepoPath: "/repo", Status: model.StatusRunning, AgentPrompt: "x", RetryCount: 0}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	invID, err := store.CreateInvocation(&model.Invocation{TaskID: "T-1", Phase: model.PhaseImplement})
	if err != nil {
		t.Fatalf("CreateInvocation: %v", err)
	}

	syncer := &fakeSyncer{syncRes: tracker.Result{Total: 1, Succeeded: 1}}
	res, err := Reconcile(ctx, Config{
		Store:      store,
		Syncer:     syncer,
		Publisher:  events.NewBus(),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if res.InvocationsClosed != 1 {
		t.Fatalf("expected 1 invocation closed, got %d", res.InvocationsClosed)
	}
	if res.TasksReadied != 1 {
		t.Fatalf("expected 1 task readied, got %d", res.TasksReadied)
	}
	if syncer.calls != 1 {
		t.Fatalf("expected FullSync called once, got %d", syncer.calls)
	}

	got, err := store.GetTask("T-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusReady {
		t.Fatalf("expected task reverted to ready, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count incremented to 1, got %d", got.RetryCount)
	}

	inv, err := store.GetInvocation(invID)
	if err != nil {
		t.Fatalf("GetInvocation: %v", err)
	}
	if inv.Status != model.InvocationFailed {
		t.Fatalf("expected invocation closed failed, got %s", inv.Status)
	}
	if inv.OutputSummary != crashSummary {
		t.Fatalf("expected output summary %q, got %q", crashSummary, inv.OutputSummary)
	}
}

func TestReconcileFailsTaskOnExhaustedRetries(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	task := &model.Task{IssueID: "T-2", RepoPath: "/repo", Status: model.StatusDispatched, AgentPrompt: "x", RetryCount: 3}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if _, err := store.CreateInvocation(&model.Invocation{TaskID: "T-2", Phase: model.PhaseImplement}); err != nil {
		t.Fatalf("CreateInvocation: %v", err)
	}

	syncer := &fakeSyncer{}
	res, err := Reconcile(ctx, Config{Store: store, Syncer: syncer, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.TasksFailed != 1 {
		t.Fatalf("expected 1 task failed, got %d", res.TasksFailed)
	}

	got, err := store.GetTask("T-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("expected task failed, got %s", got.Status)
	}
}

func TestReconcileLeavesNonCrashedTasksAlone(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	task := &model.Task{IssueID: "T-3", RepoPath: "/repo", Status: model.StatusInReview, AgentPrompt: "x"}
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	syncer := &fakeSyncer{}
	res, err := Reconcile(ctx, Config{Store: store, Syncer: syncer, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.InvocationsClosed != 0 || res.TasksReadied != 0 || res.TasksFailed != 0 {
		t.Fatalf("expected no-op reconcile pass, got %+v", res)
	}

	got, err := store.GetTask("T-3")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusInReview {
		t.Fatalf("expected task status untouched, got %s", got.Status)
	}
}

func TestReconcilePropagatesSyncError(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	syncer := &fakeSyncer{err: context.DeadlineExceeded}
	_, err := Reconcile(ctx, Config{Store: store, Syncer: syncer, MaxRetries: 3})
	if err == nil {
		t.Fatal("expected error from failing sync to propagate")
	}
}
