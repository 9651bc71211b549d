package db

import (
	"testing"
	"time"

	"github.com/orca-dev/orca/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSaveAndGetTask(t *testing.T) {
	d := newTestDB(t)

	task := &model.Task{
		IssueID:     "T-1",
		AgentPrompt: "fix the bug",
		RepoPath:    "/repos/T-1",
		Priority:    2,
		Status:      model.StatusReady,
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	got, err := d.GetTask("T-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.AgentPrompt != "fix the bug" || got.Priority != 2 || got.Status != model.StatusReady {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestSaveTaskUpsertPreservesCreatedAt(t *testing.T) {
	d := newTestDB(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	task := &model.Task{IssueID: "T-1", Status: model.StatusBacklog, CreatedAt: created}
	if err := d.SaveTask(task); err != nil {
		t.Fatalf("save: %v", err)
	}

	task.Status = model.StatusReady
	task.CreatedAt = created
	if err := d.SaveTask(task); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := d.GetTask("T-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusReady {
		t.Fatalf("expected status to update, got %s", got.Status)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at preserved, got %v", got.CreatedAt)
	}
}

func TestReadyTasksOrdering(t *testing.T) {
	d := newTestDB(t)

	now := time.Now().UTC()
	tasks := []*model.Task{
		{IssueID: "A", Priority: 3, Status: model.StatusReady, CreatedAt: now},
		{IssueID: "B", Priority: 1, Status: model.StatusReady, CreatedAt: now.Add(time.Second)},
		{IssueID: "C", Priority: 1, Status: model.StatusReady, CreatedAt: now},
		{IssueID: "D", Priority: 1, Status: model.StatusBacklog, CreatedAt: now},
	}
	for _, tk := range tasks {
		if err := d.SaveTask(tk); err != nil {
			t.Fatalf("save %s: %v", tk.IssueID, err)
		}
	}

	ready, err := d.ReadyTasks()
	if err != nil {
		t.Fatalf("ready tasks: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready tasks, got %d", len(ready))
	}
	if ready[0].IssueID != "C" || ready[1].IssueID != "B" || ready[2].IssueID != "A" {
		var ids []string
		for _, tk := range ready {
			ids = append(ids, tk.IssueID)
		}
		t.Fatalf("unexpected order: %v", ids)
	}
}

func TestInvocationLifecycleAndBudget(t *testing.T) {
	d := newTestDB(t)

	if err := d.SaveTask(&model.Task{IssueID: "T-1", Status: model.StatusDispatched, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("save task: %v", err)
	}

	id, err := d.CreateInvocation(&model.Invocation{TaskID: "T-1", Phase: model.PhaseImplement})
	if err != nil {
		t.Fatalf("create invocation: %v", err)
	}

	n, err := d.ActiveSessionCount()
	if err != nil || n != 1 {
		t.Fatalf("expected active session count 1, got %d err=%v", n, err)
	}

	cost := 0.05
	turns := 3
	if err := d.CloseInvocationTx(id, model.InvocationCompleted, "done", &turns, &cost); err != nil {
		t.Fatalf("close invocation: %v", err)
	}

	n, err = d.ActiveSessionCount()
	if err != nil || n != 0 {
		t.Fatalf("expected active session count 0 after close, got %d err=%v", n, err)
	}

	sum, err := d.SumCostSince(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sum cost: %v", err)
	}
	if sum != 0.05 {
		t.Fatalf("expected sum 0.05, got %v", sum)
	}
}

func TestRunningInvocationForTaskNilWhenNone(t *testing.T) {
	d := newTestDB(t)
	inv, err := d.RunningInvocationForTask("no-such-task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv != nil {
		t.Fatalf("expected nil invocation, got %+v", inv)
	}
}
