package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/graph"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/orcalog"
)

func newMemoryStore(t *testing.T) *db.DB {
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

func TestNextStatusNewTaskReadyOrBacklog(t *testing.T) {
	if got := nextStatus(nil, "new", "new"); got != model.StatusReady {
		t.Fatalf("expected ready, got %s", got)
	}
	if got := nextStatus(nil, "indeterminate", "new"); got != model.StatusBacklog {
		t.Fatalf("expected backlog, got %s", got)
	}
}

func TestNextStatusPastReadyNeverRegresses(t *testing.T) {
	existing := &model.Task{Status: model.StatusRunning}
	if got := nextStatus(existing, "indeterminate", "new"); got != model.StatusRunning {
		t.Fatalf("expected status to stay running, got %s", got)
	}
	if got := nextStatus(existing, "new", "new"); got != model.StatusRunning {
		t.Fatalf("expected status to stay running even if tracker state says ready, got %s", got)
	}
}

func TestNextStatusNotPastReadyTransitionsBothWays(t *testing.T) {
	backlog := &model.Task{Status: model.StatusBacklog}
	if got := nextStatus(backlog, "new", "new"); got != model.StatusReady {
		t.Fatalf("expected ready, got %s", got)
	}

	ready := &model.Task{Status: model.StatusReady}
	if got := nextStatus(ready, "indeterminate", "new"); got != model.StatusBacklog {
		t.Fatalf("expected backlog, got %s", got)
	}
}

func TestAgentPromptConcatenation(t *testing.T) {
	i := Issue{Summary: "fix the thing"}
	if got := agentPrompt(i); got != "fix the thing" {
		t.Fatalf("expected bare summary, got %q", got)
	}

	i.Description = "more detail"
	if got := agentPrompt(i); got != "fix the thing\n\nmore detail" {
		t.Fatalf("unexpected prompt: %q", got)
	}
}

func newTestSyncer(cfg Config) *Syncer {
	return &Syncer{
		client:            nil,
		graph:             graph.New(),
		cfg:               cfg,
		log:               orcalog.Nop(),
		projectDescrCache: make(map[string]string),
	}
}

func TestResolveRepoPathFromCachedDescription(t *testing.T) {
	s := newTestSyncer(Config{})
	s.projectDescrCache["PROJ"] = "Some project.\nrepo: /repos/proj\nmore text"

	path, err := s.resolveRepoPath(context.Background(), Issue{ProjectID: "PROJ"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/repos/proj" {
		t.Fatalf("expected /repos/proj, got %q", path)
	}
}

func TestResolveRepoPathFallsBackToOverride(t *testing.T) {
	s := newTestSyncer(Config{RepoPathOverrides: map[string]string{"PROJ": "/repos/override"}})

	path, err := s.resolveRepoPath(context.Background(), Issue{ProjectID: "PROJ"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/repos/override" {
		t.Fatalf("expected override path, got %q", path)
	}
}

func TestResolveRepoPathFallsBackToDefaultCWD(t *testing.T) {
	s := newTestSyncer(Config{DefaultCWD: "/repos/default"})

	path, err := s.resolveRepoPath(context.Background(), Issue{ProjectID: "PROJ"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/repos/default" {
		t.Fatalf("expected default cwd, got %q", path)
	}
}

func TestResolveRepoPathFailsWhenNothingResolves(t *testing.T) {
	s := newTestSyncer(Config{})

	if _, err := s.resolveRepoPath(context.Background(), Issue{ProjectID: "PROJ"}); err == nil {
		t.Fatalf("expected error when no resolution source is available")
	}
}

func TestResolveRepoPathOverrideWinsOverEmptyOverride(t *testing.T) {
	s := newTestSyncer(Config{
		RepoPathOverrides: map[string]string{"PROJ": ""},
		DefaultCWD:        "/repos/default",
	})

	path, err := s.resolveRepoPath(context.Background(), Issue{ProjectID: "PROJ"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/repos/default" {
		t.Fatalf("expected fall-through to default cwd when override is blank, got %q", path)
	}
}

func TestMarkTaskDeletedIfUnstartedMarksUnstartedDone(t *testing.T) {
	store := newMemoryStore(t)
	s := &Syncer{store: store, graph: graph.New(), log: orcalog.Nop(), projectDescrCache: map[string]string{}}

	if err := store.SaveTask(&model.Task{IssueID: "T-1", Status: model.StatusReady, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	if err := s.MarkTaskDeletedIfUnstarted("T-1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	got, err := store.GetTask("T-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.StatusDone || got.DoneAt == nil {
		t.Fatalf("expected task marked done, got %+v", got)
	}
}

func TestMarkTaskDeletedIfUnstartedLeavesRunningAlone(t *testing.T) {
	store := newMemoryStore(t)
	s := &Syncer{store: store, graph: graph.New(), log: orcalog.Nop(), projectDescrCache: map[string]string{}}

	if err := store.SaveTask(&model.Task{IssueID: "T-1", Status: model.StatusRunning, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	if err := s.MarkTaskDeletedIfUnstarted("T-1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	got, err := store.GetTask("T-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("expected status untouched, got %s", got.Status)
	}
}
