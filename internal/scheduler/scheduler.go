// Package scheduler implements the cooperative scheduling tick: gates on
// budget and concurrency, advances resolved agent runs, progresses
// non-run phases, and dispatches ready tasks. Readiness and ordering
// come from internal/db.ReadyTasks plus internal/graph's dispatchability
// and effective-priority queries against the durable task store, rather
// than an in-memory heap-ordered queue.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/orca-dev/orca/internal/config"
	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/events"
	"github.com/orca-dev/orca/internal/gitutil"
	"github.com/orca-dev/orca/internal/graph"
	"github.com/orca-dev/orca/internal/hosting"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/orcalog"
	"github.com/orca-dev/orca/internal/runpool"
)

// HostingFor resolves the code-host provider for a task's repository.
// A function rather than a single provider because tasks can span
// multiple repos (see repo_path_overrides in config).
type HostingFor func(repoPath string) (hosting.Provider, error)

// Scheduler runs the cooperative tick loop.
type Scheduler struct {
	store     *db.DB
	graph     *graph.Graph
	pool      *runpool.Pool
	publisher *events.Bus
	log       orcalog.Logger
	cfg       *config.Config
	hostingFor HostingFor

	stopCh chan struct{}
	wg     sync.WaitGroup
	group  singleflight.Group

	mu             sync.Mutex
	pending        map[string]*pendingResult // taskID -> resolved invocation awaiting step 3
	lastDeployPoll map[string]time.Time       // taskID -> last deploy-status poll, respects deploy_poll_interval_sec
}

// pendingResult is what an in-flight dispatch goroutine hands back to
// the tick loop once its invocation resolves, so state transitions stay
// confined to the tick (single-writer discipline for task rows).
type pendingResult struct {
	phase        model.Phase
	branch       string
	worktreePath string
	result       *runpool.Result
	spawnErr     error // set instead of result when dispatch failed before the agent ran
}

// Config configures a Scheduler.
type Config struct {
	Store      *db.DB
	Graph      *graph.Graph
	Pool       *runpool.Pool
	Publisher  *events.Bus
	Log        orcalog.Logger
	Cfg        *config.Config
	HostingFor HostingFor
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	log := cfg.Log
	if log == nil {
		log = orcalog.Nop()
	}
	return &Scheduler{
		store:          cfg.Store,
		graph:          cfg.Graph,
		pool:           cfg.Pool,
		publisher:      cfg.Publisher,
		log:            log,
		cfg:            cfg.Cfg,
		hostingFor:     cfg.HostingFor,
		stopCh:         make(chan struct{}),
		pending:        make(map[string]*pendingResult),
		lastDeployPoll: make(map[string]time.Time),
	}
}

// Start begins the tick loop, firing every scheduler_interval_sec.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the loop and waits for the in-flight tick, if any.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.SchedulerInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs exactly one scheduling cycle. Concurrent
// callers (the timer loop and an operator-triggered dispatch) collapse
// onto the same in-flight tick.
func (s *Scheduler) Tick(ctx context.Context) {
	_, _, _ = s.group.Do("tick", func() (interface{}, error) {
		s.tick(ctx)
		return nil, nil
	})
}

func (s *Scheduler) tick(ctx context.Context) {
	// Step 1: budget gate.
	since := time.Now().UTC().Add(-s.cfg.BudgetWindow())
	spent, err := s.store.SumCostSince(since)
	if err != nil {
		s.log.Warn("sum cost since", "error", err)
		return
	}
	if spent >= s.cfg.BudgetMaxCostUSD {
		s.log.Debug("budget gate blocked dispatch", "spent", spent, "cap", s.cfg.BudgetMaxCostUSD)
		return
	}

	// Step 2: concurrency gate.
	active, err := s.store.ActiveSessionCount()
	if err != nil {
		s.log.Warn("active session count", "error", err)
		return
	}
	if active >= s.cfg.ConcurrencyCap {
		s.log.Debug("concurrency gate blocked dispatch", "active", active, "cap", s.cfg.ConcurrencyCap)
		return
	}

	// Step 3: advance post-run tasks whose monitor has resolved.
	s.advancePostRunTasks(ctx)

	// Step 4: progress non-run phases.
	s.progressNonRunPhases(ctx)

	// Step 5: dispatch ready tasks under the caps checked in steps 1 and 2.
	s.dispatchReady(ctx)
}

// dispatchReady dispatches ready tasks in priority order.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	ready, err := s.store.ReadyTasks()
	if err != nil {
		s.log.Warn("ready tasks", "error", err)
		return
	}
	ready = s.filterDispatchable(ready)
	sortByEffectivePriority(ready, s.graph, func(id string) (int, bool) {
		t, err := s.store.GetTask(id)
		if err != nil {
			return 0, false
		}
		return t.Priority, true
	})

	for _, task := range ready {
		if !s.pool.TryAcquire() {
			return
		}
		s.beginDispatch(ctx, task)
	}
}

// filterDispatchable keeps tasks that are graph-dispatchable and have
// not exhausted their retries.
func (s *Scheduler) filterDispatchable(tasks []*model.Task) []*model.Task {
	statusOf := func(id string) (string, bool) {
		t, err := s.store.GetTask(id)
		if err != nil {
			return "", false
		}
		return string(t.Status), true
	}

	out := make([]*model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.RetryCount >= s.cfg.MaxRetries {
			continue
		}
		if !s.graph.IsDispatchable(t.IssueID, statusOf) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// sortByEffectivePriority orders tasks by B's effective priority
// ascending (lower number = more urgent), with unprioritized tasks (0)
// sorted last, and ties broken by created_at.
func sortByEffectivePriority(tasks []*model.Task, g *graph.Graph, priorityOf func(id string) (int, bool)) {
	key := func(t *model.Task) int {
		p := g.EffectivePriority(t.IssueID, priorityOf, nil)
		if p == 0 {
			return int(^uint(0) >> 1) // unprioritized sorts last
		}
		return p
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		ki, kj := key(tasks[i]), key(tasks[j])
		if ki != kj {
			return ki < kj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// beginDispatch transitions a ready task to dispatched and spawns its
// implement invocation in the background; the result is picked up by the
// next tick's advancePostRunTasks.
func (s *Scheduler) beginDispatch(ctx context.Context, task *model.Task) {
	from := task.Status
	task.Status = model.StatusDispatched
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save dispatched task", "task_id", task.IssueID, "error", err)
		s.pool.Release()
		return
	}
	s.publishStatusChange(task.IssueID, from, task.Status)

	go s.runImplement(ctx, task)
}

func (s *Scheduler) runImplement(ctx context.Context, task *model.Task) {
	token := uuid.NewString()[:8]
	git := gitutil.New(task.RepoPath)

	baseBranch, err := git.DefaultBranch(ctx)
	if err != nil {
		s.recordSpawnFailure(task.IssueID, model.PhaseImplement, fmt.Errorf("resolve default branch: %w", err))
		return
	}

	path, branch, err := git.CreateWorktree(ctx, task.IssueID, token, baseBranch)
	if err != nil {
		s.recordSpawnFailure(task.IssueID, model.PhaseImplement, fmt.Errorf("create worktree: %w", err))
		return
	}

	result, runErr := s.pool.Run(ctx, runpool.Input{
		TaskID:          task.IssueID,
		Phase:           model.PhaseImplement,
		AgentPrompt:     task.AgentPrompt,
		WorktreePath:    path,
		MaxTurns:        s.cfg.DefaultMaxTurns,
		SystemPrompt:    s.cfg.ImplementPrompt,
		DisallowedTools: s.cfg.DisallowedTools,
		BranchName:      branch,
		SessionTimeout:  s.cfg.SessionTimeout(),
		OnFirstFrame:    func() { s.transitionRunning(task.IssueID) },
	})

	s.storePending(task.IssueID, &pendingResult{
		phase:        model.PhaseImplement,
		branch:       branch,
		worktreePath: path,
		result:       result,
		spawnErr:     runErr,
	})
}

// transitionRunning applies the "on the first frame transition
// dispatched -> running" rule.
func (s *Scheduler) transitionRunning(taskID string) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.log.Warn("load task for running transition", "task_id", taskID, "error", err)
		return
	}
	if task.Status != model.StatusDispatched {
		return
	}
	from := task.Status
	task.Status = model.StatusRunning
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save running task", "task_id", taskID, "error", err)
		return
	}
	s.publishStatusChange(taskID, from, task.Status)
}

func (s *Scheduler) recordSpawnFailure(taskID string, phase model.Phase, err error) {
	s.pool.Release()
	s.storePending(taskID, &pendingResult{phase: phase, spawnErr: err})
}

func (s *Scheduler) storePending(taskID string, pr *pendingResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[taskID] = pr
}

func (s *Scheduler) drainPending() map[string]*pendingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = make(map[string]*pendingResult)
	return out
}

// publishStatusChange fans out both a general task-updated notification
// and a status-specific one, matching the event bus's topic set.
func (s *Scheduler) publishStatusChange(taskID string, from, to model.TaskStatus) {
	s.publisher.Publish(events.New(events.TopicTaskUpdated, taskID, nil))
	s.publisher.Publish(events.New(events.TopicStatusUpdated, taskID, events.StatusChange{
		From: string(from),
		To:   string(to),
	}))
}

func (s *Scheduler) hostingProvider(repoPath string) (hosting.Provider, error) {
	if s.hostingFor != nil {
		return s.hostingFor(repoPath)
	}
	return hosting.NewProvider(repoPath, hosting.Config{})
}
