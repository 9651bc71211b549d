package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orca-dev/orca/internal/model"
)

// ErrNotDispatchable is returned by ForceDispatch when a task fails one
// of the gates dispatchReady would also apply — wrap it with a reason so
// callers (the dispatch command) can surface it and exit non-zero.
var ErrNotDispatchable = errors.New("task is not dispatchable")

// ForceDispatch dispatches exactly one named task immediately: a manual
// override of dispatchReady's priority-ordered pick, not a bypass of the
// budget gate, the concurrency gate, or the dispatchability check those
// gates gate. Runs synchronously end to end — spawning the implement
// invocation and resolving its outcome inline — since a forced dispatch,
// unlike a tick-loop dispatch, has no later tick to come back and collect
// the result.
func (s *Scheduler) ForceDispatch(ctx context.Context, issueID string) error {
	since := time.Now().UTC().Add(-s.cfg.BudgetWindow())
	spent, err := s.store.SumCostSince(since)
	if err != nil {
		return fmt.Errorf("sum cost since: %w", err)
	}
	if spent >= s.cfg.BudgetMaxCostUSD {
		return fmt.Errorf("%w: budget cap reached (%.2f of %.2f spent)", ErrNotDispatchable, spent, s.cfg.BudgetMaxCostUSD)
	}

	active, err := s.store.ActiveSessionCount()
	if err != nil {
		return fmt.Errorf("active session count: %w", err)
	}
	if active >= s.cfg.ConcurrencyCap {
		return fmt.Errorf("%w: concurrency cap reached (%d of %d active)", ErrNotDispatchable, active, s.cfg.ConcurrencyCap)
	}

	task, err := s.store.GetTask(issueID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", issueID, err)
	}
	if task == nil {
		return fmt.Errorf("no task found for %s", issueID)
	}
	if task.Status.IsPastReady() {
		return fmt.Errorf("%w: %s already has work in flight (status %s)", ErrNotDispatchable, issueID, task.Status)
	}
	if task.RetryCount >= s.cfg.MaxRetries {
		return fmt.Errorf("%w: %s has exhausted its retries (%d/%d)", ErrNotDispatchable, issueID, task.RetryCount, s.cfg.MaxRetries)
	}

	statusOf := func(id string) (string, bool) {
		t, err := s.store.GetTask(id)
		if err != nil || t == nil {
			return "", false
		}
		return string(t.Status), true
	}
	if !s.graph.IsDispatchable(issueID, statusOf) {
		return fmt.Errorf("%w: %s is blocked by an unfinished dependency", ErrNotDispatchable, issueID)
	}

	if !s.pool.TryAcquire() {
		return fmt.Errorf("%w: no free run slot", ErrNotDispatchable)
	}

	from := task.Status
	task.Status = model.StatusDispatched
	if err := s.store.SaveTask(task); err != nil {
		s.pool.Release()
		return fmt.Errorf("save dispatched task %s: %w", issueID, err)
	}
	s.publishStatusChange(task.IssueID, from, task.Status)

	s.runImplement(ctx, task)
	s.advancePostRunTasks(ctx)
	return nil
}
