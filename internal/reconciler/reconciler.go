// Package reconciler runs once at startup: it closes out invocations the
// supervisor left running when it last exited, reverts their owning
// tasks, and rebuilds the dependency graph from a full tracker sync.
// Applies the same idempotent check-before-mutate pattern a live
// worker-complete/worker-failed handler would, as a one-shot boot pass
// over rows instead of live workers.
package reconciler

import (
	"context"
	"fmt"

	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/events"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/orcalog"
	"github.com/orca-dev/orca/internal/tracker"
)

const crashSummary = "supervisor restart"

// Syncer is the subset of tracker.Syncer the reconciler needs, satisfied
// by *tracker.Syncer.
type Syncer interface {
	FullSync(ctx context.Context) (tracker.Result, error)
}

// Config configures a boot-time Reconcile pass.
type Config struct {
	Store      *db.DB
	Syncer     Syncer
	Publisher  *events.Bus
	Log        orcalog.Logger
	MaxRetries int
}

// Result summarizes one Reconcile pass.
type Result struct {
	InvocationsClosed int
	TasksReadied      int
	TasksFailed       int
	Sync              tracker.Result
}

// Reconcile closes every invocation still marked running — none can have
// a live child process, since the supervisor process that spawned them
// has exited — reverts each owning task to ready (or failed once its
// retries are exhausted), then runs a full tracker sync to rebuild the
// graph from scratch.
func Reconcile(ctx context.Context, cfg Config) (Result, error) {
	log := cfg.Log
	if log == nil {
		log = orcalog.Nop()
	}

	var res Result

	running, err := cfg.Store.AllRunningInvocations()
	if err != nil {
		return res, fmt.Errorf("reconcile: list running invocations: %w", err)
	}

	for _, inv := range running {
		if err := closeOrphanedInvocation(cfg, log, inv); err != nil {
			log.Warn("reconcile: close orphaned invocation", "invocation_id", inv.ID, "task_id", inv.TaskID, "error", err)
			continue
		}
		res.InvocationsClosed++

		readied, err := revertTask(cfg, log, inv.TaskID)
		if err != nil {
			log.Warn("reconcile: revert task", "task_id", inv.TaskID, "error", err)
			continue
		}
		if readied {
			res.TasksReadied++
		} else {
			res.TasksFailed++
		}
	}

	syncRes, err := cfg.Syncer.FullSync(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: full sync: %w", err)
	}
	res.Sync = syncRes

	return res, nil
}

// closeOrphanedInvocation marks a running invocation failed.
// CloseInvocationTx overwrites the row unconditionally; a repeated
// Reconcile pass does not revisit it only because AllRunningInvocations
// no longer lists it once closed.
func closeOrphanedInvocation(cfg Config, log orcalog.Logger, inv *model.Invocation) error {
	if err := cfg.Store.CloseInvocationTx(inv.ID, model.InvocationFailed, crashSummary, nil, nil); err != nil {
		return fmt.Errorf("close invocation %d: %w", inv.ID, err)
	}
	log.Info("reconcile: closed orphaned invocation", "invocation_id", inv.ID, "task_id", inv.TaskID)
	return nil
}

// revertTask reverts a task left in running or dispatched back to ready,
// bumping retry_count, or to failed once retries are exhausted. Reports
// whether the task was readied (true) or failed (false).
func revertTask(cfg Config, log orcalog.Logger, taskID string) (bool, error) {
	task, err := cfg.Store.GetTask(taskID)
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		return false, nil
	}
	// Idempotent: a task already moved on by a previous reconcile attempt,
	// or never actually running, is left untouched.
	if task.Status != model.StatusRunning && task.Status != model.StatusDispatched {
		return false, nil
	}

	from := task.Status
	if task.RetryCount < cfg.MaxRetries {
		task.RetryCount++
		task.Status = model.StatusReady
	} else {
		task.Status = model.StatusFailed
	}

	if err := cfg.Store.SaveTask(task); err != nil {
		return false, fmt.Errorf("save reverted task %s: %w", taskID, err)
	}

	log.Info("reconcile: reverted crashed task", "task_id", taskID, "from", from, "to", task.Status)

	if cfg.Publisher != nil {
		cfg.Publisher.Publish(events.New(events.TopicTaskUpdated, taskID, nil))
		cfg.Publisher.Publish(events.New(events.TopicStatusUpdated, taskID, events.StatusChange{
			From: string(from),
			To:   string(task.Status),
		}))
	}

	return task.Status == model.StatusReady, nil
}
