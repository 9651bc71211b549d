package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/orca-dev/orca/internal/hosting"
	"github.com/orca-dev/orca/internal/model"
)

// approvedMarker and changesRequestedMarker are the exact review-agent
// output tokens the review-phase decision keys off of.
const (
	approvedMarker          = "REVIEW_RESULT:APPROVED"
	changesRequestedMarker  = "REVIEW_RESULT:CHANGES_REQUESTED"
)

// advancePostRunTasks drains every invocation a dispatch goroutine has
// resolved since the last tick and applies the phase-outcome mapping.
func (s *Scheduler) advancePostRunTasks(ctx context.Context) {
	for taskID, pr := range s.drainPending() {
		task, err := s.store.GetTask(taskID)
		if err != nil {
			s.log.Warn("load task to resolve invocation", "task_id", taskID, "error", err)
			continue
		}

		if pr.spawnErr != nil {
			s.resolveSpawnFailure(task, pr)
			continue
		}

		switch pr.phase {
		case model.PhaseImplement:
			s.resolveImplement(ctx, task, pr)
		case model.PhaseReview:
			s.resolveReview(ctx, task, pr)
		case model.PhaseFix:
			s.resolveFix(task, pr)
		}
	}
}

// resolveSpawnFailure handles a transient error that occurred before the
// agent ever ran (worktree creation, branch naming collision): bump
// retry_count and revert to ready, or fail once retries exhaust.
func (s *Scheduler) resolveSpawnFailure(task *model.Task, pr *pendingResult) {
	s.log.Warn("spawn failed before agent ran", "task_id", task.IssueID, "phase", pr.phase, "error", pr.spawnErr)
	s.retryOrFail(task)
}

func (s *Scheduler) retryOrFail(task *model.Task) {
	from := task.Status
	if task.RetryCount < s.cfg.MaxRetries {
		task.RetryCount++
		task.Status = model.StatusReady
	} else {
		task.Status = model.StatusFailed
	}
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save task after retry/fail", "task_id", task.IssueID, "error", err)
		return
	}
	s.publishStatusChange(task.IssueID, from, task.Status)
}

// resolveImplement applies the implement-phase outcome mapping.
func (s *Scheduler) resolveImplement(ctx context.Context, task *model.Task, pr *pendingResult) {
	if pr.result.Status != model.InvocationCompleted {
		s.retryOrFail(task)
		return
	}

	provider, err := s.hostingProvider(task.RepoPath)
	if err != nil {
		s.log.Warn("resolve hosting provider", "task_id", task.IssueID, "error", err)
		s.retryOrFail(task)
		return
	}

	pull, err := provider.FindPRByBranch(ctx, pr.branch)
	if err != nil {
		if errors.Is(err, hosting.ErrNoPRFound) {
			s.retryOrFail(task)
			return
		}
		s.log.Warn("find pr by branch", "task_id", task.IssueID, "branch", pr.branch, "error", err)
		s.retryOrFail(task)
		return
	}

	from := task.Status
	task.PRNumber = pull.Number
	task.PRBranchName = pr.branch
	task.Status = model.StatusInReview
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save task after implement success", "task_id", task.IssueID, "error", err)
		return
	}
	s.publishStatusChange(task.IssueID, from, task.Status)

	if err := provider.CloseSupersededPRs(ctx, task.IssueID, pull.Number); err != nil {
		s.log.Warn("close superseded prs", "task_id", task.IssueID, "error", err)
	}
}

// resolveReview applies the review-phase outcome mapping: approved,
// changes_requested, or otherwise failed. A non-completed invocation
// (timeout/crash) has no retry path here — unlike a spawn failure, the
// review agent already ran, so there's no transient pre-run condition to
// retry against; it goes straight to failed, the same way resolveFix
// treats a fatal fix-phase outcome.
func (s *Scheduler) resolveReview(ctx context.Context, task *model.Task, pr *pendingResult) {
	if pr.result.Status != model.InvocationCompleted {
		from := task.Status
		task.Status = model.StatusFailed
		if err := s.store.SaveTask(task); err != nil {
			s.log.Warn("save failed review task", "task_id", task.IssueID, "error", err)
			return
		}
		s.publishStatusChange(task.IssueID, from, task.Status)
		return
	}

	switch {
	case strings.Contains(pr.result.OutputSummary, approvedMarker):
		s.approveAndStartDeploy(ctx, task)
	case strings.Contains(pr.result.OutputSummary, changesRequestedMarker):
		from := task.Status
		task.Status = model.StatusChangesRequested
		if err := s.store.SaveTask(task); err != nil {
			s.log.Warn("save changes-requested task", "task_id", task.IssueID, "error", err)
			return
		}
		s.publishStatusChange(task.IssueID, from, task.Status)
	default:
		// No decision emitted — not a retry case.
		from := task.Status
		task.Status = model.StatusFailed
		if err := s.store.SaveTask(task); err != nil {
			s.log.Warn("save failed review task", "task_id", task.IssueID, "error", err)
			return
		}
		s.publishStatusChange(task.IssueID, from, task.Status)
	}
}

// approveAndStartDeploy captures the merge commit SHA and moves the task
// into deploying, or into awaiting_ci if the SHA isn't observable yet
// (awaiting_ci is the alias used while the deploy is still pending).
func (s *Scheduler) approveAndStartDeploy(ctx context.Context, task *model.Task) {
	from := task.Status

	provider, err := s.hostingProvider(task.RepoPath)
	if err != nil {
		s.log.Warn("resolve hosting provider for merge sha", "task_id", task.IssueID, "error", err)
		task.Status = model.StatusAwaitingCI
		_ = s.store.SaveTask(task)
		s.publishStatusChange(task.IssueID, from, task.Status)
		return
	}

	sha, err := provider.GetMergeCommitSHA(ctx, task.PRNumber)
	if err != nil {
		// Not merged yet (host propagation delay, even after the
		// provider's own internal retries) — wait for a later tick.
		task.Status = model.StatusAwaitingCI
		if err := s.store.SaveTask(task); err != nil {
			s.log.Warn("save awaiting-ci task", "task_id", task.IssueID, "error", err)
			return
		}
		s.publishStatusChange(task.IssueID, from, task.Status)
		return
	}

	task.MergeCommitSHA = sha
	task.Status = model.StatusDeploying
	now := time.Now().UTC()
	task.DeployStartedAt = &now
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save deploying task", "task_id", task.IssueID, "error", err)
		return
	}
	s.publishStatusChange(task.IssueID, from, task.Status)
}

// resolveFix applies the fix-phase outcome mapping: any non-fatal outcome
// returns the task to review, counting against max_review_cycles. A
// fatal outcome (the invocation itself failed or timed out, as opposed
// to the agent simply not resolving the review) is treated the same as
// an exhausted review cycle, since there is no separate retry
// budget for fix-phase process failures.
func (s *Scheduler) resolveFix(task *model.Task, pr *pendingResult) {
	from := task.Status

	if pr.result.Status != model.InvocationCompleted {
		task.Status = model.StatusFailed
		if err := s.store.SaveTask(task); err != nil {
			s.log.Warn("save failed fix task", "task_id", task.IssueID, "error", err)
			return
		}
		s.publishStatusChange(task.IssueID, from, task.Status)
		return
	}

	task.ReviewCycleCount++
	if task.ReviewCycleCount > s.cfg.MaxReviewCycles {
		task.Status = model.StatusFailed
	} else {
		task.Status = model.StatusInReview
	}
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save task after fix", "task_id", task.IssueID, "error", err)
		return
	}
	s.publishStatusChange(task.IssueID, from, task.Status)
}
