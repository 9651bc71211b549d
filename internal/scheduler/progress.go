package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orca-dev/orca/internal/gitutil"
	"github.com/orca-dev/orca/internal/hosting"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/runpool"
)

// progressNonRunPhases advances tasks sitting in a
// phase that isn't itself an active agent run (in_review, changes_requested,
// deploying, awaiting_ci), spawning the next invocation or polling the host
// as each phase requires.
func (s *Scheduler) progressNonRunPhases(ctx context.Context) {
	for _, status := range []model.TaskStatus{
		model.StatusInReview,
		model.StatusChangesRequested,
		model.StatusDeploying,
		model.StatusAwaitingCI,
	} {
		tasks, err := s.store.TasksInStatus(status)
		if err != nil {
			s.log.Warn("tasks in status", "status", status, "error", err)
			continue
		}
		for _, task := range tasks {
			switch status {
			case model.StatusInReview:
				s.progressInReview(ctx, task)
			case model.StatusChangesRequested:
				s.progressChangesRequested(ctx, task)
			case model.StatusDeploying:
				s.progressDeploying(ctx, task)
			case model.StatusAwaitingCI:
				s.progressAwaitingCI(ctx, task)
			}
		}
	}
}

// progressInReview spawns the review-phase agent run for a task that has
// no invocation currently running, against its existing PR branch.
func (s *Scheduler) progressInReview(ctx context.Context, task *model.Task) {
	running, err := s.store.RunningInvocationForTask(task.IssueID)
	if err != nil {
		s.log.Warn("check running invocation", "task_id", task.IssueID, "error", err)
		return
	}
	if running != nil {
		return
	}
	if !s.pool.TryAcquire() {
		return
	}
	go s.runReviewOrFix(ctx, task, model.PhaseReview, s.cfg.ReviewPrompt, s.cfg.ReviewMaxTurns)
}

// progressChangesRequested spawns the fix-phase agent run.
func (s *Scheduler) progressChangesRequested(ctx context.Context, task *model.Task) {
	running, err := s.store.RunningInvocationForTask(task.IssueID)
	if err != nil {
		s.log.Warn("check running invocation", "task_id", task.IssueID, "error", err)
		return
	}
	if running != nil {
		return
	}
	if !s.pool.TryAcquire() {
		return
	}
	go s.runReviewOrFix(ctx, task, model.PhaseFix, s.cfg.FixPrompt, s.cfg.DefaultMaxTurns)
}

// runReviewOrFix checks out the task's existing PR branch into a fresh
// worktree and runs the agent against it, reporting the outcome into the
// same pending-result channel an implement dispatch uses so resolution
// stays confined to advancePostRunTasks.
func (s *Scheduler) runReviewOrFix(ctx context.Context, task *model.Task, phase model.Phase, systemPrompt string, maxTurns int) {
	token := uuid.NewString()[:8]
	git := gitutil.New(task.RepoPath)

	path, err := git.CreateWorktreeForBranch(ctx, task.IssueID, token, task.PRBranchName)
	if err != nil {
		s.recordSpawnFailure(task.IssueID, phase, fmt.Errorf("create worktree for %s: %w", phase, err))
		return
	}

	result, runErr := s.pool.Run(ctx, runpool.Input{
		TaskID:         task.IssueID,
		Phase:          phase,
		AgentPrompt:    task.AgentPrompt,
		WorktreePath:   path,
		MaxTurns:       maxTurns,
		SystemPrompt:   systemPrompt,
		BranchName:     task.PRBranchName,
		SessionTimeout: s.cfg.SessionTimeout(),
	})

	s.storePending(task.IssueID, &pendingResult{
		phase:        phase,
		branch:       task.PRBranchName,
		worktreePath: path,
		result:       result,
		spawnErr:     runErr,
	})
}

// progressDeploying resolves a task sitting in deploying: under the "none"
// strategy the merge itself is the deploy, so the task completes
// immediately; under "github_actions" it polls the workflow run for the
// merge commit, throttled to deploy_poll_interval_sec, and times out after
// deploy_timeout_min.
func (s *Scheduler) progressDeploying(ctx context.Context, task *model.Task) {
	if s.cfg.DeployStrategy == "none" {
		s.markDone(task)
		return
	}

	if !s.shouldPollDeploy(task.IssueID) {
		return
	}

	provider, err := s.hostingProvider(task.RepoPath)
	if err != nil {
		s.log.Warn("resolve hosting provider for deploy poll", "task_id", task.IssueID, "error", err)
		return
	}

	workflowStatus, err := provider.GetWorkflowRunStatus(ctx, task.MergeCommitSHA)
	if err != nil {
		s.log.Debug("get workflow run status", "task_id", task.IssueID, "error", err)
	} else {
		switch workflowStatus {
		case hosting.WorkflowSuccess:
			s.markDone(task)
			return
		case hosting.WorkflowFailure:
			s.markFailed(task)
			return
		}
	}

	if task.DeployStartedAt != nil && time.Since(*task.DeployStartedAt) >= s.cfg.DeployTimeout() {
		s.markFailed(task)
	}
}

// progressAwaitingCI retries resolving the merge commit SHA for a task
// whose PR was approved but not yet observed as merged.
func (s *Scheduler) progressAwaitingCI(ctx context.Context, task *model.Task) {
	s.approveAndStartDeploy(ctx, task)
}

func (s *Scheduler) shouldPollDeploy(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastDeployPoll[taskID]
	if ok && time.Since(last) < s.cfg.DeployPollInterval() {
		return false
	}
	s.lastDeployPoll[taskID] = time.Now().UTC()
	return true
}

func (s *Scheduler) markDone(task *model.Task) {
	from := task.Status
	now := time.Now().UTC()
	task.Status = model.StatusDone
	task.DoneAt = &now
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save done task", "task_id", task.IssueID, "error", err)
		return
	}
	s.publishStatusChange(task.IssueID, from, task.Status)
}

func (s *Scheduler) markFailed(task *model.Task) {
	from := task.Status
	task.Status = model.StatusFailed
	if err := s.store.SaveTask(task); err != nil {
		s.log.Warn("save failed task", "task_id", task.IssueID, "error", err)
		return
	}
	s.publishStatusChange(task.IssueID, from, task.Status)
}
