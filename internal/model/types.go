// Package model holds the domain types shared by the task store, the
// dependency graph, the scheduler, and tracker sync, so none of them need
// to import the SQLite-specific internal/db package just to talk about a
// Task.
package model

import "time"

// TaskStatus mirrors the tracker-facing status column for a task.
type TaskStatus string

const (
	StatusBacklog           TaskStatus = "backlog"
	StatusReady             TaskStatus = "ready"
	StatusDispatched        TaskStatus = "dispatched"
	StatusRunning           TaskStatus = "running"
	StatusInReview          TaskStatus = "in_review"
	StatusChangesRequested  TaskStatus = "changes_requested"
	StatusDeploying         TaskStatus = "deploying"
	StatusAwaitingCI        TaskStatus = "awaiting_ci"
	StatusDone              TaskStatus = "done"
	StatusFailed            TaskStatus = "failed"
)

// IsPastReady reports whether s is further along the lifecycle than
// "ready" — used to enforce the never-regress-past-ready rule once a
// task has started picking up work.
func (s TaskStatus) IsPastReady() bool {
	switch s {
	case StatusBacklog, StatusReady:
		return false
	default:
		return true
	}
}

// Task is the supervisor's shadow record of a tracked issue.
type Task struct {
	IssueID          string
	AgentPrompt      string
	RepoPath         string
	Priority         int // 0..4, 0 = unprioritized
	RetryCount       int
	ProjectName      string
	ParentID         string
	Status           TaskStatus
	PRBranchName     string
	PRNumber         int
	MergeCommitSHA   string
	ReviewCycleCount int
	DeployStartedAt  *time.Time
	CIStartedAt      *time.Time
	DoneAt           *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InvocationStatus is the status column of an invocation row.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// Phase is an invocation's phase.
type Phase string

const (
	PhaseImplement Phase = "implement"
	PhaseReview    Phase = "review"
	PhaseFix       Phase = "fix"
)

// Invocation is one execution of the coding agent.
type Invocation struct {
	ID            int64
	TaskID        string
	StartedAt     time.Time
	EndedAt       *time.Time
	Status        InvocationStatus
	SessionID     string
	BranchName    string
	WorktreePath  string
	CostUSD       *float64
	NumTurns      *int
	OutputSummary string
	LogPath       string
	Phase         Phase
}

// BudgetEvent is an append-only cost-ledger row.
type BudgetEvent struct {
	ID           int64
	InvocationID int64
	CostUSD      float64
	RecordedAt   time.Time
}
