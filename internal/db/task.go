package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orca-dev/orca/internal/model"
)

// SaveTask upserts a task row using the
// INSERT ... ON CONFLICT(issue_id) DO UPDATE SET idiom.
// updated_at is always stamped with now on every status transition.
func (d *DB) SaveTask(t *model.Task) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var parentID, prBranch, mergeSHA sql.NullString
	if t.ParentID != "" {
		parentID = sql.NullString{String: t.ParentID, Valid: true}
	}
	if t.PRBranchName != "" {
		prBranch = sql.NullString{String: t.PRBranchName, Valid: true}
	}
	if t.MergeCommitSHA != "" {
		mergeSHA = sql.NullString{String: t.MergeCommitSHA, Valid: true}
	}
	var prNumber sql.NullInt64
	if t.PRNumber != 0 {
		prNumber = sql.NullInt64{Int64: int64(t.PRNumber), Valid: true}
	}

	deployStartedAt := formatNullableTime(t.DeployStartedAt)
	ciStartedAt := formatNullableTime(t.CIStartedAt)
	doneAt := formatNullableTime(t.DoneAt)

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := d.conn.Exec(`
		INSERT INTO tasks (
			issue_id, agent_prompt, repo_path, priority, retry_count, project_name, parent_id,
			orca_status, pr_branch_name, pr_number, merge_commit_sha, review_cycle_count,
			deploy_started_at, ci_started_at, done_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			agent_prompt = excluded.agent_prompt,
			repo_path = excluded.repo_path,
			priority = excluded.priority,
			retry_count = excluded.retry_count,
			project_name = excluded.project_name,
			parent_id = excluded.parent_id,
			orca_status = excluded.orca_status,
			pr_branch_name = excluded.pr_branch_name,
			pr_number = excluded.pr_number,
			merge_commit_sha = excluded.merge_commit_sha,
			review_cycle_count = excluded.review_cycle_count,
			deploy_started_at = excluded.deploy_started_at,
			ci_started_at = excluded.ci_started_at,
			done_at = excluded.done_at,
			updated_at = excluded.updated_at
	`, t.IssueID, t.AgentPrompt, t.RepoPath, t.Priority, t.RetryCount, t.ProjectName, parentID,
		string(t.Status), prBranch, prNumber, mergeSHA, t.ReviewCycleCount,
		deployStartedAt, ciStartedAt, doneAt, createdAt.Format(time.RFC3339), now)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.IssueID, err)
	}
	return nil
}

// GetTask loads one task by id. Returns sql.ErrNoRows if absent.
func (d *DB) GetTask(issueID string) (*model.Task, error) {
	row := d.conn.QueryRow(`
		SELECT issue_id, agent_prompt, repo_path, priority, retry_count, project_name, parent_id,
			orca_status, pr_branch_name, pr_number, merge_commit_sha, review_cycle_count,
			deploy_started_at, ci_started_at, done_at, created_at, updated_at
		FROM tasks WHERE issue_id = ?
	`, issueID)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", issueID, err)
	}
	return t, nil
}

// ReadyTasks returns tasks with orca_status = ready, ordered by stored
// priority then created_at. This is only a stable base ordering: the
// caller, typically the scheduler, reorders them by effective priority.
func (d *DB) ReadyTasks() ([]*model.Task, error) {
	rows, err := d.conn.Query(`
		SELECT issue_id, agent_prompt, repo_path, priority, retry_count, project_name, parent_id,
			orca_status, pr_branch_name, pr_number, merge_commit_sha, review_cycle_count,
			deploy_started_at, ci_started_at, done_at, created_at, updated_at
		FROM tasks WHERE orca_status = ? ORDER BY priority ASC, created_at ASC
	`, string(model.StatusReady))
	if err != nil {
		return nil, fmt.Errorf("ready tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TasksInStatus returns every task with the given orca_status, used by
// the scheduler's non-run phase progression and the boot reconciler.
func (d *DB) TasksInStatus(status model.TaskStatus) ([]*model.Task, error) {
	rows, err := d.conn.Query(`
		SELECT issue_id, agent_prompt, repo_path, priority, retry_count, project_name, parent_id,
			orca_status, pr_branch_name, pr_number, merge_commit_sha, review_cycle_count,
			deploy_started_at, ci_started_at, done_at, created_at, updated_at
		FROM tasks WHERE orca_status = ?
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("tasks in status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task in status %s: %w", status, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllTasks returns every task not in the done terminal state, used by the
// status CLI command.
func (d *DB) AllTasks() ([]*model.Task, error) {
	rows, err := d.conn.Query(`
		SELECT issue_id, agent_prompt, repo_path, priority, retry_count, project_name, parent_id,
			orca_status, pr_branch_name, pr_number, merge_commit_sha, review_cycle_count,
			deploy_started_at, ci_started_at, done_at, created_at, updated_at
		FROM tasks WHERE orca_status != ? ORDER BY priority ASC, created_at ASC
	`, string(model.StatusDone))
	if err != nil {
		return nil, fmt.Errorf("all tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllTasksIncludingDone returns every task regardless of status, used by
// the cleanup loop's repo scan and the status command's --all flag.
func (d *DB) AllTasksIncludingDone() ([]*model.Task, error) {
	rows, err := d.conn.Query(`
		SELECT issue_id, agent_prompt, repo_path, priority, retry_count, project_name, parent_id,
			orca_status, pr_branch_name, pr_number, merge_commit_sha, review_cycle_count,
			deploy_started_at, ci_started_at, done_at, created_at, updated_at
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("all tasks including done: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	var status string
	var parentID, prBranch, mergeSHA sql.NullString
	var prNumber sql.NullInt64
	var deployStartedAt, ciStartedAt, doneAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&t.IssueID, &t.AgentPrompt, &t.RepoPath, &t.Priority, &t.RetryCount, &t.ProjectName, &parentID,
		&status, &prBranch, &prNumber, &mergeSHA, &t.ReviewCycleCount,
		&deployStartedAt, &ciStartedAt, &doneAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Status = model.TaskStatus(status)
	t.ParentID = parentID.String
	t.PRBranchName = prBranch.String
	t.PRNumber = int(prNumber.Int64)
	t.MergeCommitSHA = mergeSHA.String
	t.DeployStartedAt = parseNullableTime(deployStartedAt)
	t.CIStartedAt = parseNullableTime(ciStartedAt)
	t.DoneAt = parseNullableTime(doneAt)

	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		t.UpdatedAt = ts
	}

	return &t, nil
}

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &ts
}
