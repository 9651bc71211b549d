package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/orca-dev/orca/internal/model"
)

// CreateInvocation inserts a new running invocation row (status
// running, started_at = now).
func (d *DB) CreateInvocation(inv *model.Invocation) (int64, error) {
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}
	res, err := d.conn.Exec(`
		INSERT INTO invocations (task_id, started_at, status, session_id, branch_name, worktree_path, phase)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inv.TaskID, inv.StartedAt.Format(time.RFC3339), string(model.InvocationRunning),
		inv.SessionID, inv.BranchName, inv.WorktreePath, string(inv.Phase))
	if err != nil {
		return 0, fmt.Errorf("create invocation for task %s: %w", inv.TaskID, err)
	}
	return res.LastInsertId()
}

// SetSessionID records the session id reported by the agent's init frame.
func (d *DB) SetSessionID(invocationID int64, sessionID string) error {
	_, err := d.conn.Exec(`UPDATE invocations SET session_id = ? WHERE id = ?`, sessionID, invocationID)
	if err != nil {
		return fmt.Errorf("set session id for invocation %d: %w", invocationID, err)
	}
	return nil
}

// CloseInvocationTx closes an invocation and, if cost is non-nil, appends
// a BudgetEvent in the same transaction.
func (d *DB) CloseInvocationTx(invocationID int64, status model.InvocationStatus, outputSummary string, numTurns *int, costUSD *float64) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin close invocation: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		UPDATE invocations
		SET ended_at = ?, status = ?, output_summary = ?, num_turns = ?, cost_usd = ?
		WHERE id = ?
	`, now, string(status), outputSummary, numTurns, costUSD, invocationID); err != nil {
		tx.Rollback()
		return fmt.Errorf("close invocation %d: %w", invocationID, err)
	}

	if costUSD != nil {
		if _, err := tx.Exec(`
			INSERT INTO budget_events (invocation_id, cost_usd, recorded_at) VALUES (?, ?, ?)
		`, invocationID, *costUSD, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("append budget event for invocation %d: %w", invocationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit close invocation %d: %w", invocationID, err)
	}
	return nil
}

// SetLogPath records where an invocation's NDJSON frame log lives.
func (d *DB) SetLogPath(invocationID int64, path string) error {
	_, err := d.conn.Exec(`UPDATE invocations SET log_path = ? WHERE id = ?`, path, invocationID)
	if err != nil {
		return fmt.Errorf("set log path for invocation %d: %w", invocationID, err)
	}
	return nil
}

// RunningInvocationForTask returns the single running invocation for a
// task, if any (at most one running invocation per task).
func (d *DB) RunningInvocationForTask(taskID string) (*model.Invocation, error) {
	row := d.conn.QueryRow(`
		SELECT id, task_id, started_at, ended_at, status, session_id, branch_name, worktree_path,
			cost_usd, num_turns, output_summary, log_path, phase
		FROM invocations WHERE task_id = ? AND status = ? LIMIT 1
	`, taskID, string(model.InvocationRunning))
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running invocation for task %s: %w", taskID, err)
	}
	return inv, nil
}

// GetInvocation loads one invocation by id.
func (d *DB) GetInvocation(id int64) (*model.Invocation, error) {
	row := d.conn.QueryRow(`
		SELECT id, task_id, started_at, ended_at, status, session_id, branch_name, worktree_path,
			cost_usd, num_turns, output_summary, log_path, phase
		FROM invocations WHERE id = ?
	`, id)
	inv, err := scanInvocation(row)
	if err != nil {
		return nil, fmt.Errorf("get invocation %d: %w", id, err)
	}
	return inv, nil
}

// AllRunningInvocations returns every invocation still marked running,
// used by the boot reconciler.
func (d *DB) AllRunningInvocations() ([]*model.Invocation, error) {
	rows, err := d.conn.Query(`
		SELECT id, task_id, started_at, ended_at, status, session_id, branch_name, worktree_path,
			cost_usd, num_turns, output_summary, log_path, phase
		FROM invocations WHERE status = ?
	`, string(model.InvocationRunning))
	if err != nil {
		return nil, fmt.Errorf("all running invocations: %w", err)
	}
	defer rows.Close()

	var out []*model.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan running invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// EndedInvocationsOlderThan returns every invocation that has closed
// (ended_at set) with a non-empty worktree and ended before cutoff, used
// by the cleanup loop to find worktrees eligible for removal.
func (d *DB) EndedInvocationsOlderThan(cutoff time.Time) ([]*model.Invocation, error) {
	rows, err := d.conn.Query(`
		SELECT id, task_id, started_at, ended_at, status, session_id, branch_name, worktree_path,
			cost_usd, num_turns, output_summary, log_path, phase
		FROM invocations
		WHERE ended_at IS NOT NULL AND ended_at < ? AND worktree_path != ''
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("ended invocations older than %s: %w", cutoff, err)
	}
	defer rows.Close()

	var out []*model.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ended invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ActiveSessionCount reports how many invocations are currently running.
func (d *DB) ActiveSessionCount() (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM invocations WHERE status = ?`, string(model.InvocationRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active session count: %w", err)
	}
	return n, nil
}

func scanInvocation(row scannable) (*model.Invocation, error) {
	var inv model.Invocation
	var status, phase string
	var endedAt sql.NullString
	var sessionID, branchName, worktreePath, outputSummary, logPath sql.NullString
	var costUSD sql.NullFloat64
	var numTurns sql.NullInt64
	var startedAt string

	if err := row.Scan(
		&inv.ID, &inv.TaskID, &startedAt, &endedAt, &status, &sessionID, &branchName, &worktreePath,
		&costUSD, &numTurns, &outputSummary, &logPath, &phase,
	); err != nil {
		return nil, err
	}

	inv.Status = model.InvocationStatus(status)
	inv.Phase = model.Phase(phase)
	inv.SessionID = sessionID.String
	inv.BranchName = branchName.String
	inv.WorktreePath = worktreePath.String
	inv.OutputSummary = outputSummary.String
	inv.LogPath = logPath.String
	if costUSD.Valid {
		v := costUSD.Float64
		inv.CostUSD = &v
	}
	if numTurns.Valid {
		v := int(numTurns.Int64)
		inv.NumTurns = &v
	}
	if ts, err := time.Parse(time.RFC3339, startedAt); err == nil {
		inv.StartedAt = ts
	}
	inv.EndedAt = parseNullableTime(endedAt)

	return &inv, nil
}
