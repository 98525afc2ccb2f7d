package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

const batchColumns = `id, user_id, request_payload, status, execution_alias, created_at, updated_at, completed_at`

const childColumns = `id, parent_id, host_id, status, exit_code, error_message,
	stdout_log_path, stderr_log_path, agent_started_at, agent_completed_at, last_output_at,
	created_at, updated_at`

func scanBatchTask(r rowScanner) (*types.BatchCommandTask, error) {
	var (
		t           types.BatchCommandTask
		payload     sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.UserID, &payload, &t.Status, &t.ExecutionAlias,
		&createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		t.RequestPayload = []byte(payload.String)
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.CompletedAt = fromNullMillis(completedAt)
	return &t, nil
}

func scanChildTask(r rowScanner) (*types.ChildCommandTask, error) {
	var (
		t           types.ChildCommandTask
		exitCode    sql.NullInt32
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		lastOutput  sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := r.Scan(&t.ID, &t.ParentID, &t.HostID, &t.Status, &exitCode, &t.ErrorMessage,
		&t.StdoutLogPath, &t.StderrLogPath, &startedAt, &completedAt, &lastOutput,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		t.ExitCode = &exitCode.Int32
	}
	t.AgentStartedAt = fromNullMillis(startedAt)
	t.AgentCompletedAt = fromNullMillis(completedAt)
	t.LastOutputAt = fromNullMillis(lastOutput)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

// CreateBatchTask inserts the parent row and all its children in one
// transaction so a batch is never observable half-created.
func (s *Store) CreateBatchTask(parent *types.BatchCommandTask, children []*types.ChildCommandTask) error {
	now := nowUTC()
	parent.CreatedAt = now
	parent.UpdatedAt = now
	if parent.Status == "" {
		parent.Status = types.BatchStatusPending
	}
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		var payload any
		if parent.RequestPayload != nil {
			payload = string(parent.RequestPayload)
		}
		_, err := tx.Exec(`INSERT INTO batch_tasks (id, user_id, request_payload, status, execution_alias, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			parent.ID, parent.UserID, payload, parent.Status, parent.ExecutionAlias,
			toMillis(now), toMillis(now))
		if err != nil {
			return types.NewStorageError("create batch task", err)
		}
		for _, child := range children {
			child.ParentID = parent.ID
			child.CreatedAt = now
			child.UpdatedAt = now
			if child.Status == "" {
				child.Status = types.ChildStatusPending
			}
			_, err := tx.Exec(`INSERT INTO child_tasks
				(id, parent_id, host_id, status, error_message, stdout_log_path, stderr_log_path, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				child.ID, child.ParentID, child.HostID, child.Status, child.ErrorMessage,
				child.StdoutLogPath, child.StderrLogPath, toMillis(now), toMillis(now))
			if err != nil {
				return types.NewStorageError("create child task", err)
			}
		}
		return nil
	})
}

// GetBatchTask fetches one parent by id.
func (s *Store) GetBatchTask(id string) (*types.BatchCommandTask, error) {
	row := s.db.QueryRow(`SELECT `+batchColumns+` FROM batch_tasks WHERE id = ?`, id)
	t, err := scanBatchTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get batch task", err)
	}
	return t, nil
}

// ListBatchTasksByUser returns the user's batches, newest first.
func (s *Store) ListBatchTasksByUser(userID int64, limit int) ([]*types.BatchCommandTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+batchColumns+` FROM batch_tasks
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, types.NewStorageError("list batch tasks", err)
	}
	defer rows.Close()

	var tasks []*types.BatchCommandTask
	for rows.Next() {
		t, err := scanBatchTask(rows)
		if err != nil {
			return nil, types.NewStorageError("scan batch task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, types.NewStorageError("list batch tasks", rows.Err())
}

// UpdateBatchStatus writes the recomputed parent status; completedAt is
// recorded only for terminal states.
func (s *Store) UpdateBatchStatus(id string, status types.BatchTaskStatus, completedAt *time.Time) error {
	res, err := s.db.Exec(`UPDATE batch_tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, toNullMillis(completedAt), toMillis(nowUTC()), id)
	if err != nil {
		return types.NewStorageError("update batch status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch task %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// GetChildTask fetches one child by id.
func (s *Store) GetChildTask(id string) (*types.ChildCommandTask, error) {
	row := s.db.QueryRow(`SELECT `+childColumns+` FROM child_tasks WHERE id = ?`, id)
	t, err := scanChildTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("child task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get child task", err)
	}
	return t, nil
}

// ChildrenOfBatch returns the children of a parent, ordered by host id.
func (s *Store) ChildrenOfBatch(parentID string) ([]*types.ChildCommandTask, error) {
	rows, err := s.db.Query(`SELECT `+childColumns+` FROM child_tasks WHERE parent_id = ? ORDER BY host_id`, parentID)
	if err != nil {
		return nil, types.NewStorageError("children of batch", err)
	}
	defer rows.Close()

	var children []*types.ChildCommandTask
	for rows.Next() {
		t, err := scanChildTask(rows)
		if err != nil {
			return nil, types.NewStorageError("scan child task", err)
		}
		children = append(children, t)
	}
	return children, types.NewStorageError("children of batch", rows.Err())
}

// UpdateChildTask persists the mutable child fields after a status or
// progress change.
func (s *Store) UpdateChildTask(t *types.ChildCommandTask) error {
	t.UpdatedAt = nowUTC()
	var exitCode any
	if t.ExitCode != nil {
		exitCode = *t.ExitCode
	}
	res, err := s.db.Exec(`UPDATE child_tasks SET
		status = ?, exit_code = ?, error_message = ?,
		stdout_log_path = ?, stderr_log_path = ?,
		agent_started_at = ?, agent_completed_at = ?, last_output_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Status, exitCode, t.ErrorMessage,
		t.StdoutLogPath, t.StderrLogPath,
		toNullMillis(t.AgentStartedAt), toNullMillis(t.AgentCompletedAt),
		toNullMillis(t.LastOutputAt), toMillis(t.UpdatedAt),
		t.ID)
	if err != nil {
		return types.NewStorageError("update child task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("child task %s: %w", t.ID, types.ErrNotFound)
	}
	return nil
}

// MarkChildOutput stamps last_output_at without touching status.
func (s *Store) MarkChildOutput(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE child_tasks SET last_output_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(nowUTC()), id)
	return types.NewStorageError("mark child output", err)
}

// ActiveChildrenForHost returns the host's children still in a
// non-terminal state, used when an agent session drops.
func (s *Store) ActiveChildrenForHost(hostID int64) ([]*types.ChildCommandTask, error) {
	rows, err := s.db.Query(`SELECT `+childColumns+` FROM child_tasks
		WHERE host_id = ? AND status IN (?, ?, ?, ?, ?)`,
		hostID,
		types.ChildStatusPending, types.ChildStatusSentToAgent,
		types.ChildStatusAgentAccepted, types.ChildStatusExecuting,
		types.ChildStatusTerminating)
	if err != nil {
		return nil, types.NewStorageError("active children for host", err)
	}
	defer rows.Close()

	var children []*types.ChildCommandTask
	for rows.Next() {
		t, err := scanChildTask(rows)
		if err != nil {
			return nil, types.NewStorageError("scan child task", err)
		}
		children = append(children, t)
	}
	return children, types.NewStorageError("active children for host", rows.Err())
}
