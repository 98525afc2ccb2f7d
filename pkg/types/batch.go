package types

import (
	"encoding/json"
	"time"
)

// BatchTaskStatus is the overall status of a parent batch command.
type BatchTaskStatus string

const (
	BatchStatusPending               BatchTaskStatus = "Pending"
	BatchStatusExecuting             BatchTaskStatus = "Executing"
	BatchStatusTerminating           BatchTaskStatus = "Terminating"
	BatchStatusCompletedSuccessfully BatchTaskStatus = "CompletedSuccessfully"
	BatchStatusCompletedWithErrors   BatchTaskStatus = "CompletedWithErrors"
	BatchStatusTerminated            BatchTaskStatus = "Terminated"
)

// ChildTaskStatus is the per-host status of one child command.
type ChildTaskStatus string

const (
	ChildStatusPending               ChildTaskStatus = "Pending"
	ChildStatusSentToAgent           ChildTaskStatus = "SentToAgent"
	ChildStatusAgentAccepted         ChildTaskStatus = "AgentAccepted"
	ChildStatusExecuting             ChildTaskStatus = "Executing"
	ChildStatusTerminating           ChildTaskStatus = "Terminating"
	ChildStatusCompletedSuccessfully ChildTaskStatus = "CompletedSuccessfully"
	ChildStatusCompletedWithFailure  ChildTaskStatus = "CompletedWithFailure"
	ChildStatusTerminated            ChildTaskStatus = "Terminated"
	ChildStatusAgentUnreachable      ChildTaskStatus = "AgentUnreachable"
	ChildStatusTimedOut              ChildTaskStatus = "TimedOut"
	ChildStatusAgentError            ChildTaskStatus = "AgentError"
)

// IsTerminal reports whether the child has reached a final state.
func (s ChildTaskStatus) IsTerminal() bool {
	switch s {
	case ChildStatusCompletedSuccessfully, ChildStatusCompletedWithFailure,
		ChildStatusTerminated, ChildStatusAgentUnreachable,
		ChildStatusTimedOut, ChildStatusAgentError:
		return true
	}
	return false
}

// IsActive reports whether the child may still be terminated.
func (s ChildTaskStatus) IsActive() bool {
	switch s {
	case ChildStatusPending, ChildStatusSentToAgent,
		ChildStatusAgentAccepted, ChildStatusExecuting:
		return true
	}
	return false
}

// IsFailure reports whether the terminal state counts as an error for the
// parent status computation.
func (s ChildTaskStatus) IsFailure() bool {
	switch s {
	case ChildStatusCompletedWithFailure, ChildStatusAgentUnreachable,
		ChildStatusTimedOut, ChildStatusAgentError:
		return true
	}
	return false
}

// BatchCommandTask is the parent record of a command issued to several
// hosts at once. Its status is a pure function of its children's statuses.
type BatchCommandTask struct {
	ID             string          `json:"batch_command_id"`
	UserID         int64           `json:"user_id"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	Status         BatchTaskStatus `json:"status"`
	ExecutionAlias string          `json:"execution_alias,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ChildCommandTask is the per-host execution of a batch command.
type ChildCommandTask struct {
	ID            string          `json:"child_command_id"`
	ParentID      string          `json:"batch_command_id"`
	HostID        int64           `json:"host_id"`
	Status        ChildTaskStatus `json:"status"`
	ExitCode      *int32          `json:"exit_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	StdoutLogPath string          `json:"stdout_log_path,omitempty"`
	StderrLogPath string          `json:"stderr_log_path,omitempty"`

	AgentStartedAt   *time.Time `json:"agent_started_at,omitempty"`
	AgentCompletedAt *time.Time `json:"agent_completed_at,omitempty"`
	LastOutputAt     *time.Time `json:"last_output_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// BatchCommandRequest is the user-facing creation payload. Exactly one of
// CommandContent and ScriptID must be set.
type BatchCommandRequest struct {
	TargetVPSIDs   []int64           `json:"target_vps_ids"`
	CommandContent string            `json:"command_content,omitempty"`
	ScriptID       *int64            `json:"script_id,omitempty"`
	WorkingDir     string            `json:"working_directory,omitempty"`
	Env            map[string]string `json:"environment_variables,omitempty"`
	ExecutionAlias string            `json:"execution_alias,omitempty"`
	TimeoutSec     int32             `json:"timeout_seconds,omitempty"`
}
