// Package batch runs user-issued commands across many hosts: one parent
// task fans out to a child per target, output streams into per-child log
// files, and the parent's status is a pure function of its children.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/session"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// Pusher is the slice of the broadcast pusher the coordinator feeds.
type Pusher interface {
	CommandOutput(childID string, stream string, chunk []byte)
	ChildTaskUpdate(*types.ChildCommandTask)
	BatchTaskUpdate(*types.BatchCommandTask)
}

// Coordinator owns the batch command state machine.
type Coordinator struct {
	Store    *storage.Store
	Registry *session.Registry
	Push     Pusher
	// LogDir is the root under which per-child output logs are written
	// (logs/batch_commands by default).
	LogDir string
	Clock  clock.Clock
}

// DefaultLogDir is the output log root relative to the working directory.
const DefaultLogDir = "logs/batch_commands"

func (c *Coordinator) now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now()
	}
	return time.Now()
}

func (c *Coordinator) logDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return DefaultLogDir
}

// Create validates the request and persists the parent plus one Pending
// child per target, all in one transaction.
func (c *Coordinator) Create(userID int64, req *types.BatchCommandRequest) (*types.BatchCommandTask, error) {
	if len(req.TargetVPSIDs) == 0 {
		return nil, fmt.Errorf("empty target list: %w", types.ErrInvalidInput)
	}
	hasContent := req.CommandContent != ""
	hasScript := req.ScriptID != nil
	if hasContent == hasScript {
		return nil, fmt.Errorf("exactly one of command_content and script_id required: %w", types.ErrInvalidInput)
	}
	if hasScript {
		return nil, fmt.Errorf("script execution not supported: %w", types.ErrInvalidInput)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	parent := &types.BatchCommandTask{
		ID:             uuid.NewString(),
		UserID:         userID,
		RequestPayload: payload,
		Status:         types.BatchStatusPending,
		ExecutionAlias: req.ExecutionAlias,
	}
	children := make([]*types.ChildCommandTask, len(req.TargetVPSIDs))
	for i, hostID := range req.TargetVPSIDs {
		children[i] = &types.ChildCommandTask{
			ID:     uuid.NewString(),
			HostID: hostID,
			Status: types.ChildStatusPending,
		}
	}
	if err := c.Store.CreateBatchTask(parent, children); err != nil {
		return nil, err
	}
	return parent, nil
}

// Dispatch sends each child to its agent. Children of unconnected hosts
// go straight to AgentUnreachable; the parent moves to Executing, or to a
// terminal state when no child got out at all.
func (c *Coordinator) Dispatch(parentID string) error {
	parent, err := c.Store.GetBatchTask(parentID)
	if err != nil {
		return err
	}
	var req types.BatchCommandRequest
	if err := json.Unmarshal(parent.RequestPayload, &req); err != nil {
		return fmt.Errorf("batch %s payload: %w", parentID, err)
	}
	children, err := c.Store.ChildrenOfBatch(parentID)
	if err != nil {
		return err
	}

	logger := log.WithTaskID(parentID)
	for _, child := range children {
		if child.Status != types.ChildStatusPending {
			continue
		}
		agent := c.Registry.Get(child.HostID)
		if agent == nil {
			c.failChild(child, types.ChildStatusAgentUnreachable, "agent not connected")
			continue
		}
		err := agent.Sender.Send(&proto.MessageToAgent{BatchCommandRequest: &proto.BatchAgentCommandRequest{
			CommandID:            child.ID,
			Content:              req.CommandContent,
			WorkingDirectory:     req.WorkingDir,
			EnvironmentVariables: req.Env,
			TimeoutSeconds:       req.TimeoutSec,
		}})
		if err != nil {
			logger.Warn().Err(err).Int64("host_id", child.HostID).Msg("dispatch send failed")
			c.failChild(child, types.ChildStatusAgentUnreachable, "send failed: "+err.Error())
			continue
		}
		child.Status = types.ChildStatusSentToAgent
		if err := c.Store.UpdateChildTask(child); err != nil {
			logger.Error().Err(err).Str("child_id", child.ID).Msg("child update failed")
		}
		c.Push.ChildTaskUpdate(child)
	}

	return c.recomputeParent(parentID, types.BatchStatusExecuting)
}

func (c *Coordinator) failChild(child *types.ChildCommandTask, status types.ChildTaskStatus, msg string) {
	now := c.now()
	child.Status = status
	child.ErrorMessage = msg
	child.AgentCompletedAt = &now
	if err := c.Store.UpdateChildTask(child); err != nil {
		log.WithComponent("batch").Error().Err(err).Str("child_id", child.ID).Msg("child update failed")
		return
	}
	c.Push.ChildTaskUpdate(child)
}

// RecordOutput appends one stdout/stderr chunk to the child's log file
// and broadcasts it. Satisfies session.BatchSink.
func (c *Coordinator) RecordOutput(childID string, stream proto.OutputStreamType, chunk []byte, at time.Time) {
	logger := log.WithComponent("batch")
	// Output is the earliest signal that the command actually runs.
	c.MarkChildExecuting(childID)
	child, err := c.Store.GetChildTask(childID)
	if err != nil {
		logger.Warn().Err(err).Str("child_id", childID).Msg("output for unknown child dropped")
		return
	}

	name := "stdout"
	if stream == proto.OutputStreamStderr {
		name = "stderr"
	}
	dir := filepath.Join(c.logDir(), child.ParentID, child.ID)
	path := filepath.Join(dir, name+".log")
	if err := appendFile(path, chunk); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("log append failed")
		return
	}

	changed := false
	if name == "stdout" && child.StdoutLogPath == "" {
		child.StdoutLogPath = path
		changed = true
	}
	if name == "stderr" && child.StderrLogPath == "" {
		child.StderrLogPath = path
		changed = true
	}
	child.LastOutputAt = &at
	if changed {
		if err := c.Store.UpdateChildTask(child); err != nil {
			logger.Error().Err(err).Str("child_id", childID).Msg("child update failed")
		}
	} else if err := c.Store.MarkChildOutput(childID, at); err != nil {
		logger.Error().Err(err).Str("child_id", childID).Msg("output timestamp update failed")
	}

	c.Push.CommandOutput(childID, name, chunk)
}

// UpdateChildResult applies an agent's final status for a child and
// recomputes the parent. Satisfies session.BatchSink.
func (c *Coordinator) UpdateChildResult(childID string, status proto.CommandStatus, exitCode int32, errMsg string) {
	logger := log.WithComponent("batch")
	child, err := c.Store.GetChildTask(childID)
	if err != nil {
		logger.Warn().Err(err).Str("child_id", childID).Msg("result for unknown child dropped")
		return
	}
	if child.Status.IsTerminal() {
		logger.Debug().Str("child_id", childID).Msg("result for terminal child ignored")
		return
	}

	switch status {
	case proto.CommandStatusSuccess:
		child.Status = types.ChildStatusCompletedSuccessfully
	case proto.CommandStatusFailure:
		child.Status = types.ChildStatusCompletedWithFailure
	case proto.CommandStatusTerminated:
		child.Status = types.ChildStatusTerminated
	default:
		child.Status = types.ChildStatusAgentError
	}
	child.ExitCode = &exitCode
	child.ErrorMessage = errMsg
	now := c.now()
	child.AgentCompletedAt = &now

	if err := c.Store.UpdateChildTask(child); err != nil {
		logger.Error().Err(err).Str("child_id", childID).Msg("child update failed")
		return
	}
	c.Push.ChildTaskUpdate(child)

	if err := c.recomputeParent(child.ParentID, ""); err != nil {
		logger.Error().Err(err).Str("batch_id", child.ParentID).Msg("parent recompute failed")
	}
}

// MarkChildExecuting flips a dispatched child to Executing. Only the
// dispatched states qualify: a child already Executing or Terminating
// must not regress.
func (c *Coordinator) MarkChildExecuting(childID string) {
	child, err := c.Store.GetChildTask(childID)
	if err != nil {
		return
	}
	switch child.Status {
	case types.ChildStatusSentToAgent, types.ChildStatusAgentAccepted:
	default:
		return
	}
	now := c.now()
	child.Status = types.ChildStatusExecuting
	child.AgentStartedAt = &now
	if err := c.Store.UpdateChildTask(child); err != nil {
		log.WithComponent("batch").Error().Err(err).Str("child_id", childID).Msg("child update failed")
		return
	}
	c.Push.ChildTaskUpdate(child)
}

// recomputeParent applies the parent status function. When the children
// are not all terminal yet, fallback (when non-empty) is written instead,
// used by Dispatch to move Pending → Executing.
func (c *Coordinator) recomputeParent(parentID string, fallback types.BatchTaskStatus) error {
	children, err := c.Store.ChildrenOfBatch(parentID)
	if err != nil {
		return err
	}
	statuses := make([]types.ChildTaskStatus, len(children))
	for i, ch := range children {
		statuses[i] = ch.Status
	}

	parent, err := c.Store.GetBatchTask(parentID)
	if err != nil {
		return err
	}

	status, terminal := ParentStatus(statuses)
	var completedAt *time.Time
	if terminal {
		if parent.Status == status {
			return nil
		}
		now := c.now()
		completedAt = &now
	} else {
		if fallback == "" || parent.Status == fallback {
			return nil
		}
		status = fallback
	}
	if err := c.Store.UpdateBatchStatus(parentID, status, completedAt); err != nil {
		return err
	}
	parent.Status = status
	parent.CompletedAt = completedAt
	c.Push.BatchTaskUpdate(parent)
	return nil
}

// TerminateParent asks every active child's agent to kill the command.
func (c *Coordinator) TerminateParent(parentID string) error {
	children, err := c.Store.ChildrenOfBatch(parentID)
	if err != nil {
		return err
	}
	anyActive := false
	for _, child := range children {
		if !child.Status.IsActive() {
			continue
		}
		anyActive = true
		if err := c.terminateChild(child); err != nil {
			log.WithComponent("batch").Warn().Err(err).Str("child_id", child.ID).Msg("terminate send failed")
		}
	}
	if !anyActive {
		return fmt.Errorf("batch %s has no terminable children: %w", parentID, types.ErrConflict)
	}
	if err := c.Store.UpdateBatchStatus(parentID, types.BatchStatusTerminating, nil); err != nil {
		return err
	}
	if parent, err := c.Store.GetBatchTask(parentID); err == nil {
		c.Push.BatchTaskUpdate(parent)
	}
	return nil
}

// TerminateChild terminates one child; only active children qualify.
func (c *Coordinator) TerminateChild(childID string) error {
	child, err := c.Store.GetChildTask(childID)
	if err != nil {
		return err
	}
	if !child.Status.IsActive() {
		return fmt.Errorf("child %s in state %s is not terminable: %w", childID, child.Status, types.ErrConflict)
	}
	return c.terminateChild(child)
}

func (c *Coordinator) terminateChild(child *types.ChildCommandTask) error {
	child.Status = types.ChildStatusTerminating
	if err := c.Store.UpdateChildTask(child); err != nil {
		return err
	}
	c.Push.ChildTaskUpdate(child)

	agent := c.Registry.Get(child.HostID)
	if agent == nil {
		// The agent is gone; the sweeper or a result will settle it.
		return fmt.Errorf("agent for host %d not connected", child.HostID)
	}
	return agent.Sender.Send(&proto.MessageToAgent{
		BatchTerminateRequest: &proto.BatchTerminateCommandRequest{CommandID: child.ID},
	})
}

// HandleAgentDisconnect fails the host's in-flight children when its
// session is evicted without results.
func (c *Coordinator) HandleAgentDisconnect(hostID int64) {
	children, err := c.Store.ActiveChildrenForHost(hostID)
	if err != nil {
		log.WithComponent("batch").Error().Err(err).Int64("host_id", hostID).Msg("active children lookup failed")
		return
	}
	parents := map[string]bool{}
	for _, child := range children {
		c.failChild(child, types.ChildStatusAgentUnreachable, "agent disconnected")
		parents[child.ParentID] = true
	}
	for parentID := range parents {
		if err := c.recomputeParent(parentID, ""); err != nil {
			log.WithComponent("batch").Error().Err(err).Str("batch_id", parentID).Msg("parent recompute failed")
		}
	}
}

func appendFile(path string, chunk []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(chunk)
	return err
}
