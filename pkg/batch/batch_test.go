package batch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/session"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

func TestParentStatus(t *testing.T) {
	ok := types.ChildStatusCompletedSuccessfully
	fail := types.ChildStatusCompletedWithFailure
	term := types.ChildStatusTerminated

	tests := []struct {
		name       string
		children   []types.ChildTaskStatus
		want       types.BatchTaskStatus
		isTerminal bool
	}{
		{"all success", []types.ChildTaskStatus{ok, ok}, types.BatchStatusCompletedSuccessfully, true},
		{"one failure", []types.ChildTaskStatus{ok, fail}, types.BatchStatusCompletedWithErrors, true},
		{"unreachable counts as error", []types.ChildTaskStatus{ok, types.ChildStatusAgentUnreachable}, types.BatchStatusCompletedWithErrors, true},
		{"timed out counts as error", []types.ChildTaskStatus{types.ChildStatusTimedOut}, types.BatchStatusCompletedWithErrors, true},
		{"terminated mixed with success", []types.ChildTaskStatus{ok, term}, types.BatchStatusTerminated, true},
		{"terminated with failure is errors", []types.ChildTaskStatus{fail, term}, types.BatchStatusCompletedWithErrors, true},
		{"still executing", []types.ChildTaskStatus{ok, types.ChildStatusExecuting}, "", false},
		{"still pending", []types.ChildTaskStatus{types.ChildStatusPending}, "", false},
		{"no children", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, terminal := ParentStatus(tt.children)
			assert.Equal(t, tt.isTerminal, terminal)
			assert.Equal(t, tt.want, got)
		})
	}
}

type capturingSender struct {
	mu   sync.Mutex
	sent []*proto.MessageToAgent
}

func (s *capturingSender) Send(m *proto.MessageToAgent) error {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return nil
}

func (s *capturingSender) Close() error { return nil }

type nullPusher struct {
	mu      sync.Mutex
	childs  []*types.ChildCommandTask
	batches []*types.BatchCommandTask
	outputs []string
}

func (p *nullPusher) CommandOutput(childID string, stream string, chunk []byte) {
	p.mu.Lock()
	p.outputs = append(p.outputs, childID+"/"+stream+":"+string(chunk))
	p.mu.Unlock()
}

func (p *nullPusher) ChildTaskUpdate(t *types.ChildCommandTask) {
	p.mu.Lock()
	p.childs = append(p.childs, t)
	p.mu.Unlock()
}

func (p *nullPusher) BatchTaskUpdate(t *types.BatchCommandTask) {
	p.mu.Lock()
	p.batches = append(p.batches, t)
	p.mu.Unlock()
}

type env struct {
	store  *storage.Store
	reg    *session.Registry
	push   *nullPusher
	coord  *Coordinator
	h1, h2 *types.Host
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := &env{
		store: store,
		reg:   session.NewRegistry(),
		push:  &nullPusher{},
	}
	e.coord = &Coordinator{
		Store:    store,
		Registry: e.reg,
		Push:     e.push,
		LogDir:   filepath.Join(t.TempDir(), "batch_commands"),
	}
	e.h1 = &types.Host{UserID: 1, Name: "h1", AgentSecret: "s1"}
	e.h2 = &types.Host{UserID: 1, Name: "h2", AgentSecret: "s2"}
	require.NoError(t, store.CreateHost(e.h1))
	require.NoError(t, store.CreateHost(e.h2))
	return e
}

func (e *env) connect(hostID int64) *capturingSender {
	sender := &capturingSender{}
	agent := &session.Agent{HostID: hostID, Sender: sender}
	agent.Touch(time.Now())
	e.reg.Register(agent)
	return sender
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)

	_, err := e.coord.Create(1, &types.BatchCommandRequest{CommandContent: "echo ok"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = e.coord.Create(1, &types.BatchCommandRequest{TargetVPSIDs: []int64{1}})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	script := int64(1)
	_, err = e.coord.Create(1, &types.BatchCommandRequest{
		TargetVPSIDs: []int64{1}, CommandContent: "echo", ScriptID: &script,
	})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestBatchHappyPathWithMixedResults(t *testing.T) {
	e := newEnv(t)
	s1 := e.connect(e.h1.ID)
	s2 := e.connect(e.h2.ID)

	parent, err := e.coord.Create(1, &types.BatchCommandRequest{
		TargetVPSIDs:   []int64{e.h1.ID, e.h2.ID},
		CommandContent: "echo ok",
	})
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusPending, parent.Status)

	children, err := e.store.ChildrenOfBatch(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, ch := range children {
		assert.Equal(t, types.ChildStatusPending, ch.Status)
	}

	require.NoError(t, e.coord.Dispatch(parent.ID))

	require.Len(t, s1.sent, 1)
	require.Len(t, s2.sent, 1)
	cmd := s1.sent[0].BatchCommandRequest
	require.NotNil(t, cmd)
	assert.Equal(t, "echo ok", cmd.Content)

	got, err := e.store.GetBatchTask(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusExecuting, got.Status)

	children, err = e.store.ChildrenOfBatch(parent.ID)
	require.NoError(t, err)
	var c1, c2 *types.ChildCommandTask
	for _, ch := range children {
		if ch.HostID == e.h1.ID {
			c1 = ch
		} else {
			c2 = ch
		}
	}

	e.coord.RecordOutput(c1.ID, proto.OutputStreamStdout, []byte("ok\n"), time.Now().UTC())
	e.coord.UpdateChildResult(c1.ID, proto.CommandStatusSuccess, 0, "")
	e.coord.UpdateChildResult(c2.ID, proto.CommandStatusFailure, 1, "nope")

	got, err = e.store.GetBatchTask(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompletedWithErrors, got.Status)
	require.NotNil(t, got.CompletedAt)

	c1, err = e.store.GetChildTask(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChildStatusCompletedSuccessfully, c1.Status)
	require.NotNil(t, c1.ExitCode)
	assert.Equal(t, int32(0), *c1.ExitCode)
	require.NotNil(t, c1.AgentCompletedAt)

	data, err := os.ReadFile(filepath.Join(e.coord.LogDir, parent.ID, c1.ID, "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(data))

	c2, err = e.store.GetChildTask(c2.ID)
	require.NoError(t, err)
	assert.Equal(t, "nope", c2.ErrorMessage)
	require.NotNil(t, c2.ExitCode)
	assert.Equal(t, int32(1), *c2.ExitCode)
}

func TestDispatchUnreachableAgent(t *testing.T) {
	e := newEnv(t)
	// Only h1 connected.
	e.connect(e.h1.ID)

	parent, err := e.coord.Create(1, &types.BatchCommandRequest{
		TargetVPSIDs:   []int64{e.h1.ID, e.h2.ID},
		CommandContent: "uptime",
	})
	require.NoError(t, err)
	require.NoError(t, e.coord.Dispatch(parent.ID))

	children, err := e.store.ChildrenOfBatch(parent.ID)
	require.NoError(t, err)
	byHost := map[int64]*types.ChildCommandTask{}
	for _, ch := range children {
		byHost[ch.HostID] = ch
	}
	assert.Equal(t, types.ChildStatusSentToAgent, byHost[e.h1.ID].Status)
	assert.Equal(t, types.ChildStatusAgentUnreachable, byHost[e.h2.ID].Status)
	assert.NotEmpty(t, byHost[e.h2.ID].ErrorMessage)
}

func TestOutputAppendsAcrossChunks(t *testing.T) {
	e := newEnv(t)
	e.connect(e.h1.ID)
	parent, err := e.coord.Create(1, &types.BatchCommandRequest{
		TargetVPSIDs: []int64{e.h1.ID}, CommandContent: "ls",
	})
	require.NoError(t, err)
	require.NoError(t, e.coord.Dispatch(parent.ID))

	children, _ := e.store.ChildrenOfBatch(parent.ID)
	child := children[0]

	at := time.Now().UTC().Truncate(time.Millisecond)
	e.coord.RecordOutput(child.ID, proto.OutputStreamStdout, []byte("line1\n"), at)
	e.coord.RecordOutput(child.ID, proto.OutputStreamStdout, []byte("line2\n"), at.Add(time.Second))
	e.coord.RecordOutput(child.ID, proto.OutputStreamStderr, []byte("warn\n"), at.Add(2*time.Second))

	stdout, err := os.ReadFile(filepath.Join(e.coord.LogDir, parent.ID, child.ID, "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(stdout))

	stderr, err := os.ReadFile(filepath.Join(e.coord.LogDir, parent.ID, child.ID, "stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "warn\n", string(stderr))

	got, err := e.store.GetChildTask(child.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.StdoutLogPath)
	assert.NotEmpty(t, got.StderrLogPath)
	require.NotNil(t, got.LastOutputAt)
	assert.Equal(t, at.Add(2*time.Second).UnixMilli(), got.LastOutputAt.UnixMilli())

	assert.Len(t, e.push.outputs, 3)
}

func TestTerminateParentAndChildRules(t *testing.T) {
	e := newEnv(t)
	sender := e.connect(e.h1.ID)

	parent, err := e.coord.Create(1, &types.BatchCommandRequest{
		TargetVPSIDs: []int64{e.h1.ID}, CommandContent: "sleep 100",
	})
	require.NoError(t, err)
	require.NoError(t, e.coord.Dispatch(parent.ID))

	require.NoError(t, e.coord.TerminateParent(parent.ID))

	got, err := e.store.GetBatchTask(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusTerminating, got.Status)

	children, _ := e.store.ChildrenOfBatch(parent.ID)
	assert.Equal(t, types.ChildStatusTerminating, children[0].Status)

	var sawTerminate bool
	for _, m := range sender.sent {
		if m.BatchTerminateRequest != nil {
			sawTerminate = true
			assert.Equal(t, children[0].ID, m.BatchTerminateRequest.CommandID)
		}
	}
	assert.True(t, sawTerminate)

	// Terminating is no longer an active state.
	err = e.coord.TerminateChild(children[0].ID)
	assert.ErrorIs(t, err, types.ErrConflict)

	// The agent confirms termination; parent settles.
	e.coord.UpdateChildResult(children[0].ID, proto.CommandStatusTerminated, -1, "killed")
	got, err = e.store.GetBatchTask(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusTerminated, got.Status)

	// Nothing active anymore.
	err = e.coord.TerminateParent(parent.ID)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestFirstOutputMarksChildExecuting(t *testing.T) {
	e := newEnv(t)
	e.connect(e.h1.ID)

	parent, err := e.coord.Create(1, &types.BatchCommandRequest{
		TargetVPSIDs: []int64{e.h1.ID}, CommandContent: "make build",
	})
	require.NoError(t, err)
	require.NoError(t, e.coord.Dispatch(parent.ID))

	children, _ := e.store.ChildrenOfBatch(parent.ID)
	child := children[0]
	require.Equal(t, types.ChildStatusSentToAgent, child.Status)

	e.coord.RecordOutput(child.ID, proto.OutputStreamStdout, []byte("compiling\n"), time.Now().UTC())

	got, err := e.store.GetChildTask(child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChildStatusExecuting, got.Status)
	require.NotNil(t, got.AgentStartedAt)
	started := *got.AgentStartedAt

	// Later chunks keep the original start time.
	e.coord.RecordOutput(child.ID, proto.OutputStreamStdout, []byte("linking\n"), time.Now().UTC())
	got, err = e.store.GetChildTask(child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChildStatusExecuting, got.Status)
	require.NotNil(t, got.AgentStartedAt)
	assert.Equal(t, started.UnixMilli(), got.AgentStartedAt.UnixMilli())

	// Output racing a terminate must not regress the status.
	require.NoError(t, e.coord.TerminateChild(child.ID))
	e.coord.RecordOutput(child.ID, proto.OutputStreamStdout, []byte("late\n"), time.Now().UTC())
	got, err = e.store.GetChildTask(child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChildStatusTerminating, got.Status)
}

func TestHandleAgentDisconnectFailsActiveChildren(t *testing.T) {
	e := newEnv(t)
	e.connect(e.h1.ID)

	parent, err := e.coord.Create(1, &types.BatchCommandRequest{
		TargetVPSIDs: []int64{e.h1.ID}, CommandContent: "sleep 100",
	})
	require.NoError(t, err)
	require.NoError(t, e.coord.Dispatch(parent.ID))

	e.coord.HandleAgentDisconnect(e.h1.ID)

	children, _ := e.store.ChildrenOfBatch(parent.ID)
	assert.Equal(t, types.ChildStatusAgentUnreachable, children[0].Status)

	got, err := e.store.GetBatchTask(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompletedWithErrors, got.Status)
}
