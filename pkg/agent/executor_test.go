package agent

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/nodenexus/nodenexus/api/proto"
)

// captureSink collects upstream messages and signals final results.
type captureSink struct {
	mu      sync.Mutex
	msgs    []*proto.MessageToServer
	resultC chan *proto.BatchCommandResult
}

func newCaptureSink() *captureSink {
	return &captureSink{resultC: make(chan *proto.BatchCommandResult, 4)}
}

func (c *captureSink) send(m *proto.MessageToServer) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	if m.BatchCommandResult != nil {
		c.resultC <- m.BatchCommandResult
	}
}

func (c *captureSink) output(commandID string, stream proto.OutputStreamType) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, m := range c.msgs {
		out := m.BatchCommandOutput
		if out != nil && out.CommandID == commandID && out.StreamType == stream {
			b.Write(out.Chunk)
		}
	}
	return b.String()
}

func waitResult(t *testing.T, sink *captureSink) *proto.BatchCommandResult {
	t.Helper()
	select {
	case res := <-sink.resultC:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for command result")
		return nil
	}
}

func TestExecutorSuccessStreamsOutput(t *testing.T) {
	sink := newCaptureSink()
	e := NewExecutor(sink.send)

	e.Start(&proto.BatchAgentCommandRequest{
		CommandID: "cmd-ok",
		Content:   "echo hello; echo oops >&2",
	})

	res := waitResult(t, sink)
	assert.Equal(t, proto.CommandStatusSuccess, res.Status)
	assert.Equal(t, int32(0), res.ExitCode)
	assert.Equal(t, "hello\n", sink.output("cmd-ok", proto.OutputStreamStdout))
	assert.Equal(t, "oops\n", sink.output("cmd-ok", proto.OutputStreamStderr))
}

func TestExecutorFailureCarriesExitCode(t *testing.T) {
	sink := newCaptureSink()
	e := NewExecutor(sink.send)

	e.Start(&proto.BatchAgentCommandRequest{CommandID: "cmd-fail", Content: "exit 3"})

	res := waitResult(t, sink)
	assert.Equal(t, proto.CommandStatusFailure, res.Status)
	assert.Equal(t, int32(3), res.ExitCode)
}

func TestExecutorEnvironmentAndWorkingDirectory(t *testing.T) {
	sink := newCaptureSink()
	e := NewExecutor(sink.send)
	dir := t.TempDir()

	e.Start(&proto.BatchAgentCommandRequest{
		CommandID:            "cmd-env",
		Content:              "echo $GREETING; pwd",
		WorkingDirectory:     dir,
		EnvironmentVariables: map[string]string{"GREETING": "bonjour"},
	})

	res := waitResult(t, sink)
	require.Equal(t, proto.CommandStatusSuccess, res.Status)
	out := sink.output("cmd-env", proto.OutputStreamStdout)
	assert.Contains(t, out, "bonjour\n")
	assert.Contains(t, out, dir)
}

func TestExecutorChunksSurviveQueueing(t *testing.T) {
	sink := newCaptureSink()
	e := NewExecutor(sink.send)

	// Enough output that the scanner compacts its buffer many times
	// while earlier chunks still sit in the sink.
	pad := strings.Repeat("a", 100)
	e.Start(&proto.BatchAgentCommandRequest{
		CommandID: "cmd-bulk",
		Content:   `i=0; while [ "$i" -lt 2000 ]; do echo "line-$i-` + pad + `"; i=$((i+1)); done`,
	})

	res := waitResult(t, sink)
	require.Equal(t, proto.CommandStatusSuccess, res.Status)

	var want strings.Builder
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&want, "line-%d-%s\n", i, pad)
	}
	assert.Equal(t, want.String(), sink.output("cmd-bulk", proto.OutputStreamStdout))
}

func TestExecutorTerminate(t *testing.T) {
	sink := newCaptureSink()
	e := NewExecutor(sink.send)

	e.Start(&proto.BatchAgentCommandRequest{CommandID: "cmd-term", Content: "sleep 60"})

	// Give the shell a moment to start before killing the group.
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		rc := e.running["cmd-term"]
		return rc != nil && rc.cmd.Process != nil
	}, 5*time.Second, 10*time.Millisecond)

	e.Terminate("cmd-term")
	res := waitResult(t, sink)
	assert.Equal(t, proto.CommandStatusTerminated, res.Status)
}

func TestExecutorTimeoutTerminates(t *testing.T) {
	sink := newCaptureSink()
	e := NewExecutor(sink.send)

	e.Start(&proto.BatchAgentCommandRequest{
		CommandID:      "cmd-timeout",
		Content:        "sleep 60",
		TimeoutSeconds: 1,
	})

	res := waitResult(t, sink)
	assert.Equal(t, proto.CommandStatusTerminated, res.Status)
}

func TestExecutorTerminateUnknownIsNoop(t *testing.T) {
	sink := newCaptureSink()
	e := NewExecutor(sink.send)
	e.Terminate("never-existed")
	assert.Empty(t, sink.msgs)
}
