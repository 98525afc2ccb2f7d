package agent

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/log"
)

// Executor runs batch commands and streams their output upstream. Each
// command gets its own process group so Terminate kills the whole tree.
type Executor struct {
	send func(*proto.MessageToServer)

	mu      sync.Mutex
	running map[string]*runningCommand
}

type runningCommand struct {
	cmd        *exec.Cmd
	terminated bool
}

// NewExecutor builds an executor reporting through send.
func NewExecutor(send func(*proto.MessageToServer)) *Executor {
	return &Executor{send: send, running: map[string]*runningCommand{}}
}

// Start launches the command asynchronously. Failures to spawn report a
// Failure result immediately.
func (e *Executor) Start(req *proto.BatchAgentCommandRequest) {
	go e.run(req)
}

// Terminate kills the named command's process group. Unknown ids are a
// no-op: the final result already went out.
func (e *Executor) Terminate(commandID string) {
	e.mu.Lock()
	rc := e.running[commandID]
	if rc != nil {
		rc.terminated = true
	}
	e.mu.Unlock()
	if rc == nil || rc.cmd.Process == nil {
		return
	}
	// Negative pid addresses the process group.
	if err := syscall.Kill(-rc.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		log.WithComponent("executor").Warn().Err(err).Str("command_id", commandID).Msg("terminate failed")
	}
}

func (e *Executor) run(req *proto.BatchAgentCommandRequest) {
	logger := log.WithComponent("executor").With().Str("command_id", req.CommandID).Logger()

	cmd := exec.Command("/bin/sh", "-c", req.Content)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}
	cmd.Env = os.Environ()
	for k, v := range req.EnvironmentVariables {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.finish(req.CommandID, proto.CommandStatusFailure, -1, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.finish(req.CommandID, proto.CommandStatusFailure, -1, err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		e.finish(req.CommandID, proto.CommandStatusFailure, -1, err.Error())
		return
	}

	rc := &runningCommand{cmd: cmd}
	e.mu.Lock()
	e.running[req.CommandID] = rc
	e.mu.Unlock()
	logger.Info().Int("pid", cmd.Process.Pid).Msg("command started")

	var timer *time.Timer
	if req.TimeoutSeconds > 0 {
		timer = time.AfterFunc(time.Duration(req.TimeoutSeconds)*time.Second, func() {
			logger.Warn().Msg("command timed out")
			e.Terminate(req.CommandID)
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go e.streamOutput(req.CommandID, proto.OutputStreamStdout, stdout, &wg)
	go e.streamOutput(req.CommandID, proto.OutputStreamStderr, stderr, &wg)
	wg.Wait()

	err = cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	e.mu.Lock()
	terminated := rc.terminated
	delete(e.running, req.CommandID)
	e.mu.Unlock()

	switch {
	case terminated:
		e.finish(req.CommandID, proto.CommandStatusTerminated, exitCode(cmd, err), "terminated")
	case err != nil:
		e.finish(req.CommandID, proto.CommandStatusFailure, exitCode(cmd, err), err.Error())
	default:
		e.finish(req.CommandID, proto.CommandStatusSuccess, 0, "")
	}
}

// streamOutput sends the reader's content upstream line by line.
func (e *Executor) streamOutput(commandID string, stream proto.OutputStreamType, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		// Chunks outlive this iteration in the outbound queue, so the
		// scanner's buffer must not be aliased.
		line := scanner.Bytes()
		chunk := make([]byte, len(line)+1)
		copy(chunk, line)
		chunk[len(line)] = '\n'
		e.send(&proto.MessageToServer{BatchCommandOutput: &proto.BatchCommandOutputStream{
			CommandID:       commandID,
			StreamType:      stream,
			Chunk:           chunk,
			TimestampUnixMs: time.Now().UnixMilli(),
		}})
	}
}

func (e *Executor) finish(commandID string, status proto.CommandStatus, code int32, errMsg string) {
	e.send(&proto.MessageToServer{BatchCommandResult: &proto.BatchCommandResult{
		CommandID:    commandID,
		Status:       status,
		ExitCode:     code,
		ErrorMessage: errMsg,
	}})
}

func exitCode(cmd *exec.Cmd, err error) int32 {
	if cmd.ProcessState != nil {
		return int32(cmd.ProcessState.ExitCode())
	}
	if err != nil {
		return -1
	}
	return 0
}
