package server

import (
	"sync"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/session"
)

// agentComm adapts the session handler onto the gRPC bidi stream.
type agentComm struct {
	handler *session.Handler
}

// CommunicateStream runs one agent session. The handler loop runs in its
// own goroutine so that an eviction (a newer handshake for the same host)
// can force this RPC to return, which cancels the stream context and
// unblocks the pending Recv.
func (c *agentComm) CommunicateStream(stream proto.AgentCommStream) error {
	done := make(chan struct{})
	var once sync.Once
	closeConn := func() error {
		once.Do(func() { close(done) })
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.handler.HandleStream(stream, closeConn)
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
		return nil
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
}
