package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	proto "github.com/nodenexus/nodenexus/api/proto"
)

// Stream is the typed duplex the handler runs on. Both the gRPC bidi
// stream and the WebSocket adapter satisfy it.
type Stream interface {
	Send(*proto.MessageToAgent) error
	Recv() (*proto.MessageToServer, error)
}

// streamSender serializes writes onto the stream and carries the
// connection teardown hook used on eviction. Message ids are assigned
// here so concurrent senders stay monotonic.
type streamSender struct {
	mu        sync.Mutex
	stream    Stream
	closeConn func() error
	closed    bool
	nextID    atomic.Uint64
}

func newStreamSender(stream Stream, closeConn func() error) *streamSender {
	return &streamSender{stream: stream, closeConn: closeConn}
}

func (s *streamSender) Send(m *proto.MessageToAgent) error {
	m.ServerMessageID = s.nextID.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	return s.stream.Send(m)
}

func (s *streamSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.closeConn != nil {
		return s.closeConn()
	}
	return nil
}
