package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	proto "github.com/nodenexus/nodenexus/api/proto"
)

// transport is one connected duplex to the server. The agent picks the
// implementation by address scheme: ws:// and wss:// use the WebSocket
// endpoint, anything else dials the gRPC stream.
type transport interface {
	Send(*proto.MessageToServer) error
	Recv() (*proto.MessageToAgent, error)
	Close() error
}

func dialTransport(ctx context.Context, addr string) (transport, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return dialWebSocket(ctx, addr)
	}
	return dialGRPC(ctx, addr)
}

type grpcTransport struct {
	conn   *grpc.ClientConn
	stream proto.AgentCommClientStream
	cancel context.CancelFunc
}

func dialGRPC(ctx context.Context, addr string) (transport, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := proto.OpenCommunicateStream(streamCtx, conn)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &grpcTransport{conn: conn, stream: stream, cancel: cancel}, nil
}

func (t *grpcTransport) Send(m *proto.MessageToServer) error { return t.stream.Send(m) }

func (t *grpcTransport) Recv() (*proto.MessageToAgent, error) { return t.stream.Recv() }

func (t *grpcTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func dialWebSocket(ctx context.Context, addr string) (transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(m *proto.MessageToServer) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.BinaryMessage, m.Marshal())
}

func (t *wsTransport) Recv() (*proto.MessageToAgent, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m := &proto.MessageToAgent{}
		if err := m.Unmarshal(data); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (t *wsTransport) Close() error { return t.conn.Close() }
