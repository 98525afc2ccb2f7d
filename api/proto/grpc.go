package proto

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// The AgentComm service is registered by hand rather than through protoc:
// frames cross the stream as opaque byte blobs (the envelope codec lives in
// marshal.go / unmarshal.go), so the only thing gRPC needs is a passthrough
// codec and a stream descriptor.

// CodecName identifies the passthrough codec in content-subtype
// negotiation.
const CodecName = "nodenexus-raw"

// RawFrame is an already-encoded wire message crossing a gRPC stream.
type RawFrame struct {
	Data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*RawFrame)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	return f.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*RawFrame)
	if !ok {
		return fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	f.Data = data
	return nil
}

func (rawCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// AgentCommServer is the server-side service interface.
type AgentCommServer interface {
	CommunicateStream(AgentCommStream) error
}

// AgentCommStream is the server's view of one agent connection.
type AgentCommStream interface {
	Context() context.Context
	Send(*MessageToAgent) error
	Recv() (*MessageToServer, error)
}

type agentCommStream struct {
	grpc.ServerStream
}

func (s *agentCommStream) Send(m *MessageToAgent) error {
	return s.ServerStream.SendMsg(&RawFrame{Data: m.Marshal()})
}

func (s *agentCommStream) Recv() (*MessageToServer, error) {
	f := &RawFrame{}
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	m := &MessageToServer{}
	if err := m.Unmarshal(f.Data); err != nil {
		return nil, err
	}
	return m, nil
}

func communicateStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentCommServer).CommunicateStream(&agentCommStream{stream})
}

// AgentCommServiceDesc wires CommunicateStream into a grpc.Server.
var AgentCommServiceDesc = grpc.ServiceDesc{
	ServiceName: "nodenexus.agent.v1.AgentComm",
	HandlerType: (*AgentCommServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "CommunicateStream",
			Handler:       communicateStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "api/proto/agent.proto",
}

// RegisterAgentCommServer registers srv on the given registrar.
func RegisterAgentCommServer(s grpc.ServiceRegistrar, srv AgentCommServer) {
	s.RegisterService(&AgentCommServiceDesc, srv)
}

const communicateStreamMethod = "/nodenexus.agent.v1.AgentComm/CommunicateStream"

// AgentCommClientStream is the agent's view of its server connection.
type AgentCommClientStream interface {
	Context() context.Context
	Send(*MessageToServer) error
	Recv() (*MessageToAgent, error)
	CloseSend() error
}

type agentCommClientStream struct {
	grpc.ClientStream
}

func (s *agentCommClientStream) Send(m *MessageToServer) error {
	return s.ClientStream.SendMsg(&RawFrame{Data: m.Marshal()})
}

func (s *agentCommClientStream) Recv() (*MessageToAgent, error) {
	f := &RawFrame{}
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	m := &MessageToAgent{}
	if err := m.Unmarshal(f.Data); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenCommunicateStream opens the bidirectional agent stream on conn.
func OpenCommunicateStream(ctx context.Context, conn *grpc.ClientConn, opts ...grpc.CallOption) (AgentCommClientStream, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(rawCodec{})}, opts...)
	cs, err := conn.NewStream(ctx, &AgentCommServiceDesc.Streams[0], communicateStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &agentCommClientStream{cs}, nil
}
