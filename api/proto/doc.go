/*
Package proto implements the agent-server wire protocol.

Messages are protobuf wire format (schema in agent.proto), encoded and
decoded by a hand-written protowire codec so the same bytes travel over
either transport: a gRPC bidirectional stream (with a passthrough codec)
or a binary WebSocket. The session layers on both ends speak FrameConn
and never see the transport.
*/
package proto
