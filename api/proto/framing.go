package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. A full performance batch stays well
// under 1 MiB; anything larger indicates a corrupt or hostile peer.
const MaxFrameSize = 8 << 20

// FrameConn is a duplex transport carrying opaque frames. Both the gRPC
// stream and the binary WebSocket implement it, so the session logic on
// either end is transport-agnostic.
type FrameConn interface {
	// Send writes one frame. Safe for use by a single writer goroutine.
	Send(frame []byte) error
	// Recv reads the next frame, blocking until one arrives. Returns
	// io.EOF on orderly close.
	Recv() ([]byte, error)
	// Close tears down the transport. Concurrent Recv calls unblock
	// with an error.
	Close() error
}

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// payload. Used by stream transports that have no native message boundary.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
