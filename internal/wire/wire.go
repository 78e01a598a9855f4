// Package wire provides a reference length-prefixed framing implementation
// of session.Sink. It is not a normative transport: a production deployment
// speaking the real wire protocol (GSS-API framing and token exchange) would
// implement session.Sink directly against that protocol. This package
// exists so the dispatcher can be exercised end-to-end over a plain
// net.Conn, the way the examples' own hand-rolled binary framing (a
// uint16/uint32 length prefix followed by a payload, written with
// encoding/binary) is used to move data across a pipe.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/eyrie-systems/remctld/internal/codes"
	"github.com/eyrie-systems/remctld/internal/session"
)

// frameKind tags each frame written to the wire so the peer can decode the
// payload without out-of-band knowledge of the session's Protocol.
type frameKind uint8

const (
	frameError    frameKind = 1
	frameV1Output frameKind = 2
	frameV2Output frameKind = 3
	frameV2Status frameKind = 4
)

// maxFrameSize bounds a single frame's payload to guard against a
// misbehaving peer forcing an unbounded allocation.
const maxFrameSize = 16 * 1024 * 1024

// Conn adapts a net.Conn into a session.Sink using a simple framing: each
// frame is [1-byte kind][4-byte big-endian length][length-byte payload],
// with kind-specific payload layouts defined below. Writes are
// synchronized; Conn is safe for concurrent use.
type Conn struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  net.Conn
}

// NewConn wraps c in a Conn ready to use as a session.Sink.
func NewConn(c net.Conn) *Conn {
	return &Conn{w: bufio.NewWriter(c), c: c}
}

var _ session.Sink = (*Conn)(nil)

// SendError implements session.Sink.
func (c *Conn) SendError(code codes.Error, message string) {
	payload := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(payload[:4], uint32(code))
	copy(payload[4:], message)
	c.writeFrame(frameError, payload)
}

// SendV1Output implements session.Sink.
func (c *Conn) SendV1Output(buf []byte, status int) {
	payload := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(payload[:4], uint32(int32(status)))
	copy(payload[4:], buf)
	c.writeFrame(frameV1Output, payload)
}

// SendV2Output implements session.Sink.
func (c *Conn) SendV2Output(stream session.Stream, chunk []byte) {
	payload := make([]byte, 1+len(chunk))
	payload[0] = byte(stream)
	copy(payload[1:], chunk)
	c.writeFrame(frameV2Output, payload)
}

// SendV2Status implements session.Sink.
func (c *Conn) SendV2Status(status int) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(int32(status)))
	c.writeFrame(frameV2Status, payload)
}

func (c *Conn) writeFrame(kind frameKind, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var header [5]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := c.w.Write(header[:]); err != nil {
		return
	}
	if _, err := c.w.Write(payload); err != nil {
		return
	}
	_ = c.w.Flush()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Frame is a decoded frame read by ReadFrame, used by test peers and the
// reference client to interpret what a Conn wrote.
type Frame struct {
	Kind    frameKind
	Payload []byte
}

const (
	FrameError    = frameError
	FrameV1Output = frameV1Output
	FrameV2Output = frameV2Output
	FrameV2Status = frameV2Status
)

// ReadFrame reads a single frame from r, as written by Conn's Send* methods.
// It is the client-side counterpart used by the reference transport's
// caller-facing half and by tests.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	kind := frameKind(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame length %d exceeds maximum %d", length, maxFrameSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}
