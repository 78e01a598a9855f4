// Package session defines the caller-facing handle the dispatcher operates
// against and the sink interface the transport layer implements to receive
// framed output. Both are consumed, not produced, by this repository's core:
// the transport layer that authenticates a peer and constructs a Session is
// an external collaborator.
package session

import "github.com/eyrie-systems/remctld/internal/codes"

// Protocol is the negotiated wire protocol version. Protocol 1 buffers all
// output and delivers it once at invocation end; Protocol 2 and above stream
// chunks tagged by stream id as they become available.
type Protocol int

const (
	Protocol1 Protocol = 1
	Protocol2 Protocol = 2
)

// Stream identifies which child descriptor a Protocol-2+ output chunk came
// from.
type Stream int

const (
	StreamStdout Stream = 1
	StreamStderr Stream = 2
)

// Sink is the transport-layer interface the dispatcher and multiplexer emit
// frames to. Implementations serialize these onto the wire in whatever
// framing the negotiated protocol requires; that framing is out of scope
// here (see internal/wire for the reference implementation).
type Sink interface {
	// SendError emits an error frame and ends the invocation.
	SendError(code codes.Error, message string)
	// SendV1Output emits the single terminal Protocol-1 frame: the
	// accumulated output buffer and the child's exit status.
	SendV1Output(buf []byte, status int)
	// SendV2Output emits one Protocol-2+ streaming chunk tagged by stream.
	SendV2Output(stream Stream, chunk []byte)
	// SendV2Status emits the Protocol-2+ terminal status frame.
	SendV2Status(status int)
}

// Session is the authenticated caller-facing handle. It is constructed by
// the transport layer (out of scope here) once a peer has authenticated and
// negotiated a protocol version, and handed to the dispatcher per request.
type Session struct {
	// User is the authenticated identity string.
	User string
	// PeerAddr is the caller's peer IP address.
	PeerAddr string
	// PeerHost is the caller's peer hostname, if resolved. Empty if unknown.
	PeerHost string
	// Protocol is the negotiated wire protocol version.
	Protocol Protocol
	// Sink receives OUTPUT/STATUS/ERROR frames for this session.
	Sink Sink
}
