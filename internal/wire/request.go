package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/eyrie-systems/remctld/internal/session"
)

// Request is the decoded caller-facing command request: the negotiated
// protocol, the argument vector, and an optional stdin payload.
type Request struct {
	Protocol session.Protocol
	Argv     []string
	Stdin    []byte
	HasStdin bool
}

// maxArgs and maxArgLen bound a single request so a misbehaving peer cannot
// force an unbounded allocation before the command dispatcher gets a chance
// to apply its own argument-count policy.
const (
	maxArgs   = 1024
	maxArgLen = 1 << 20 // 1 MiB
)

// WriteRequest encodes req onto w using the wire layout:
//
//	[4-byte protocol][4-byte argc]
//	  argc * ([4-byte len][len bytes])
//	[4-byte stdin len, or 0xFFFFFFFF for "no stdin"][stdin bytes]
//
// It is the reference client-side counterpart to ReadRequest, used by tests
// and any caller exercising the reference transport end-to-end.
func WriteRequest(w io.Writer, req Request) error {
	var head [8]byte
	binary.BigEndian.PutUint32(head[0:4], uint32(req.Protocol))
	binary.BigEndian.PutUint32(head[4:8], uint32(len(req.Argv)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}

	for _, arg := range req.Argv {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(arg)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, arg); err != nil {
			return err
		}
	}

	var stdinLen [4]byte
	if !req.HasStdin {
		binary.BigEndian.PutUint32(stdinLen[:], 0xFFFFFFFF)
		_, err := w.Write(stdinLen[:])
		return err
	}
	binary.BigEndian.PutUint32(stdinLen[:], uint32(len(req.Stdin)))
	if _, err := w.Write(stdinLen[:]); err != nil {
		return err
	}
	_, err := w.Write(req.Stdin)
	return err
}

// ReadRequest decodes a Request from r in the layout written by
// WriteRequest.
func ReadRequest(r io.Reader) (Request, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Request{}, err
	}
	protocol := session.Protocol(binary.BigEndian.Uint32(head[0:4]))
	argc := binary.BigEndian.Uint32(head[4:8])
	if argc > maxArgs {
		return Request{}, fmt.Errorf("wire: argc %d exceeds maximum %d", argc, maxArgs)
	}

	argv := make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Request{}, err
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > maxArgLen {
			return Request{}, fmt.Errorf("wire: argument length %d exceeds maximum %d", length, maxArgLen)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Request{}, err
		}
		argv = append(argv, string(buf))
	}

	var stdinLen [4]byte
	if _, err := io.ReadFull(r, stdinLen[:]); err != nil {
		return Request{}, err
	}
	rawLen := binary.BigEndian.Uint32(stdinLen[:])
	if rawLen == 0xFFFFFFFF {
		return Request{Protocol: protocol, Argv: argv}, nil
	}
	if rawLen > maxArgLen {
		return Request{}, fmt.Errorf("wire: stdin length %d exceeds maximum %d", rawLen, maxArgLen)
	}
	stdin := make([]byte, rawLen)
	if _, err := io.ReadFull(r, stdin); err != nil {
		return Request{}, err
	}
	return Request{Protocol: protocol, Argv: argv, Stdin: stdin, HasStdin: true}, nil
}
