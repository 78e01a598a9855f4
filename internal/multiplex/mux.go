// Package multiplex implements the I/O multiplexer (§4.D): it pumps a
// child's output (and optional input) to the caller's framed output sink
// according to the negotiated protocol version.
//
// The source pattern is a single-threaded event loop dispatching on
// descriptor readiness and a SIGCHLD handler. This implementation instead
// uses one goroutine per stream plus a waiter goroutine for child exit,
// joined at the end, in place of that event loop (see the internal/multiplex
// entry in DESIGN.md). Because
// each reader blocks on a real socket read until the kernel actually closes
// it, the "post-exit drain" the source needs as a distinct phase falls out
// for free here: a blocking Read only returns EOF once every descriptor
// referencing the child's end of the socket is closed, which happens when
// the child exits, so there is no buffered-output-after-reap race to guard
// against separately.
package multiplex

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/eyrie-systems/remctld/internal/codes"
	"github.com/eyrie-systems/remctld/internal/launcher"
	"github.com/eyrie-systems/remctld/internal/session"
)

const (
	// MaxOutputV1 is the hard cap on protocol-1 delivered output bytes
	// (TOKEN_MAX_OUTPUT_V1).
	MaxOutputV1 = 1 << 20
	// MaxOutputChunk is the maximum single read (and therefore single
	// protocol-2+ OUTPUT frame) size (TOKEN_MAX_OUTPUT).
	MaxOutputChunk = 1 << 20
)

// Result carries everything the dispatcher needs to emit the terminal frame
// once Run returns.
type Result struct {
	// OK is false if an I/O error broke the loop; the multiplexer has
	// already emitted the ERROR_INTERNAL frame in that case, and the
	// dispatcher must not emit anything further.
	OK bool
	// Status is the child's translated exit status, valid only when OK.
	Status int
	// V1Output is the accumulated protocol-1 output buffer, valid only when
	// OK and the session is protocol 1.
	V1Output []byte
}

// Run drives the child described by cp to completion, streaming or
// buffering its output to sink according to cp.Protocol, and returns once
// the child has exited and all of its output has been drained.
func Run(cp *launcher.ChildProcess, sink session.Sink, logger *slog.Logger) Result {
	var wg sync.WaitGroup
	var errOnce sync.Once
	var fatal atomic.Bool

	reportErr := func(err error) {
		errOnce.Do(func() {
			fatal.Store(true)
			logger.Warn("multiplexer I/O error", slog.Any("error", err))
			sink.SendError(codes.Internal, "internal error")
			cp.Close()
		})
	}

	var outBuf *OutputBuffer
	if cp.Protocol == session.Protocol1 {
		outBuf = NewOutputBuffer(MaxOutputV1)
	}

	if cp.HasStdin {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeStdin(cp.Stdio, cp.Stdin, reportErr)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		readLoop(cp.Stdio, func(chunk []byte) {
			if cp.Protocol == session.Protocol1 {
				outBuf.Append(chunk)
				return
			}
			sink.SendV2Output(session.StreamStdout, chunk)
		}, reportErr)
	}()

	if cp.Protocol >= session.Protocol2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readLoop(cp.Stderr, func(chunk []byte) {
				if cp.Protocol == session.Protocol1 {
					outBuf.Append(chunk)
					return
				}
				sink.SendV2Output(session.StreamStderr, chunk)
			}, reportErr)
		}()
	}

	var status int
	wg.Add(1)
	go func() {
		defer wg.Done()
		st, err := cp.Wait()
		if err != nil {
			reportErr(err)
			return
		}
		status = st
	}()

	wg.Wait()
	cp.Close()

	if fatal.Load() {
		return Result{OK: false}
	}

	res := Result{OK: true, Status: status}
	if cp.Protocol == session.Protocol1 {
		res.V1Output = outBuf.Bytes()
	}
	return res
}

// readLoop reads from conn until EOF (or an EOF-equivalent condition),
// delivering every non-empty chunk read to onChunk. A genuine I/O error is
// reported via onErr and ends the loop.
func readLoop(conn net.Conn, onChunk func([]byte), onErr func(error)) {
	buf := make([]byte, MaxOutputChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			if isEOFish(err) {
				return
			}
			onErr(err)
			return
		}
	}
}

// writeStdin sends payload on conn's write side, then half-shuts-down
// writing so the child observes EOF on its next read, matching
// on_stdin_drained's behavior.
func writeStdin(conn net.Conn, payload []byte, onErr func(error)) {
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil && !isEOFish(err) {
			onErr(err)
			return
		}
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// isEOFish reports whether err represents ordinary stream termination
// rather than a genuine I/O failure: EOF, a socket closed locally (by
// reportErr's own cleanup), ECONNRESET, or EPIPE. The latter two mean the
// child went away — treated as EOF, not as an error to surface.
func isEOFish(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
