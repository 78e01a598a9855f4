package wire_test

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/eyrie-systems/remctld/internal/codes"
	"github.com/eyrie-systems/remctld/internal/session"
	"github.com/eyrie-systems/remctld/internal/wire"
)

func pipe(t *testing.T) (*wire.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return wire.NewConn(server), client
}

func TestSendError_RoundTrips(t *testing.T) {
	conn, client := pipe(t)
	done := make(chan struct{})
	go func() {
		conn.SendError(codes.UnknownCommand, "no such command")
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	<-done

	if frame.Kind != wire.FrameError {
		t.Fatalf("Kind = %v, want FrameError", frame.Kind)
	}
	code := binary.BigEndian.Uint32(frame.Payload[:4])
	if codes.Error(code) != codes.UnknownCommand {
		t.Errorf("code = %v, want UnknownCommand", codes.Error(code))
	}
	if msg := string(frame.Payload[4:]); msg != "no such command" {
		t.Errorf("message = %q, want %q", msg, "no such command")
	}
}

func TestSendV1Output_RoundTrips(t *testing.T) {
	conn, client := pipe(t)
	done := make(chan struct{})
	go func() {
		conn.SendV1Output([]byte("hello world"), 7)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	<-done

	if frame.Kind != wire.FrameV1Output {
		t.Fatalf("Kind = %v, want FrameV1Output", frame.Kind)
	}
	status := int32(binary.BigEndian.Uint32(frame.Payload[:4]))
	if status != 7 {
		t.Errorf("status = %d, want 7", status)
	}
	if !bytes.Equal(frame.Payload[4:], []byte("hello world")) {
		t.Errorf("output = %q, want %q", frame.Payload[4:], "hello world")
	}
}

func TestSendV2Output_RoundTrips(t *testing.T) {
	conn, client := pipe(t)
	done := make(chan struct{})
	go func() {
		conn.SendV2Output(session.StreamStderr, []byte("oops"))
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	<-done

	if frame.Kind != wire.FrameV2Output {
		t.Fatalf("Kind = %v, want FrameV2Output", frame.Kind)
	}
	if session.Stream(frame.Payload[0]) != session.StreamStderr {
		t.Errorf("stream = %d, want StreamStderr", frame.Payload[0])
	}
	if string(frame.Payload[1:]) != "oops" {
		t.Errorf("chunk = %q, want %q", frame.Payload[1:], "oops")
	}
}

func TestSendV2Status_RoundTrips(t *testing.T) {
	conn, client := pipe(t)
	done := make(chan struct{})
	go func() {
		conn.SendV2Status(3)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	<-done

	if frame.Kind != wire.FrameV2Status {
		t.Fatalf("Kind = %v, want FrameV2Status", frame.Kind)
	}
	status := int32(binary.BigEndian.Uint32(frame.Payload))
	if status != 3 {
		t.Errorf("status = %d, want 3", status)
	}
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.FrameError))
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], 1<<30)
	buf.Write(lenBytes[:])

	if _, err := wire.ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}
