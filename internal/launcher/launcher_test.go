package launcher_test

import (
	"io"
	"os"
	"testing"

	"github.com/eyrie-systems/remctld/internal/launcher"
	"github.com/eyrie-systems/remctld/internal/policy"
	"github.com/eyrie-systems/remctld/internal/session"
)

// openFDCount returns the number of open file descriptors this process
// currently holds, read from /proc/self/fd. Used to confirm that a
// Launch+Wait+Close cycle returns the descriptor count to where it started.
func openFDCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot read /proc/self/fd: %v", err)
	}
	return len(entries)
}

func TestLaunch_Protocol1_CombinedSocket(t *testing.T) {
	rule := policy.Rule{Program: "/bin/echo"}
	cp, err := launcher.Launch(rule, []string{"echo", "hello"}, nil, false, launcher.Identity{User: "tester"}, session.Protocol1)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer cp.Close()

	if cp.Stderr != nil {
		t.Error("protocol 1 should not allocate a separate stderr socket")
	}

	out, _ := io.ReadAll(cp.Stdio)
	if string(out) != "hello\n" {
		t.Errorf("output = %q, want %q", out, "hello\n")
	}

	status, err := cp.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
}

func TestLaunch_Protocol2_SeparateStderr(t *testing.T) {
	rule := policy.Rule{Program: "/bin/sh"}
	cp, err := launcher.Launch(rule, []string{"sh", "-c", "echo out; echo err >&2"}, nil, false, launcher.Identity{User: "tester"}, session.Protocol2)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer cp.Close()

	if cp.Stderr == nil {
		t.Fatal("protocol 2 requires a separate stderr socket")
	}

	status, err := cp.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
}

func TestLaunch_StdinDelivered(t *testing.T) {
	rule := policy.Rule{Program: "/bin/cat"}
	cp, err := launcher.Launch(rule, []string{"cat"}, []byte("PAYLOAD"), true, launcher.Identity{User: "tester"}, session.Protocol2)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer cp.Close()

	if _, err := cp.Stdio.Write(cp.Stdin); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	cp.Stdio.(interface{ CloseWrite() error }).CloseWrite()

	out, _ := io.ReadAll(cp.Stdio)
	if string(out) != "PAYLOAD" {
		t.Errorf("output = %q, want %q", out, "PAYLOAD")
	}
}

func TestLaunch_ExitStatusNonZero(t *testing.T) {
	rule := policy.Rule{Program: "/bin/sh"}
	cp, err := launcher.Launch(rule, []string{"sh", "-c", "exit 7"}, nil, false, launcher.Identity{User: "tester"}, session.Protocol1)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer cp.Close()

	status, err := cp.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status != 7 {
		t.Errorf("status = %d, want 7", status)
	}
}

func TestLaunch_ExecFailure(t *testing.T) {
	rule := policy.Rule{Program: "/nonexistent/binary"}
	_, err := launcher.Launch(rule, []string{"binary"}, nil, false, launcher.Identity{User: "tester"}, session.Protocol1)
	if err == nil {
		t.Fatal("expected error launching nonexistent program")
	}
}

func TestLaunch_ChildEnvironment(t *testing.T) {
	rule := policy.Rule{Program: "/bin/sh"}
	ident := launcher.Identity{
		User:     "alice",
		PeerAddr: "192.0.2.1",
		PeerHost: "client.example.com",
		Command:  "mycommand",
	}
	cp, err := launcher.Launch(rule, []string{"sh", "-c", "echo $REMUSER/$REMOTE_USER/$REMOTE_ADDR/$REMOTE_HOST/$REMCTL_COMMAND"}, nil, false, ident, session.Protocol1)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer cp.Close()

	out, _ := io.ReadAll(cp.Stdio)
	want := "alice/alice/192.0.2.1/client.example.com/mycommand\n"
	if string(out) != want {
		t.Errorf("env output = %q, want %q", out, want)
	}
	cp.Wait()
}

// TestLaunch_NoDescriptorLeak_SuccessPath verifies that a full Launch, read
// to EOF, Wait, Close cycle leaves the process holding no more descriptors
// than it started with: the parent's half of each socketpair, and the
// child's half once execed away, must all be closed.
func TestLaunch_NoDescriptorLeak_SuccessPath(t *testing.T) {
	before := openFDCount(t)

	rule := policy.Rule{Program: "/bin/sh"}
	cp, err := launcher.Launch(rule, []string{"sh", "-c", "echo out; echo err >&2"}, nil, false, launcher.Identity{User: "tester"}, session.Protocol2)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	io.ReadAll(cp.Stdio)
	if cp.Stderr != nil {
		io.ReadAll(cp.Stderr)
	}
	if _, err := cp.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	cp.Close()

	after := openFDCount(t)
	if after != before {
		t.Errorf("descriptor count = %d after launch, want %d (leaked %d)", after, before, after-before)
	}
}

// TestLaunch_NoDescriptorLeak_ExecFailurePath verifies that Launch cleans up
// every descriptor it allocated before returning an error when the child's
// exec itself fails (nonexistent program), not just on the success path.
func TestLaunch_NoDescriptorLeak_ExecFailurePath(t *testing.T) {
	before := openFDCount(t)

	rule := policy.Rule{Program: "/nonexistent/binary"}
	cp, err := launcher.Launch(rule, []string{"binary"}, nil, false, launcher.Identity{User: "tester"}, session.Protocol1)
	if err == nil {
		cp.Close()
		t.Fatal("expected error launching nonexistent program")
	}

	after := openFDCount(t)
	if after != before {
		t.Errorf("descriptor count = %d after failed launch, want %d (leaked %d)", after, before, after-before)
	}
}
