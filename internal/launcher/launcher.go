// Package launcher implements the process launcher (§4.C): it creates the
// communication socket pairs, forks, prepares the child's descriptors,
// environment, and identity, and execs the configured program.
//
// The identity transition (initgroups, setgid, setuid, in that exact order)
// is security-critical, so this package forks and execs via the low-level
// syscall.ForkExec primitive rather than os/exec.Cmd: it gives this package
// full, explicit control of fd layout and credential ordering instead of
// trusting a higher-level abstraction to get it right.
package launcher

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/eyrie-systems/remctld/internal/policy"
	"github.com/eyrie-systems/remctld/internal/session"
)

// Identity carries the information the child's environment and credential
// transition are derived from. It is distinct from Session because it also
// needs the logical command name, which is not part of the caller-facing
// session handle.
type Identity struct {
	// User is the authenticated caller identity (REMUSER/REMOTE_USER).
	User string
	// PeerAddr is the caller's peer IP address (REMOTE_ADDR).
	PeerAddr string
	// PeerHost is the caller's peer hostname, if known (REMOTE_HOST).
	PeerHost string
	// Command is the logical command name, not the program path
	// (REMCTL_COMMAND).
	Command string
}

// ChildProcess is the transient record for one launched invocation: the
// child's pid, its communication sockets, and its stdin payload. Protocol 1
// uses a single combined socket for stdin/stdout/stderr (Stdio); protocol
// 2+ additionally uses Stderr. The caller is responsible for closing Stdio
// and Stderr once done with them.
type ChildProcess struct {
	Pid      int
	Stdio    net.Conn
	Stderr   net.Conn // nil for Protocol 1
	Stdin    []byte
	HasStdin bool
	Protocol session.Protocol

	proc *os.Process
}

// Wait blocks until the child has exited and returns its translated exit
// status: a successful exit yields the low 8 bits of the raw status;
// signal termination or any other abnormal exit yields -1. This mirrors
// os.ProcessState.ExitCode's own semantics exactly, so no manual
// WIFEXITED/WEXITSTATUS decoding is needed.
func (c *ChildProcess) Wait() (status int, err error) {
	state, err := c.proc.Wait()
	if err != nil {
		return -1, fmt.Errorf("launcher: wait for pid %d: %w", c.Pid, err)
	}
	return state.ExitCode(), nil
}

// Close releases both communication sockets. Safe to call multiple times
// and regardless of which are nil.
func (c *ChildProcess) Close() {
	if c.Stdio != nil {
		c.Stdio.Close()
	}
	if c.Stderr != nil {
		c.Stderr.Close()
	}
}

// Launch creates the socket topology required by protocol, forks, and execs
// rule.Program with argv under the identity described by rule and ident. On
// any failure before or during fork/exec, every descriptor created so far is
// closed before the error is returned.
func Launch(rule policy.Rule, argv []string, stdin []byte, hasStdin bool, ident Identity, protocol session.Protocol) (*ChildProcess, error) {
	var (
		stdioParent, stdioChild   int
		stderrParent, stderrChild int
		haveStderr                bool
	)

	stdioParent, stdioChild, err := socketpair()
	if err != nil {
		return nil, fmt.Errorf("launcher: socketpair: %w", err)
	}

	if protocol >= session.Protocol2 {
		stderrParent, stderrChild, err = socketpair()
		if err != nil {
			syscall.Close(stdioParent)
			syscall.Close(stdioChild)
			return nil, fmt.Errorf("launcher: socketpair (stderr): %w", err)
		}
		haveStderr = true
	}

	cleanupAll := func() {
		syscall.Close(stdioParent)
		syscall.Close(stdioChild)
		if haveStderr {
			syscall.Close(stderrParent)
			syscall.Close(stderrChild)
		}
	}

	cred, err := credential(rule)
	if err != nil {
		cleanupAll()
		return nil, fmt.Errorf("launcher: resolving identity %q: %w", rule.User, err)
	}

	// Standard input: the shared socket carries it only when a stdin
	// payload exists; otherwise the child reads from /dev/null so it
	// observes immediate EOF rather than blocking on a socket nothing will
	// ever write to.
	stdinFD := stdioChild
	var devnull *os.File
	if !hasStdin {
		devnull, err = os.OpenFile(os.DevNull, os.O_RDONLY, 0)
		if err != nil {
			cleanupAll()
			return nil, fmt.Errorf("launcher: opening %s: %w", os.DevNull, err)
		}
		defer devnull.Close()
		stdinFD = int(devnull.Fd())
	}

	files := []uintptr{uintptr(stdinFD), uintptr(stdioChild), uintptr(stdioChild)}
	if haveStderr {
		files[2] = uintptr(stderrChild)
	}

	env := childEnv(ident)

	pid, _, err := syscall.StartProcess(rule.Program, argv, &syscall.ProcAttr{
		Env:   env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Credential: cred},
	})
	if err != nil {
		cleanupAll()
		return nil, fmt.Errorf("launcher: fork/exec %q: %w", rule.Program, err)
	}

	// Parent side: close the child-end descriptors, we only need our ends.
	syscall.Close(stdioChild)
	if haveStderr {
		syscall.Close(stderrChild)
	}

	stdioConn, err := connFromFD(stdioParent, "remctld-stdio")
	if err != nil {
		syscall.Close(stdioParent)
		if haveStderr {
			syscall.Close(stderrParent)
		}
		return nil, fmt.Errorf("launcher: wrapping stdio socket: %w", err)
	}

	var stderrConn net.Conn
	if haveStderr {
		stderrConn, err = connFromFD(stderrParent, "remctld-stderr")
		if err != nil {
			stdioConn.Close()
			syscall.Close(stderrParent)
			return nil, fmt.Errorf("launcher: wrapping stderr socket: %w", err)
		}
	}

	return &ChildProcess{
		Pid:      pid,
		Stdio:    stdioConn,
		Stderr:   stderrConn,
		Stdin:    stdin,
		HasStdin: hasStdin,
		Protocol: protocol,
		proc:     findProcess(pid),
	}, nil
}

// socketpair creates an AF_UNIX/SOCK_STREAM pair. Socket pairs are used
// rather than pipes because the multiplexer relies on socket semantics
// (notably CloseWrite/half-shutdown for stdin delivery).
func socketpair() (parent, child int, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// connFromFD wraps a raw file descriptor as a net.Conn. net.FileConn dups
// the descriptor internally, so the os.File used to construct it is closed
// immediately afterward to avoid leaking the original.
func connFromFD(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// findProcess returns an *os.Process for pid without verifying the process
// exists — on Unix, os.FindProcess never fails, and the pid is known good
// because we just forked it.
func findProcess(pid int) *os.Process {
	p, _ := os.FindProcess(pid)
	return p
}

// credential resolves the rule's configured identity into a
// syscall.Credential, performed in the exact order the child applies it:
// supplementary groups from the named user, then gid, then uid. A rule with
// no user configured (or uid <= 0) runs the child under the daemon's own
// identity, matching the source behavior of only dropping privileges when a
// non-root target identity is named. Policy loading rejects any rule that
// sets User/UID without a positive GID, so this never hands back a
// credential with primary group 0 for a privilege-dropping rule.
func credential(rule policy.Rule) (*syscall.Credential, error) {
	if rule.User == "" || rule.UID <= 0 {
		return nil, nil
	}

	u, err := user.Lookup(rule.User)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", rule.User, err)
	}
	gidStrs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("resolve supplementary groups for %q: %w", rule.User, err)
	}

	groups := make([]uint32, 0, len(gidStrs))
	for _, s := range gidStrs {
		g, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse gid %q for %q: %w", s, rule.User, err)
		}
		groups = append(groups, uint32(g))
	}

	return &syscall.Credential{
		Uid:    uint32(rule.UID),
		Gid:    uint32(rule.GID),
		Groups: groups,
	}, nil
}

// childEnv builds the environment exposed to the child: REMUSER,
// REMOTE_USER, REMOTE_ADDR, REMOTE_HOST (if known), and REMCTL_COMMAND,
// layered over the daemon's own inherited environment.
func childEnv(ident Identity) []string {
	env := os.Environ()
	env = append(env,
		"REMUSER="+ident.User,
		"REMOTE_USER="+ident.User,
		"REMOTE_ADDR="+ident.PeerAddr,
		"REMCTL_COMMAND="+ident.Command,
	)
	if ident.PeerHost != "" {
		env = append(env, "REMOTE_HOST="+ident.PeerHost)
	}
	return env
}
