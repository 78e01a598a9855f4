// Package dispatch implements the top-level orchestrator (§4.E): it
// validates the caller's argument vector, resolves it against the policy
// table, enforces the ACL, assembles the child argv, drives the launcher and
// multiplexer, and emits the terminal frame.
package dispatch

import (
	"log/slog"
	"strings"

	"github.com/eyrie-systems/remctld/internal/acl"
	"github.com/eyrie-systems/remctld/internal/argvbuilder"
	"github.com/eyrie-systems/remctld/internal/codes"
	"github.com/eyrie-systems/remctld/internal/launcher"
	"github.com/eyrie-systems/remctld/internal/multiplex"
	"github.com/eyrie-systems/remctld/internal/policy"
	"github.com/eyrie-systems/remctld/internal/session"
)

// AuditLogger records a structured entry for each request that passes the
// null-byte guards, after rule lookup and before the unknown-command and ACL
// checks: rule is the zero Rule when nothing matched, and a logged request
// may still be refused. Implementations apply their own logmask.
type AuditLogger interface {
	LogCommand(argv []string, rule policy.Rule, user string)
}

// Request carries the caller's raw argument vector together with the caller
// identity the launcher exports to the child's environment.
type Request struct {
	Argv     []string
	User     string
	PeerAddr string
	PeerHost string
}

// Dispatcher is the orchestrator. Construct with its fields set; it holds no
// per-request state and is safe for concurrent use across sessions (each
// request is independent; the policy table is read-only).
type Dispatcher struct {
	Policy *policy.Table
	ACL    acl.Evaluator
	Audit  AuditLogger
	Logger *slog.Logger
}

// Dispatch runs one full request to completion, emitting exactly one
// terminal frame (or one error frame) to sink before returning.
func (d *Dispatcher) Dispatch(req Request, protocol session.Protocol, sink session.Sink) {
	argv := req.Argv

	// 1. Empty-argv guard.
	if len(argv) == 0 {
		d.Logger.Warn("empty command", slog.String("user", req.User))
		sink.SendError(codes.BadCommand, "no command specified")
		return
	}

	// 2. Null-byte guard (head).
	command := argv[0]
	var subcommand string
	hasSubcommand := len(argv) > 1
	if hasSubcommand {
		subcommand = argv[1]
	}
	if containsNull(command) || (hasSubcommand && containsNull(subcommand)) {
		sink.SendError(codes.BadCommand, "command contains null byte")
		return
	}

	// 4. Rule lookup.
	rule, matched := d.Policy.Find(command, subcommand)
	helpRequest := false
	var helpSubcommand string

	if !matched && command == "help" {
		if len(argv) > 3 {
			sink.SendError(codes.TooManyArgs, "too many arguments to help")
			argv = argv[:3]
			hasSubcommand = len(argv) > 1
			if hasSubcommand {
				subcommand = argv[1]
			}
		}
		if !hasSubcommand {
			d.summarySweep(req.User, protocol, sink)
			return
		}

		helpRequest = true
		if len(argv) > 2 {
			helpSubcommand = argv[2]
		}
		// The target of a help request is the subcommand token itself
		// (e.g. "help mycmd" asks about "mycmd"); re-resolve against the
		// policy table using it as the command.
		rule, matched = d.Policy.Find(subcommand, helpSubcommand)
		command = subcommand
	}

	// 5. Null-byte guard (tail).
	if matched {
		// A positive stdin_arg exempts that argument from the null check only
		// for a real invocation; a help request never reads stdin, so the
		// exception does not apply to it.
		stdinIdx := -1
		if !helpRequest {
			stdinIdx = argvbuilder.StdinIndex(rule, len(argv))
		}
		for i := 2; i < len(argv); i++ {
			if i == stdinIdx {
				continue
			}
			if containsNull(argv[i]) {
				sink.SendError(codes.BadCommand, "argument contains null byte")
				return
			}
		}
	} else {
		for i := 2; i < len(argv); i++ {
			if containsNull(argv[i]) {
				sink.SendError(codes.BadCommand, "argument contains null byte")
				return
			}
		}
	}

	// 6. Audit log, whether or not a rule matched and before the ACL check,
	// so denials and typos are visible in the trail.
	if d.Audit != nil {
		d.Audit.LogCommand(argv, rule, req.User)
	}

	// 7. Unknown command.
	if !matched {
		sink.SendError(codes.UnknownCommand, "unknown command")
		return
	}

	// 8. ACL check.
	if d.ACL != nil && !d.ACL.Permit(rule, req.User) {
		sink.SendError(codes.Access, "access denied")
		return
	}

	// 9. Help finalization.
	var childArgv []string
	if helpRequest {
		if rule.Help == "" {
			sink.SendError(codes.NoHelp, "no help available")
			return
		}
		childArgv = argvbuilder.Help(rule.Program, rule.Help, helpSubcommand)
		res := d.invoke(rule, command, childArgv, nil, false, req, protocol, sink)
		d.emitTerminal(res, protocol, sink)
		return
	}

	// 10. Argv assembly (command mode).
	childArgv, stdin, hasStdin := argvbuilder.Command(rule, argv)

	// 11. Launch.
	res := d.invoke(rule, command, childArgv, stdin, hasStdin, req, protocol, sink)
	d.emitTerminal(res, protocol, sink)
}

// invoke drives one child process to completion via the launcher and
// multiplexer, translating a launch failure into the same error frame the
// multiplexer would have emitted for a post-fork I/O failure. command is the
// logical command name exported to the child as REMCTL_COMMAND.
func (d *Dispatcher) invoke(rule policy.Rule, command string, argv []string, stdin []byte, hasStdin bool, req Request, protocol session.Protocol, sink session.Sink) multiplex.Result {
	ident := launcher.Identity{
		User:     req.User,
		PeerAddr: req.PeerAddr,
		PeerHost: req.PeerHost,
		Command:  command,
	}
	cp, err := launcher.Launch(rule, argv, stdin, hasStdin, ident, protocol)
	if err != nil {
		d.Logger.Warn("launch failed", slog.Any("error", err), slog.String("program", rule.Program))
		sink.SendError(codes.Internal, "internal error")
		return multiplex.Result{OK: false}
	}
	return multiplex.Run(cp, sink, d.Logger)
}

// emitTerminal sends the terminal frame for a single (non-sweep) invocation,
// per §4.E step 11. A failed invocation has already had its error frame
// emitted by invoke or the multiplexer; emitTerminal is then a no-op.
func (d *Dispatcher) emitTerminal(res multiplex.Result, protocol session.Protocol, sink session.Sink) {
	if !res.OK {
		return
	}
	if protocol == session.Protocol1 {
		sink.SendV1Output(res.V1Output, res.Status)
		return
	}
	sink.SendV2Status(res.Status)
}

// summarySweep implements §4.E.i: invoke every rule that advertises itself
// via subcommand ALL and a summary token, aggregate the results, and emit a
// single terminal frame.
func (d *Dispatcher) summarySweep(user string, protocol session.Protocol, sink session.Sink) {
	okAny := false
	status := 0
	var v1 []byte

	for _, rule := range d.Policy.Rules {
		if rule.Subcommand != "ALL" || rule.Summary == "" {
			continue
		}
		if d.ACL != nil && !d.ACL.Permit(rule, user) {
			continue
		}

		argv := argvbuilder.Summary(rule.Program, rule.Summary)
		req := Request{Argv: argv, User: user}
		res := d.invoke(rule, rule.Command, argv, nil, false, req, protocol, sink)
		if !res.OK {
			continue
		}

		okAny = true
		if res.Status != 0 {
			status = res.Status
		}
		if protocol == session.Protocol1 {
			v1 = append(v1, res.V1Output...)
		}
	}

	if !okAny {
		sink.SendError(codes.UnknownCommand, "unknown command")
		return
	}

	if protocol == session.Protocol1 {
		sink.SendV1Output(v1, status)
		return
	}
	sink.SendV2Status(status)
}

func containsNull(s string) bool {
	return strings.IndexByte(s, 0) >= 0
}
