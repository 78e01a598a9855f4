package audit

import (
	"encoding/json"

	"github.com/eyrie-systems/remctld/internal/argvbuilder"
	"github.com/eyrie-systems/remctld/internal/policy"
)

// invocationPayload is the JSON shape recorded for each command invocation.
// It deliberately omits stdin content: the policy-declared stdin argument
// may carry sensitive payloads that have no business living in a
// tamper-evident trail meant to be read by operators.
type invocationPayload struct {
	User       string `json:"user"`
	Command    string `json:"command"`
	Subcommand string `json:"subcommand,omitempty"`
	Program    string `json:"program,omitempty"`
	Argv       []string `json:"argv"`
}

// LogCommand implements dispatch.AuditLogger: it appends one hash-chained
// entry recording the invocation. argv[0] and argv[1] (if present) are
// recorded as Command/Subcommand separately from the argv so the log
// remains readable even when later arguments are long or binary-ish. The
// argument that rule's stdin_arg designates is left out of both.
//
// A failure to append is swallowed rather than surfaced to the caller: a
// broken audit trail must never block a legitimate command from running.
// Append failures are exceedingly rare (disk full, permissions) and are the
// operator's problem to notice via the audit log's own health, not the
// dispatcher's.
func (l *Logger) LogCommand(argv []string, rule policy.Rule, user string) {
	stdinIdx := argvbuilder.StdinIndex(rule, len(argv))
	p := invocationPayload{User: user, Argv: make([]string, 0, len(argv)), Program: rule.Program}
	for i, a := range argv {
		if i > 0 && i == stdinIdx {
			continue
		}
		p.Argv = append(p.Argv, a)
	}
	if len(argv) > 0 {
		p.Command = argv[0]
	}
	if len(argv) > 1 && stdinIdx != 1 {
		p.Subcommand = argv[1]
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	_, _ = l.Append(raw)
}
