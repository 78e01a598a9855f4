// Package argvbuilder constructs the child process argv for a command
// invocation, a help request, or a summary probe, and identifies which
// caller argument (if any) is redirected to the child's standard input.
package argvbuilder

import (
	"path"

	"github.com/eyrie-systems/remctld/internal/policy"
)

// Command builds the child argv for a normal command invocation given the
// matched rule and the caller's argument vector a (a[0] is the command,
// a[1] optionally the subcommand). It returns the child argv (not including
// a null sentinel — callers pass this directly to exec) and the stdin
// payload, if the rule designates one of a's elements as the stdin
// argument.
//
// Resolution of rule.StdinArg: -1 resolves to the last index of a; 0 means
// no element of a is the stdin argument; a positive n designates a[n]
// (1-based into a, so a[1] is the first argument after the command).
func Command(rule policy.Rule, a []string) (argv []string, stdin []byte, hasStdin bool) {
	stdinIdx := resolveStdinIndex(rule.StdinArg, len(a))

	argv = append(argv, path.Base(rule.Program))
	for i := 1; i < len(a); i++ {
		if i == stdinIdx {
			stdin = []byte(a[i])
			hasStdin = true
			continue
		}
		argv = append(argv, a[i])
	}
	return argv, stdin, hasStdin
}

// resolveStdinIndex maps a rule's configured StdinArg onto a concrete index
// into a caller argv of length n, or returns an index that matches nothing
// (0 is never a valid stdin-carrying index since a[0] is always the
// command) when StdinArg is 0.
func resolveStdinIndex(stdinArg, n int) int {
	if stdinArg == -1 {
		return n - 1
	}
	return stdinArg
}

// StdinIndex exposes resolveStdinIndex for callers (the dispatcher's
// null-byte guard) that need to know which caller argument carries the
// stdin payload without rebuilding the argv.
func StdinIndex(rule policy.Rule, n int) int {
	return resolveStdinIndex(rule.StdinArg, n)
}

// Help builds the child argv for a help request: the target program's
// basename, the command being asked about, and an optional sub-subcommand.
func Help(program, command string, subcommand string) []string {
	argv := []string{path.Base(program), command}
	if subcommand != "" {
		argv = append(argv, subcommand)
	}
	return argv
}

// Summary builds the child argv for a summary probe: the target program's
// basename and its configured summary token.
func Summary(program, summary string) []string {
	return []string{path.Base(program), summary}
}
