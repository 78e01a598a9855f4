// Package policy holds the declarative command policy table and the rule
// matcher that resolves a (command, subcommand) pair against it.
package policy

// wildcardAll matches any value for the field it appears in.
const wildcardAll = "ALL"

// wildcardEmpty matches only the absence of a value for the field it appears
// in (an empty subcommand, or — symmetrically — an empty command).
const wildcardEmpty = "EMPTY"

// Rule is a single policy row: what program to run for a given
// (command, subcommand), under which identity, with which ACL.
type Rule struct {
	// Command is the literal command token this rule applies to, or one of
	// the wildcards "ALL"/"EMPTY".
	Command string `yaml:"command"`
	// Subcommand is the literal subcommand token this rule applies to, or
	// one of the wildcards "ALL"/"EMPTY".
	Subcommand string `yaml:"subcommand"`
	// Program is the absolute filesystem path to the executable this rule
	// launches.
	Program string `yaml:"program"`
	// User, if set, names the identity the child process runs as.
	User string `yaml:"user,omitempty"`
	// UID is the numeric identity to drop to. Only applied when User is set
	// and UID > 0.
	UID int `yaml:"uid,omitempty"`
	// GID is the primary group to drop to, used alongside UID.
	GID int `yaml:"gid,omitempty"`
	// StdinArg designates which caller argument is delivered to the child on
	// standard input: -1 means the last argument, 0 means none, and a
	// positive n means the n-th argument (1-based).
	StdinArg int `yaml:"stdin_arg"`
	// Summary, if set, is the subcommand token invoked for this rule during
	// a summary sweep (see the dispatcher's help handling).
	Summary string `yaml:"summary,omitempty"`
	// Help, if set, is the subcommand token invoked to produce help text for
	// this rule.
	Help string `yaml:"help,omitempty"`
	// ACL is an opaque predicate handed to the external ACL evaluator
	// unparsed; its syntax is owned by that collaborator, not this package.
	ACL string `yaml:"acl,omitempty"`
}

// Table is an ordered sequence of rules. The first rule matching a given
// (command, subcommand) pair wins.
type Table struct {
	Rules []Rule `yaml:"rules"`
}
