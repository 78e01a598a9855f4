// Package acl is the external ACL evaluator the dispatcher consults to
// decide whether an authenticated user may invoke a matched rule. ACL
// predicate syntax is owned entirely by this package; the core only ever
// sees a yes/no answer.
package acl

import (
	"strings"

	"github.com/eyrie-systems/remctld/internal/policy"
)

// Evaluator decides whether user may invoke rule.
type Evaluator interface {
	Permit(rule policy.Rule, user string) bool
}

// ListEvaluator is a minimal reference ACL evaluator: a rule's ACL field is
// either empty (permit everyone), a comma-separated list of exact usernames,
// or a comma-separated list of "group:<name>" tokens checked against a
// caller-supplied group membership lookup.
type ListEvaluator struct {
	// GroupMembers, given a group name, returns the users in it. Optional;
	// "group:" ACL tokens are never satisfied if nil.
	GroupMembers func(group string) []string
}

// Permit implements Evaluator.
func (e *ListEvaluator) Permit(rule policy.Rule, user string) bool {
	if rule.ACL == "" {
		return true
	}
	for _, tok := range strings.Split(rule.ACL, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if group, ok := strings.CutPrefix(tok, "group:"); ok {
			if e.GroupMembers == nil {
				continue
			}
			for _, m := range e.GroupMembers(group) {
				if m == user {
					return true
				}
			}
			continue
		}
		if tok == user {
			return true
		}
	}
	return false
}
