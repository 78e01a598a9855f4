package policy

// Find scans t in declaration order and returns the first rule whose
// command field matches cmd and whose subcommand field matches subcmd. A
// field matches when it equals "ALL", equals the request's value literally,
// or equals "EMPTY" when the request's value is absent (empty string).
//
// cmd is never empty in a real request — the dispatcher rejects that case
// before calling Find — but the matcher handles it symmetrically with
// subcmd regardless.
func (t *Table) Find(cmd, subcmd string) (Rule, bool) {
	for _, r := range t.Rules {
		if fieldMatches(r.Command, cmd) && fieldMatches(r.Subcommand, subcmd) {
			return r, true
		}
	}
	return Rule{}, false
}

// fieldMatches reports whether a rule field matches a request value under
// the ALL/EMPTY wildcard rules described on Find.
func fieldMatches(field, value string) bool {
	switch {
	case field == wildcardAll:
		return true
	case field == wildcardEmpty:
		return value == ""
	default:
		return field == value
	}
}
