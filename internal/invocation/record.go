// Package invocation defines the canonical record of a single command
// dispatch, shared by the local durable spool and the queryable history
// store so the two layers never drift apart on schema.
package invocation

import "time"

// Record is one completed (or rejected) dispatch, suitable for forwarding to
// a central history store. It is deliberately flatter than the internal
// dispatch state: no stdin payload, no raw argv beyond what's needed for an
// operator reading the record later.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	User       string    `json:"user"`
	PeerAddr   string    `json:"peer_addr,omitempty"`
	Command    string    `json:"command"`
	Subcommand string    `json:"subcommand,omitempty"`
	Program    string    `json:"program,omitempty"`
	Allowed    bool      `json:"allowed"`
	Status     int       `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
}
