package audit_test

import (
	"encoding/json"
	"testing"

	"github.com/eyrie-systems/remctld/internal/audit"
	"github.com/eyrie-systems/remctld/internal/policy"
)

func TestLogCommand_AppendsChainedEntry(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)

	l.LogCommand([]string{"echo", "hi", "world"}, policy.Rule{Program: "/bin/echo"}, "alice")
	l.LogCommand([]string{"cat", "ALL"}, policy.Rule{Program: "/bin/cat"}, "bob")

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	var first struct {
		User       string   `json:"user"`
		Command    string   `json:"command"`
		Subcommand string   `json:"subcommand"`
		Program    string   `json:"program"`
		Argv       []string `json:"argv"`
	}
	if err := json.Unmarshal(entries[0].Payload, &first); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if first.User != "alice" || first.Command != "echo" || first.Subcommand != "hi" || first.Program != "/bin/echo" {
		t.Errorf("unexpected payload: %+v", first)
	}
	if len(first.Argv) != 3 {
		t.Errorf("argv = %v, want length 3", first.Argv)
	}
}

func TestLogCommand_NoSubcommand(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)

	l.LogCommand([]string{"status"}, policy.Rule{Program: "/bin/status"}, "carol")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var p struct {
		Subcommand string `json:"subcommand"`
	}
	if err := json.Unmarshal(entries[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Subcommand != "" {
		t.Errorf("subcommand = %q, want empty", p.Subcommand)
	}
}
