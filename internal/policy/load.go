package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML policy file at path, unmarshals it into a Table, and
// validates every rule. On validation failure it returns a wrapped error
// joining every failure encountered (errors.Join), not just the first.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: cannot read %q: %w", path, err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("policy: cannot parse %q: %w", path, err)
	}

	if err := validate(&t); err != nil {
		return nil, fmt.Errorf("policy: validation failed for %q: %w", path, err)
	}

	return &t, nil
}

// validate checks that every rule has the fields required to be dispatched
// safely: a program path, and a stdin_arg that isn't nonsensical.
func validate(t *Table) error {
	var errs []error

	for i, r := range t.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if r.Command == "" {
			errs = append(errs, fmt.Errorf("%s: command is required", prefix))
		}
		if r.Program == "" {
			errs = append(errs, fmt.Errorf("%s: program is required", prefix))
		}
		if r.StdinArg < -1 {
			errs = append(errs, fmt.Errorf("%s: stdin_arg %d must be -1, 0, or positive", prefix, r.StdinArg))
		}
		if r.User != "" && r.UID <= 0 {
			errs = append(errs, fmt.Errorf("%s: user %q set without a positive uid", prefix, r.User))
		}
		if r.User != "" && r.UID > 0 && r.GID <= 0 {
			errs = append(errs, fmt.Errorf("%s: user %q set with uid %d but no positive gid; a child would run with primary group 0", prefix, r.User, r.UID))
		}
	}

	return errors.Join(errs...)
}
