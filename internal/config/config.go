// Package config provides YAML configuration loading and validation for the
// remctld daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the remctld daemon.
type Config struct {
	// ListenAddr is the address the reference transport listens on (e.g.
	// "0.0.0.0:4373"). Required.
	ListenAddr string `yaml:"listen_addr"`

	// TLS holds the paths to the daemon's certificate, private key, and
	// optional client-CA certificate used to authenticate callers.
	TLS TLSConfig `yaml:"tls"`

	// PolicyPath is the path to the YAML policy table consumed by
	// internal/policy. Required.
	PolicyPath string `yaml:"policy_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AdminAddr is the listen address for the authenticated admin/
	// introspection HTTP API (e.g. "127.0.0.1:9000"). Defaults to
	// "127.0.0.1:9000" when omitted.
	AdminAddr string `yaml:"admin_addr"`

	// AdminJWTPublicKeyPath, if set, enables RS256 bearer-token
	// authentication on the admin API using the PEM-encoded public key at
	// this path. If empty, the admin API runs unauthenticated (intended for
	// local development only).
	AdminJWTPublicKeyPath string `yaml:"admin_jwt_public_key_path,omitempty"`

	// SpoolPath is the path to the local SQLite durable spool of invocation
	// audit records awaiting forwarding. Defaults to "remctld-spool.db".
	SpoolPath string `yaml:"spool_path"`

	// AuditLogPath is the path to the hash-chained append-only invocation
	// audit log. Defaults to "remctld-audit.log".
	AuditLogPath string `yaml:"audit_log_path"`

	// HistoryDSN, if set, is a PostgreSQL connection string for the
	// queryable invocation-history sink. If empty, history is not persisted
	// to Postgres (the local audit log and spool still apply).
	HistoryDSN string `yaml:"history_dsn,omitempty"`
}

// TLSConfig holds certificate and key paths for the reference transport.
type TLSConfig struct {
	// CertPath is the path to the daemon's PEM-encoded certificate. Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the daemon's PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// ClientCAPath, if set, is a PEM-encoded CA bundle used to require and
	// verify client certificates.
	ClientCAPath string `yaml:"client_ca_path,omitempty"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a joined error
// describing every validation failure encountered, not just the first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:9000"
	}
	if cfg.SpoolPath == "" {
		cfg.SpoolPath = "remctld-spool.db"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "remctld-audit.log"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if cfg.PolicyPath == "" {
		errs = append(errs, errors.New("policy_path is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
