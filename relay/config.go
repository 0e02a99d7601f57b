// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
)

// DefaultPort is the relay's listening port when none is configured.
const DefaultPort = 3000

// Config is the relay's startup configuration. Sources apply in order of
// increasing precedence: DefaultConfig, a config file (LoadConfigFile),
// the environment (ApplyEnvironment), then command-line flags applied by
// the caller.
type Config struct {
	// Port is the TCP port for the HTTP API and push channels.
	Port int `yaml:"port" json:"port"`

	// HomeserverURL is the Matrix homeserver base URL.
	HomeserverURL string `yaml:"homeserver_url" json:"homeserver_url"`

	// Reviewer is the reviewer's Matrix user ID.
	Reviewer string `yaml:"reviewer" json:"reviewer"`

	// ReviewerAliases are target strings that mean "the reviewer".
	ReviewerAliases []string `yaml:"reviewer_aliases" json:"reviewer_aliases"`

	// Tenants are logged in at startup. Tenants not listed here are
	// still served on demand if a credential exists for them.
	Tenants []string `yaml:"tenants" json:"tenants"`

	// FetchWindow is how many recent events a fetch inspects.
	FetchWindow int `yaml:"fetch_window" json:"fetch_window"`

	ShutdownGrace Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	PingInterval  Duration `yaml:"ping_interval" json:"ping_interval"`
	LoginTimeout  Duration `yaml:"login_timeout" json:"login_timeout"`

	// CursorRedisURL, when set, keeps reply cursors in Redis so they
	// survive restarts.
	CursorRedisURL string `yaml:"cursor_redis_url" json:"cursor_redis_url"`

	// CursorSQLitePath, when set, keeps reply cursors in a local SQLite
	// file instead. Mutually exclusive with CursorRedisURL.
	CursorSQLitePath string `yaml:"cursor_sqlite_path" json:"cursor_sqlite_path"`

	// CredentialsFile is a plaintext YAML map of tenant to bot token.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`

	// SealedCredentialsFile is the same map encrypted with age, opened
	// with the identity in AgeIdentityFile.
	SealedCredentialsFile string `yaml:"sealed_credentials_file" json:"sealed_credentials_file"`
	AgeIdentityFile       string `yaml:"age_identity_file" json:"age_identity_file"`

	// Keyring enables the OS keyring as a credential source.
	// KeyringDir selects the encrypted-file backend location used when
	// no OS keyring is available.
	Keyring    bool   `yaml:"keyring" json:"keyring"`
	KeyringDir string `yaml:"keyring_dir" json:"keyring_dir"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Duration is a time.Duration that reads as a Go duration string
// ("30s") from YAML, JSON and the environment.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Port:            DefaultPort,
		ReviewerAliases: []string{"reviewer"},
		FetchWindow:     DefaultFetchWindow,
		ShutdownGrace:   Duration(10 * time.Second),
		PingInterval:    Duration(DefaultPingInterval),
		LoginTimeout:    Duration(DefaultLoginTimeout),
		LogLevel:        "info",
	}
}

// LoadConfigFile overlays the file at path onto c. Files ending in .json
// or .jsonc are parsed as JSON with comments; anything else as YAML.
// Keys absent from the file leave c unchanged.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return nil
}

// ApplyEnvironment overlays environment variables onto c. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnvironment(lookup func(string) (string, bool)) error {
	get := func(names ...string) (string, bool) {
		for _, name := range names {
			if value, ok := lookup(name); ok && value != "" {
				return value, true
			}
		}
		return "", false
	}

	if value, ok := get("RELAY_PORT", "PORT"); ok {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("RELAY_PORT: %w", err)
		}
		c.Port = port
	}
	if value, ok := get("MATRIX_HOMESERVER_URL"); ok {
		c.HomeserverURL = value
	}
	if value, ok := get("REVIEWER_MATRIX_ID"); ok {
		c.Reviewer = value
	}
	if value, ok := get("RELAY_REVIEWER_ALIASES"); ok {
		c.ReviewerAliases = splitList(value)
	}
	if value, ok := get("RELAY_TENANTS"); ok {
		c.Tenants = splitList(value)
	}
	if value, ok := get("RELAY_FETCH_WINDOW"); ok {
		window, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("RELAY_FETCH_WINDOW: %w", err)
		}
		c.FetchWindow = window
	}
	durations := []struct {
		name   string
		target *Duration
	}{
		{"RELAY_SHUTDOWN_GRACE", &c.ShutdownGrace},
		{"RELAY_PING_INTERVAL", &c.PingInterval},
		{"RELAY_LOGIN_TIMEOUT", &c.LoginTimeout},
	}
	for _, entry := range durations {
		if value, ok := get(entry.name); ok {
			if err := entry.target.UnmarshalText([]byte(value)); err != nil {
				return fmt.Errorf("%s: %w", entry.name, err)
			}
		}
	}
	if value, ok := get("RELAY_CURSOR_REDIS_URL"); ok {
		c.CursorRedisURL = value
	}
	if value, ok := get("RELAY_CURSOR_SQLITE_PATH"); ok {
		c.CursorSQLitePath = value
	}
	if value, ok := get("RELAY_CREDENTIALS_FILE"); ok {
		c.CredentialsFile = value
	}
	if value, ok := get("RELAY_SEALED_CREDENTIALS"); ok {
		c.SealedCredentialsFile = value
	}
	if value, ok := get("RELAY_AGE_IDENTITY"); ok {
		c.AgeIdentityFile = value
	}
	if value, ok := get("RELAY_KEYRING"); ok {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("RELAY_KEYRING: %w", err)
		}
		c.Keyring = enabled
	}
	if value, ok := get("RELAY_KEYRING_DIR"); ok {
		c.KeyringDir = value
	}
	if value, ok := get("RELAY_LOG_LEVEL"); ok {
		c.LogLevel = value
	}
	return nil
}

// Validate checks that the configuration is complete and well-formed.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required (MATRIX_HOMESERVER_URL)")
	}
	parsed, err := url.Parse(c.HomeserverURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("homeserver_url %q must be an http or https URL", c.HomeserverURL)
	}
	if c.Reviewer == "" {
		return fmt.Errorf("reviewer is required (REVIEWER_MATRIX_ID)")
	}
	if _, err := ref.ParseUserID(c.Reviewer); err != nil {
		return fmt.Errorf("reviewer: %w", err)
	}
	if _, err := c.TenantList(); err != nil {
		return err
	}
	if c.FetchWindow <= 0 {
		return fmt.Errorf("fetch_window must be positive")
	}
	for name, value := range map[string]Duration{
		"shutdown_grace": c.ShutdownGrace,
		"ping_interval":  c.PingInterval,
		"login_timeout":  c.LoginTimeout,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.CursorRedisURL != "" && c.CursorSQLitePath != "" {
		return fmt.Errorf("cursor_redis_url and cursor_sqlite_path are mutually exclusive")
	}
	if (c.SealedCredentialsFile == "") != (c.AgeIdentityFile == "") {
		return fmt.Errorf("sealed_credentials_file and age_identity_file must be set together")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// ListenAddress returns the TCP address to bind.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ReviewerID returns the parsed reviewer. Call after Validate.
func (c *Config) ReviewerID() ref.UserID {
	reviewer, _ := ref.ParseUserID(c.Reviewer)
	return reviewer
}

// TenantList parses Tenants, dropping duplicates.
func (c *Config) TenantList() ([]ref.Tenant, error) {
	tenants, err := ref.ParseTenantList(strings.Join(c.Tenants, ","))
	if err != nil {
		return nil, fmt.Errorf("tenants: %w", err)
	}
	return tenants, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
