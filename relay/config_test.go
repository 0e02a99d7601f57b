// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		value, ok := values[name]
		return value, ok
	}
}

func validConfig() *Config {
	config := DefaultConfig()
	config.HomeserverURL = "https://matrix.example.org"
	config.Reviewer = "@reviewer:example.org"
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Port != 3000 {
		t.Errorf("Port = %d, want 3000", config.Port)
	}
	if config.FetchWindow != 10 {
		t.Errorf("FetchWindow = %d, want 10", config.FetchWindow)
	}
	if time.Duration(config.ShutdownGrace) != 10*time.Second {
		t.Errorf("ShutdownGrace = %v, want 10s", time.Duration(config.ShutdownGrace))
	}
	if len(config.ReviewerAliases) != 1 || config.ReviewerAliases[0] != "reviewer" {
		t.Errorf("ReviewerAliases = %v, want [reviewer]", config.ReviewerAliases)
	}
	if err := config.Validate(); err == nil {
		t.Error("defaults validated without a homeserver or reviewer")
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
port: 4000
homeserver_url: https://matrix.example.org
reviewer: "@reviewer:example.org"
tenants: [alpha, beta]
ping_interval: 45s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig()
	if err := config.LoadConfigFile(path); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if config.Port != 4000 || config.Reviewer != "@reviewer:example.org" {
		t.Errorf("config = %+v", config)
	}
	if time.Duration(config.PingInterval) != 45*time.Second {
		t.Errorf("PingInterval = %v, want 45s", time.Duration(config.PingInterval))
	}
	if config.FetchWindow != DefaultFetchWindow {
		t.Errorf("absent key overwrote FetchWindow: %d", config.FetchWindow)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigFileJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.jsonc")
	content := `{
  // the lab homeserver
  "homeserver_url": "http://10.0.0.5:8008",
  "reviewer": "@lead:lab",
  "fetch_window": 25, /* wider than default */
  "login_timeout": "1m",
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig()
	if err := config.LoadConfigFile(path); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if config.FetchWindow != 25 || config.Reviewer != "@lead:lab" {
		t.Errorf("config = %+v", config)
	}
	if time.Duration(config.LoginTimeout) != time.Minute {
		t.Errorf("LoginTimeout = %v, want 1m", time.Duration(config.LoginTimeout))
	}
}

func TestApplyEnvironmentOverridesFile(t *testing.T) {
	config := validConfig()
	config.Port = 4000
	config.Tenants = []string{"fromfile"}

	err := config.ApplyEnvironment(lookupFrom(map[string]string{
		"RELAY_PORT":             "5000",
		"PORT":                   "6000",
		"RELAY_TENANTS":          "alpha, beta,,alpha",
		"RELAY_REVIEWER_ALIASES": "reviewer,lead",
		"RELAY_SHUTDOWN_GRACE":   "3s",
		"RELAY_KEYRING":          "true",
		"RELAY_CURSOR_REDIS_URL": "redis://localhost:6379/2",
	}))
	if err != nil {
		t.Fatalf("ApplyEnvironment: %v", err)
	}
	if config.Port != 5000 {
		t.Errorf("Port = %d, want RELAY_PORT to win", config.Port)
	}
	tenants, err := config.TenantList()
	if err != nil {
		t.Fatalf("TenantList: %v", err)
	}
	if len(tenants) != 2 || tenants[0].String() != "alpha" || tenants[1].String() != "beta" {
		t.Errorf("tenants = %v, want [alpha beta]", tenants)
	}
	if len(config.ReviewerAliases) != 2 || config.ReviewerAliases[1] != "lead" {
		t.Errorf("ReviewerAliases = %v", config.ReviewerAliases)
	}
	if time.Duration(config.ShutdownGrace) != 3*time.Second || !config.Keyring {
		t.Errorf("config = %+v", config)
	}
	if config.CursorRedisURL != "redis://localhost:6379/2" {
		t.Errorf("CursorRedisURL = %q", config.CursorRedisURL)
	}
}

func TestApplyEnvironmentPortFallback(t *testing.T) {
	config := validConfig()
	if err := config.ApplyEnvironment(lookupFrom(map[string]string{"PORT": "8080"})); err != nil {
		t.Fatalf("ApplyEnvironment: %v", err)
	}
	if config.Port != 8080 || config.ListenAddress() != ":8080" {
		t.Errorf("Port = %d, ListenAddress = %s", config.Port, config.ListenAddress())
	}
}

func TestApplyEnvironmentRejectsMalformedValues(t *testing.T) {
	for name, value := range map[string]string{
		"RELAY_PORT":          "three thousand",
		"RELAY_FETCH_WINDOW":  "ten",
		"RELAY_PING_INTERVAL": "often",
		"RELAY_KEYRING":       "maybe",
	} {
		config := validConfig()
		err := config.ApplyEnvironment(lookupFrom(map[string]string{name: value}))
		if err == nil || !strings.Contains(err.Error(), name) {
			t.Errorf("%s=%q: error = %v, want one naming the variable", name, value, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		mention string
	}{
		{"valid", func(*Config) {}, ""},
		{"no homeserver", func(c *Config) { c.HomeserverURL = "" }, "homeserver_url"},
		{"bad homeserver scheme", func(c *Config) { c.HomeserverURL = "ftp://example.org" }, "homeserver_url"},
		{"no reviewer", func(c *Config) { c.Reviewer = "" }, "reviewer"},
		{"malformed reviewer", func(c *Config) { c.Reviewer = "reviewer" }, "reviewer"},
		{"bad tenant", func(c *Config) { c.Tenants = []string{"ok", "-bad"} }, "tenants"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"zero fetch window", func(c *Config) { c.FetchWindow = 0 }, "fetch_window"},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }, "ping_interval"},
		{"identity without sealed file", func(c *Config) { c.AgeIdentityFile = "/keys/relay.txt" }, "sealed_credentials_file"},
		{"sealed file without identity", func(c *Config) { c.SealedCredentialsFile = "/etc/relay/tokens.age" }, "age_identity_file"},
		{"two cursor stores", func(c *Config) {
			c.CursorRedisURL = "redis://localhost:6379/0"
			c.CursorSQLitePath = "/var/lib/review-relay/cursors.db"
		}, "mutually exclusive"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := validConfig()
			test.mutate(config)
			err := config.Validate()
			if test.mention == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.mention) {
				t.Errorf("Validate error = %v, want one mentioning %q", err, test.mention)
			}
		})
	}
}
