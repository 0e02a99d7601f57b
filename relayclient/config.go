// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
)

// Defaults for Config.
const (
	// DefaultRelayHost is the host-side gateway address under QEMU and
	// VirtualBox user-mode networking.
	DefaultRelayHost = "10.0.2.2"

	DefaultRelayPort    = 3000
	DefaultProtocol     = "http"
	DefaultTarget       = "reviewer"
	DefaultReplyTimeout = 30 * time.Minute
)

// Config locates the relay and identifies the tenant.
type Config struct {
	// VMUser is the tenant identity. Required.
	VMUser string

	RelayHost string
	RelayPort int

	// Protocol is "http" or "https". The push channel uses the matching
	// "ws" or "wss" scheme.
	Protocol string

	// Target is the recipient passed to the relay: the reviewer alias
	// or an explicit chat user ID.
	Target string

	// ReplyTimeout bounds the wait for a reviewer reply.
	ReplyTimeout time.Duration
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		RelayHost:    DefaultRelayHost,
		RelayPort:    DefaultRelayPort,
		Protocol:     DefaultProtocol,
		Target:       DefaultTarget,
		ReplyTimeout: DefaultReplyTimeout,
	}
}

// ConfigFromEnvironment starts from DefaultConfig and applies VM_USER
// (falling back to USER), RELAY_HOST, RELAY_PORT, RELAY_PROTOCOL and
// REPLY_TIMEOUT. lookup is normally os.LookupEnv.
func ConfigFromEnvironment(lookup func(string) (string, bool)) (Config, error) {
	config := DefaultConfig()
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	config.VMUser = get("VM_USER")
	if config.VMUser == "" {
		config.VMUser = get("USER")
	}
	if value := get("RELAY_HOST"); value != "" {
		config.RelayHost = value
	}
	if value := get("RELAY_PORT"); value != "" {
		port, err := parsePort(value)
		if err != nil {
			return Config{}, fmt.Errorf("RELAY_PORT: %w", err)
		}
		config.RelayPort = port
	}
	if value := get("RELAY_PROTOCOL"); value != "" {
		config.Protocol = strings.ToLower(value)
	}
	if value := get("REPLY_TIMEOUT"); value != "" {
		timeout, err := ParseTimeout(value)
		if err != nil {
			return Config{}, fmt.Errorf("REPLY_TIMEOUT: %w", err)
		}
		config.ReplyTimeout = timeout
	}
	return config, nil
}

// ParseTimeout accepts a Go duration ("45m", "1h30m") or a bare number
// of seconds ("2700"). The result must be positive.
func ParseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	var timeout time.Duration
	if seconds, err := strconv.Atoi(raw); err == nil {
		timeout = time.Duration(seconds) * time.Second
	} else {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: want a duration like 30m or a number of seconds", raw)
		}
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("timeout %q must be positive", raw)
	}
	return timeout, nil
}

// SetRelay applies a --relay value: "host", "host:port", or a URL with
// an http or https scheme.
func (c *Config) SetRelay(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty relay address")
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing relay URL %q: %w", raw, err)
		}
		if parsed.Path != "" && parsed.Path != "/" {
			return fmt.Errorf("relay URL %q must not have a path", raw)
		}
		c.Protocol = strings.ToLower(parsed.Scheme)
		c.RelayHost = parsed.Hostname()
		switch {
		case parsed.Port() != "":
			port, err := parsePort(parsed.Port())
			if err != nil {
				return fmt.Errorf("relay URL %q: %w", raw, err)
			}
			c.RelayPort = port
		case c.Protocol == "https":
			c.RelayPort = 443
		case c.Protocol == "http":
			c.RelayPort = 80
		}
		return nil
	}

	host, portText, err := net.SplitHostPort(raw)
	if err != nil {
		// No port: the whole value is the host.
		c.RelayHost = strings.Trim(raw, "[]")
		return nil
	}
	port, err := parsePort(portText)
	if err != nil {
		return fmt.Errorf("relay address %q: %w", raw, err)
	}
	c.RelayHost = host
	c.RelayPort = port
	return nil
}

// Validate checks that the configuration can reach a relay.
func (c Config) Validate() error {
	if c.VMUser == "" {
		return ErrMissingIdentity
	}
	if _, err := ref.ParseTenant(c.VMUser); err != nil {
		return fmt.Errorf("vm user: %w", err)
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		return fmt.Errorf("relay protocol %q: must be http or https", c.Protocol)
	}
	if c.RelayHost == "" {
		return fmt.Errorf("relay host is empty")
	}
	if c.RelayPort < 1 || c.RelayPort > 65535 {
		return fmt.Errorf("relay port %d out of range", c.RelayPort)
	}
	if c.Target == "" {
		return fmt.Errorf("target is empty")
	}
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("reply timeout must be positive")
	}
	return nil
}

// BaseURL is the relay's HTTP base URL, e.g. "http://10.0.2.2:3000".
func (c Config) BaseURL() string {
	return c.Protocol + "://" + net.JoinHostPort(c.RelayHost, strconv.Itoa(c.RelayPort))
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return port, nil
}
