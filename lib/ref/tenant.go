// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxTenantLength bounds tenant identities. Identities appear in
// environment variable names, Redis keys, log lines and message
// prefixes, so they are kept short.
const maxTenantLength = 64

// Tenant identifies one isolated execution environment. Every tenant
// is bound to exactly one chat bot identity on the relay host; the
// tenant itself never sees that bot's credential.
//
// Tenant is an immutable value type. The zero value is not valid;
// use IsZero to check.
type Tenant struct {
	name string
}

// ParseTenant validates a raw tenant identity. Valid identities are
// 1-64 characters from [A-Za-z0-9._-] and do not start with '.' or '-'.
func ParseTenant(raw string) (Tenant, error) {
	if raw == "" {
		return Tenant{}, fmt.Errorf("empty tenant identity")
	}
	if len(raw) > maxTenantLength {
		return Tenant{}, fmt.Errorf("tenant identity %q exceeds %d characters", raw, maxTenantLength)
	}
	if raw[0] == '.' || raw[0] == '-' {
		return Tenant{}, fmt.Errorf("tenant identity %q must not start with %q", raw, raw[0])
	}
	for index := 0; index < len(raw); index++ {
		if !isTenantByte(raw[index]) {
			return Tenant{}, fmt.Errorf("tenant identity %q contains invalid character %q at offset %d", raw, raw[index], index)
		}
	}
	return Tenant{name: raw}, nil
}

// MustParseTenant is like ParseTenant but panics on error. Use in tests
// and static initialization where the input is known-valid.
func MustParseTenant(raw string) Tenant {
	tenant, err := ParseTenant(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseTenant(%q): %v", raw, err))
	}
	return tenant
}

// ParseTenantList parses a comma-separated list of tenant identities,
// ignoring blank entries and duplicates. Order is preserved.
func ParseTenantList(raw string) ([]Tenant, error) {
	var tenants []Tenant
	seen := make(map[Tenant]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenant, err := ParseTenant(part)
		if err != nil {
			return nil, err
		}
		if seen[tenant] {
			continue
		}
		seen[tenant] = true
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// String returns the tenant identity.
func (t Tenant) String() string { return t.name }

// IsZero reports whether the Tenant is the zero value.
func (t Tenant) IsZero() bool { return t.name == "" }

// EnvSuffix returns the identity in environment variable form:
// upper-cased, with '.' and '-' replaced by '_'. "dev-alice" becomes
// "DEV_ALICE".
func (t Tenant) EnvSuffix() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '-':
			return '_'
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return r
	}, t.name)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tenant) MarshalText() ([]byte, error) {
	return []byte(t.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value so that "missing" can be detected by callers
// that need to distinguish it from "malformed".
func (t *Tenant) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = Tenant{}
		return nil
	}
	parsed, err := ParseTenant(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func isTenantByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	}
	return false
}
