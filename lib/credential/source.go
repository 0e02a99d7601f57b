// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/secret"
)

// Source looks up bot tokens by tenant. Get returns nil when the source
// has no token for the tenant. Returned buffers are owned by the source
// and remain valid until Close.
type Source interface {
	Get(tenant ref.Tenant) *secret.Buffer
	Close() error
}

// Lister is implemented by sources that know their full tenant set.
// The relay logs those tenants in at startup alongside the configured
// list.
type Lister interface {
	Tenants() []ref.Tenant
}

// DefaultEnvPrefix is prepended to a tenant's EnvSuffix to form the
// environment variable holding its token.
const DefaultEnvPrefix = "RELAY_BOT_TOKEN_"

// EnvSource reads tokens from environment variables. Values are copied
// into locked memory on first access and cached. Environment variables
// are visible in /proc/<pid>/environ; prefer a file or pipe source in
// production.
type EnvSource struct {
	// Prefix defaults to DefaultEnvPrefix when empty.
	Prefix string

	mu    sync.Mutex
	cache map[ref.Tenant]*secret.Buffer
}

// Get returns the token for tenant, or nil when the variable is unset.
func (s *EnvSource) Get(tenant ref.Tenant) *secret.Buffer {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer, ok := s.cache[tenant]; ok {
		return buffer
	}

	value := os.Getenv(prefix + tenant.EnvSuffix())
	if value == "" {
		return nil
	}
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[ref.Tenant]*secret.Buffer)
	}
	s.cache[tenant] = buffer
	return buffer
}

// Close releases cached buffers.
func (s *EnvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeAll(s.cache)
	return nil
}

// MapSource serves a fixed set of tokens. Immutable after construction.
type MapSource struct {
	tokens map[ref.Tenant]*secret.Buffer
}

// NewMapSource copies values into locked memory.
func NewMapSource(values map[string]string) (*MapSource, error) {
	tokens := make(map[ref.Tenant]*secret.Buffer, len(values))
	for name, value := range values {
		if err := addToken(tokens, name, []byte(value)); err != nil {
			closeAll(tokens)
			return nil, err
		}
	}
	return &MapSource{tokens: tokens}, nil
}

// Get returns the token for tenant or nil.
func (s *MapSource) Get(tenant ref.Tenant) *secret.Buffer { return s.tokens[tenant] }

// Tenants returns the tenants in the map, sorted.
func (s *MapSource) Tenants() []ref.Tenant { return sortedTenants(s.tokens) }

// Close releases all buffers.
func (s *MapSource) Close() error {
	closeAll(s.tokens)
	return nil
}

// Chain consults sources in order and returns the first hit.
type Chain []Source

// Get returns the first non-nil token.
func (c Chain) Get(tenant ref.Tenant) *secret.Buffer {
	for _, source := range c {
		if buffer := source.Get(tenant); buffer != nil {
			return buffer
		}
	}
	return nil
}

// Tenants returns the union of all listing sources' tenants, sorted.
func (c Chain) Tenants() []ref.Tenant {
	seen := make(map[ref.Tenant]*secret.Buffer)
	for _, source := range c {
		lister, ok := source.(Lister)
		if !ok {
			continue
		}
		for _, tenant := range lister.Tenants() {
			seen[tenant] = nil
		}
	}
	return sortedTenants(seen)
}

// Close closes every source.
func (c Chain) Close() error {
	var firstErr error
	for _, source := range c {
		if err := source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Fingerprint identifies a token in logs: the first 8 bytes of its
// BLAKE3 hash, hex-encoded.
func Fingerprint(token *secret.Buffer) string {
	sum := blake3.Sum256(token.Bytes())
	return hex.EncodeToString(sum[:8])
}

func addToken(tokens map[ref.Tenant]*secret.Buffer, name string, value []byte) error {
	tenant, err := ref.ParseTenant(name)
	if err != nil {
		return fmt.Errorf("credential entry: %w", err)
	}
	if len(value) == 0 {
		return fmt.Errorf("credential entry %q: empty token", name)
	}
	buffer, err := secret.NewFromBytes(value)
	if err != nil {
		return fmt.Errorf("credential entry %q: %w", name, err)
	}
	if previous, ok := tokens[tenant]; ok {
		previous.Close()
	}
	tokens[tenant] = buffer
	return nil
}

func closeAll(tokens map[ref.Tenant]*secret.Buffer) {
	for tenant, buffer := range tokens {
		buffer.Close()
		delete(tokens, tenant)
	}
}

func sortedTenants(tokens map[ref.Tenant]*secret.Buffer) []ref.Tenant {
	tenants := make([]ref.Tenant, 0, len(tokens))
	for tenant := range tokens {
		tenants = append(tenants, tenant)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].String() < tenants[j].String() })
	return tenants
}

var (
	_ Source = (*EnvSource)(nil)
	_ Source = (*MapSource)(nil)
	_ Source = Chain(nil)
	_ Source = (*FileSource)(nil)
	_ Source = (*SealedFileSource)(nil)
	_ Source = (*PipeSource)(nil)
	_ Source = (*KeyringSource)(nil)
	_ Lister = Chain(nil)
)
