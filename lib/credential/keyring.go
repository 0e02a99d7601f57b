// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/secret"
)

// KeyringServiceName is the keyring service under which tenant tokens
// are stored, one item per tenant keyed by identity.
const KeyringServiceName = "reviewrelay"

// OpenKeyring opens the platform keyring. fileDir is used by the
// encrypted-file backend on hosts without a secret service; passphrase
// unlocks it.
func OpenKeyring(fileDir, passphrase string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: KeyringServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:          fileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(passphrase),
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringSource serves tokens from a keyring. Lookups are cached in
// locked memory.
type KeyringSource struct {
	Ring keyring.Keyring

	mu    sync.Mutex
	cache map[ref.Tenant]*secret.Buffer
}

// Get returns the token stored for tenant, or nil when absent or the
// keyring is unreadable.
func (s *KeyringSource) Get(tenant ref.Tenant) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer, ok := s.cache[tenant]; ok {
		return buffer
	}

	item, err := s.Ring.Get(tenant.String())
	if err != nil {
		return nil
	}
	if len(item.Data) == 0 {
		return nil
	}
	// Some backends return their stored slice; copy before NewFromBytes
	// zeroes its argument.
	buffer, err := secret.NewFromBytes(append([]byte(nil), item.Data...))
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[ref.Tenant]*secret.Buffer)
	}
	s.cache[tenant] = buffer
	return buffer
}

// Store writes a token for tenant. Used by the relay's provisioning
// flag; the cached copy, if any, is dropped.
func (s *KeyringSource) Store(tenant ref.Tenant, token []byte) error {
	if err := s.Ring.Set(keyring.Item{Key: tenant.String(), Data: token, Label: "review relay bot token: " + tenant.String()}); err != nil {
		return fmt.Errorf("storing token for %s: %w", tenant, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer, ok := s.cache[tenant]; ok {
		buffer.Close()
		delete(s.cache, tenant)
	}
	return nil
}

// Tenants lists the keys present in the keyring.
func (s *KeyringSource) Tenants() []ref.Tenant {
	keys, err := s.Ring.Keys()
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	present := make(map[ref.Tenant]*secret.Buffer, len(keys))
	for _, key := range keys {
		if tenant, err := ref.ParseTenant(key); err == nil {
			present[tenant] = nil
		}
	}
	return sortedTenants(present)
}

// Close releases cached buffers. The keyring itself needs no closing.
func (s *KeyringSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeAll(s.cache)
	return nil
}
