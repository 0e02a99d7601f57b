// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/secret"
)

// PipeSource serves tokens delivered as a CBOR map {tenant: token} on a
// one-shot reader, normally stdin. A launcher that decrypts credentials
// elsewhere pipes them in so they never touch the relay host's disk.
// The raw payload is zeroed after parsing.
type PipeSource struct {
	tokens map[ref.Tenant]*secret.Buffer
}

// ReadPipe consumes reader to EOF and parses the payload.
func ReadPipe(reader io.Reader) (*PipeSource, error) {
	payload, err := io.ReadAll(reader)
	defer secret.Zero(payload)
	if err != nil {
		return nil, fmt.Errorf("reading credential pipe: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("credential pipe is empty")
	}

	var raw map[string][]byte
	if err := cbor.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parsing credential pipe: %w", err)
	}
	tokens := make(map[ref.Tenant]*secret.Buffer, len(raw))
	for name, value := range raw {
		if err := addToken(tokens, name, value); err != nil {
			closeAll(tokens)
			return nil, err
		}
	}
	return &PipeSource{tokens: tokens}, nil
}

// EncodePipe produces the payload ReadPipe expects. Launchers and tests
// use it.
func EncodePipe(tokens map[string]string) ([]byte, error) {
	raw := make(map[string][]byte, len(tokens))
	for name, value := range tokens {
		raw[name] = []byte(value)
	}
	return cbor.Marshal(raw)
}

// Get returns the token for tenant or nil.
func (s *PipeSource) Get(tenant ref.Tenant) *secret.Buffer { return s.tokens[tenant] }

// Tenants returns the tenants in the payload, sorted.
func (s *PipeSource) Tenants() []ref.Tenant { return sortedTenants(s.tokens) }

// Close releases all buffers.
func (s *PipeSource) Close() error {
	closeAll(s.tokens)
	return nil
}
