// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/secret"
)

// FileSource serves tokens from a YAML file mapping tenant identity to
// token:
//
//	alice: syt_YWxpY2U_...
//	bob: syt_Ym9i_...
//
// The file is read once, at construction.
type FileSource struct {
	tokens map[ref.Tenant]*secret.Buffer
}

// LoadFile parses the YAML token map at path.
func LoadFile(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	defer secret.Zero(data)

	tokens, err := parseTokenMap(data)
	if err != nil {
		return nil, fmt.Errorf("credential file %s: %w", path, err)
	}
	return &FileSource{tokens: tokens}, nil
}

// Get returns the token for tenant or nil.
func (s *FileSource) Get(tenant ref.Tenant) *secret.Buffer { return s.tokens[tenant] }

// Tenants returns the tenants in the file, sorted.
func (s *FileSource) Tenants() []ref.Tenant { return sortedTenants(s.tokens) }

// Close releases all buffers.
func (s *FileSource) Close() error {
	closeAll(s.tokens)
	return nil
}

// SealedFileSource serves tokens from an age-encrypted YAML token map.
// The ciphertext may be binary or ASCII-armored. The decrypting identity
// is an age identity file (AGE-SECRET-KEY-1...), itself held in locked
// memory only for the duration of the decrypt.
type SealedFileSource struct {
	tokens map[ref.Tenant]*secret.Buffer
}

// LoadSealedFile decrypts the file at path with the identities in
// identity and parses the plaintext token map.
func LoadSealedFile(path string, identity *secret.Buffer) (*SealedFileSource, error) {
	identities, err := age.ParseIdentities(bytes.NewReader(identity.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed credential file: %w", err)
	}

	var source io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		source = armor.NewReader(bytes.NewReader(bytes.TrimSpace(ciphertext)))
	}
	reader, err := age.Decrypt(source, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	defer secret.Zero(plaintext)

	tokens, err := parseTokenMap(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealed credential file %s: %w", path, err)
	}
	return &SealedFileSource{tokens: tokens}, nil
}

// Get returns the token for tenant or nil.
func (s *SealedFileSource) Get(tenant ref.Tenant) *secret.Buffer { return s.tokens[tenant] }

// Tenants returns the tenants in the file, sorted.
func (s *SealedFileSource) Tenants() []ref.Tenant { return sortedTenants(s.tokens) }

// Close releases all buffers.
func (s *SealedFileSource) Close() error {
	closeAll(s.tokens)
	return nil
}

// parseTokenMap decodes a YAML mapping of tenant to token.
func parseTokenMap(data []byte) (map[ref.Tenant]*secret.Buffer, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing token map: %w", err)
	}
	tokens := make(map[ref.Tenant]*secret.Buffer, len(raw))
	for name, value := range raw {
		if err := addToken(tokens, name, []byte(value)); err != nil {
			closeAll(tokens)
			return nil, err
		}
	}
	return tokens, nil
}
