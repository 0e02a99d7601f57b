// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/99designs/keyring"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/secret"
)

func tokenString(t *testing.T, buffer *secret.Buffer) string {
	t.Helper()
	if buffer == nil {
		return ""
	}
	return buffer.String()
}

func TestEnvSource(t *testing.T) {
	t.Setenv("RELAY_BOT_TOKEN_ALICE", "syt_alice")
	t.Setenv("RELAY_BOT_TOKEN_BUILD_BOT_2", "syt_build")
	t.Setenv("CUSTOM_ALICE", "syt_custom")

	tests := []struct {
		name   string
		source *EnvSource
		tenant string
		want   string
	}{
		{name: "default prefix", source: &EnvSource{}, tenant: "alice", want: "syt_alice"},
		{name: "punctuation folded", source: &EnvSource{}, tenant: "build-bot.2", want: "syt_build"},
		{name: "custom prefix", source: &EnvSource{Prefix: "CUSTOM_"}, tenant: "alice", want: "syt_custom"},
		{name: "missing", source: &EnvSource{}, tenant: "carol", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.source.Close()
			got := tokenString(t, tt.source.Get(ref.MustParseTenant(tt.tenant)))
			if got != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.tenant, got, tt.want)
			}
		})
	}
}

func TestEnvSourceCaches(t *testing.T) {
	t.Setenv("RELAY_BOT_TOKEN_ALICE", "first")
	source := &EnvSource{}
	defer source.Close()

	alice := ref.MustParseTenant("alice")
	first := source.Get(alice)
	os.Setenv("RELAY_BOT_TOKEN_ALICE", "second")
	if second := source.Get(alice); second != first {
		t.Error("second Get returned a different buffer")
	}
	if got := first.String(); got != "first" {
		t.Errorf("cached token = %q, want first", got)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	content := "alice: syt_alice\nbob: syt_bob\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	source, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer source.Close()

	if got := tokenString(t, source.Get(ref.MustParseTenant("bob"))); got != "syt_bob" {
		t.Errorf("bob = %q, want syt_bob", got)
	}
	if source.Get(ref.MustParseTenant("carol")) != nil {
		t.Error("carol should be absent")
	}
	tenants := source.Tenants()
	if len(tenants) != 2 || tenants[0].String() != "alice" || tenants[1].String() != "bob" {
		t.Errorf("Tenants() = %v, want [alice bob]", tenants)
	}
}

func TestFileSourceRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid tenant", content: "\"-bad\": syt_x\n"},
		{name: "empty token", content: "alice: \"\"\n"},
		{name: "not a map", content: "- alice\n- bob\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tokens.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Error("LoadFile succeeded, want error")
			}
		})
	}
}

func sealTokens(t *testing.T, recipient age.Recipient, plaintext string, armored bool) []byte {
	t.Helper()
	var out bytes.Buffer
	var target io.Writer = &out
	var armorWriter io.WriteCloser
	if armored {
		armorWriter = armor.NewWriter(&out)
		target = armorWriter
	}
	writer, err := age.Encrypt(target, recipient)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(writer, plaintext); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	if armorWriter != nil {
		if err := armorWriter.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return out.Bytes()
}

func TestSealedFileSource(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	for _, armored := range []bool{false, true} {
		name := "binary"
		if armored {
			name = "armored"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tokens.age")
			sealed := sealTokens(t, identity.Recipient(), "alice: syt_sealed\n", armored)
			if err := os.WriteFile(path, sealed, 0o600); err != nil {
				t.Fatal(err)
			}

			key, err := secret.NewFromBytes([]byte(identity.String()))
			if err != nil {
				t.Fatal(err)
			}
			defer key.Close()

			source, err := LoadSealedFile(path, key)
			if err != nil {
				t.Fatalf("LoadSealedFile: %v", err)
			}
			defer source.Close()
			if got := tokenString(t, source.Get(ref.MustParseTenant("alice"))); got != "syt_sealed" {
				t.Errorf("alice = %q, want syt_sealed", got)
			}
		})
	}
}

func TestSealedFileSourceWrongIdentity(t *testing.T) {
	owner, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tokens.age")
	if err := os.WriteFile(path, sealTokens(t, owner.Recipient(), "alice: x\n", false), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := secret.NewFromBytes([]byte(stranger.String()))
	if err != nil {
		t.Fatal(err)
	}
	defer key.Close()

	if _, err := LoadSealedFile(path, key); err == nil {
		t.Error("decrypt with the wrong identity succeeded")
	}
}

func TestPipeSource(t *testing.T) {
	payload, err := EncodePipe(map[string]string{"alice": "syt_pipe", "bob": "syt_bob"})
	if err != nil {
		t.Fatal(err)
	}
	source, err := ReadPipe(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("ReadPipe: %v", err)
	}
	defer source.Close()

	if got := tokenString(t, source.Get(ref.MustParseTenant("alice"))); got != "syt_pipe" {
		t.Errorf("alice = %q, want syt_pipe", got)
	}
	if len(source.Tenants()) != 2 {
		t.Errorf("Tenants() = %v, want two entries", source.Tenants())
	}
}

func TestPipeSourceRejectsEmptyAndGarbage(t *testing.T) {
	if _, err := ReadPipe(bytes.NewReader(nil)); err == nil {
		t.Error("empty pipe accepted")
	}
	if _, err := ReadPipe(bytes.NewReader([]byte("not cbor"))); err == nil {
		t.Error("garbage pipe accepted")
	}
}

func TestKeyringSource(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{
		{Key: "alice", Data: []byte("syt_ring")},
	})
	source := &KeyringSource{Ring: ring}
	defer source.Close()

	alice := ref.MustParseTenant("alice")
	if got := tokenString(t, source.Get(alice)); got != "syt_ring" {
		t.Errorf("alice = %q, want syt_ring", got)
	}
	// The keyring's stored copy must survive the lookup.
	item, err := ring.Get("alice")
	if err != nil || string(item.Data) != "syt_ring" {
		t.Errorf("keyring item after Get = %q, %v", item.Data, err)
	}

	bob := ref.MustParseTenant("bob")
	if source.Get(bob) != nil {
		t.Error("bob should be absent")
	}
	if err := source.Store(bob, []byte("syt_stored")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got := tokenString(t, source.Get(bob)); got != "syt_stored" {
		t.Errorf("bob after Store = %q, want syt_stored", got)
	}
	if tenants := source.Tenants(); len(tenants) != 2 {
		t.Errorf("Tenants() = %v, want [alice bob]", tenants)
	}
}

func TestChainPriority(t *testing.T) {
	high, err := NewMapSource(map[string]string{"alice": "high"})
	if err != nil {
		t.Fatal(err)
	}
	low, err := NewMapSource(map[string]string{"alice": "low", "bob": "low-bob"})
	if err != nil {
		t.Fatal(err)
	}
	chain := Chain{high, low, &EnvSource{Prefix: "CHAIN_TEST_UNSET_"}}
	defer chain.Close()

	if got := tokenString(t, chain.Get(ref.MustParseTenant("alice"))); got != "high" {
		t.Errorf("alice = %q, want high", got)
	}
	if got := tokenString(t, chain.Get(ref.MustParseTenant("bob"))); got != "low-bob" {
		t.Errorf("bob = %q, want low-bob", got)
	}
	if chain.Get(ref.MustParseTenant("carol")) != nil {
		t.Error("carol should be absent")
	}
	tenants := chain.Tenants()
	if len(tenants) != 2 || tenants[0].String() != "alice" || tenants[1].String() != "bob" {
		t.Errorf("Tenants() = %v, want [alice bob]", tenants)
	}
}

func TestFingerprint(t *testing.T) {
	first, err := secret.NewFromBytes([]byte("syt_one"))
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := secret.NewFromBytes([]byte("syt_two"))
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	fingerprint := Fingerprint(first)
	if len(fingerprint) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(fingerprint))
	}
	if fingerprint != Fingerprint(first) {
		t.Error("fingerprint is not deterministic")
	}
	if fingerprint == Fingerprint(second) {
		t.Error("distinct tokens share a fingerprint")
	}
}
