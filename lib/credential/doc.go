// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential resolves a tenant's chat bot access token on the
// relay host. Tenants never hold these tokens; the relay looks them up by
// tenant identity when it establishes a bot session.
//
// Every [Source] returns tokens in mmap-backed [secret.Buffer] memory.
// Sources are combined with [Chain] in priority order. The relay binary
// builds, from highest to lowest priority:
//
//   - [PipeSource]: a CBOR map piped on stdin by a launcher
//   - [SealedFileSource]: an age-encrypted YAML map on disk
//   - [FileSource]: a plaintext YAML map on disk
//   - [KeyringSource]: the operating system keyring
//   - [EnvSource]: RELAY_BOT_TOKEN_<TENANT> environment variables
//
// [MapSource] serves tests and programmatic callers. [Fingerprint]
// produces a short, non-reversible token identifier safe for logs.
package credential
