// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable identity references used
// across the relay: tenant identities and the Matrix identifiers (user
// IDs, room IDs) that bot sessions operate on.
//
// All constructors validate their inputs and return errors for invalid
// values. Once constructed, a ref is immutable. JSON marshaling uses the
// canonical string form via encoding.TextMarshaler, so refs can appear
// directly in wire types and as map keys.
package ref
