// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for relay packages.
//
// [RequireReceive], [RequireSend], [RequireClosed] and
// [RequireEventually] bound every wait in a test with a wall-clock
// timeout so a broken test fails instead of hanging. They are the only
// place tests use real time; code under test takes a clock.Clock.
//
// [UniqueID] generates monotonically increasing identifiers for message
// bodies and tenant names that must be distinguishable in a shared fake
// homeserver.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no dependencies inside this module.
package testutil
