// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds bot access tokens and key material outside the
// Go heap.
//
// [Buffer] memory is an anonymous mmap region, locked with mlock so it
// is never swapped and marked MADV_DONTDUMP so it never lands in a core
// dump. Close zeroes, unlocks and unmaps it. Tokens are copied out of a
// Buffer (via [Buffer.String]) only at the HTTP boundary where the
// Authorization header is built.
//
// Depends on golang.org/x/sys/unix.
package secret
