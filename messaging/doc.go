// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the slice of the Matrix client-server API the
// review relay needs: token login, direct-message room discovery, message
// send and history reads, and the /sync stream.
//
// [Client] is an unauthenticated handle holding the homeserver URL and HTTP
// transport. [Client.LoginWithToken] validates a bot access token with
// /account/whoami and returns a [DirectSession], which satisfies [Session].
// The session holds its own copy of the token in mmap-backed
// secret.Buffer memory; callers must Close it to zero that copy.
//
// [DirectRoom] finds (or creates and records) the one-to-one room between
// the session user and a peer, following the m.direct account data
// convention. [SyncStream] anchors a position in the /sync stream and
// long-polls forward from it.
//
// Outbound text goes through [NewMarkdownMessage], which keeps the plain
// body and adds an org.matrix.custom.html rendering.
//
// All API errors are returned as [*MatrixError] carrying the Matrix error
// code and HTTP status. [IsMatrixError] tests for a code; [IsAuthError]
// reports whether the access token itself was rejected.
package messaging
