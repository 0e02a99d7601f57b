// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrixtest runs an in-process fake Matrix homeserver for tests.
//
// It implements exactly the client-server endpoints the relay uses:
// whoami, global account data, createRoom, join, send, room messages,
// and /sync with real long-polling. State lives in memory behind one
// mutex. Every event gets a global sequence number, which doubles as
// the /sync since token, and a strictly increasing origin_server_ts.
//
// Test hooks control failure modes: [Server.RevokeToken] makes a token
// fail with M_UNKNOWN_TOKEN, [Server.GateWhoAmI] holds whoami requests
// until released, and [Server.FailSends] rejects sends from a user.
package matrixtest
