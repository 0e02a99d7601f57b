// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relayclient is the tenant side of the review relay. It runs
// inside a tenant environment, which holds no chat credentials: it asks
// the relay to send a message on its behalf, waits on a push channel
// for the relay to report a reviewer reply, and then fetches that reply
// over HTTP.
//
// [Ask] drives one question through four phases (send, register, wait,
// fetch) and reports its progress as a sequence of [State] values.
// There are no retries inside an Ask; the caller re-invokes on failure.
//
// [Client] is the lower-level HTTP and push channel client that Ask is
// built on. It mirrors the relay's wire format through lib/schema and
// does not import the relay package.
package relayclient
