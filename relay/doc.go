// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the review relay: a host-side process that
// holds one Matrix bot session per tenant and brokers short messages
// between isolated tenant environments and a single human reviewer.
//
// Tenants never see bot credentials. They talk to the relay over plain
// HTTP and one websocket push channel, all on one port:
//
//   - POST /message sends a message to the reviewer through the tenant's
//     bot session ([SessionManager.Send]).
//   - GET /messages/{vm_user} returns reviewer replies the tenant has not
//     yet seen ([SessionManager.Fetch]), tracked by a per-tenant cursor
//     in a [CursorStore].
//   - GET / with a websocket upgrade opens a push channel. The client
//     registers under its tenant identity and the [Hub] pushes a
//     reply_notification frame when the reviewer replies.
//
// Each bot session runs an observer goroutine that long-polls Matrix
// /sync and notifies the Hub when a reviewer message lands in the
// tenant's direct room. Logins are single-flight per tenant and retried
// lazily: a failed or revoked session is replaced on the next send or
// fetch, never by a background loop.
//
// Failures are reported as [*Error] values whose [ErrorKind] determines
// the HTTP status in exactly one place ([ErrorKind.HTTPStatus]).
package relay
