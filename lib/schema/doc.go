// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the wire protocol between the review relay and
// tenant clients: the JSON bodies of the HTTP API and the JSON text
// frames of the push channel. Both sides import these types so field
// names cannot drift.
//
// HTTP:
//
//   - POST /message with [SendRequest], answered by [SendResponse]
//   - GET /messages/{vm_user}, answered by a list of [Message]
//   - GET /health, answered by [HealthResponse]
//   - any failure, answered by [ErrorResponse]
//
// Push channel (websocket on the same port): the client sends one
// register [Frame]; the relay sends a reply_notification [Frame] when
// the reviewer replies.
//
// This package depends on no other packages in this module.
package schema
