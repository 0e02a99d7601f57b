// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
)

// ErrorKind classifies relay failures. The kind, not the message,
// decides the HTTP status and whether the caller should retry.
type ErrorKind string

const (
	// KindBadRequest is malformed input. Never retried.
	KindBadRequest ErrorKind = "bad_request"

	// KindCredentialMissing means no bot token is configured for the
	// tenant on the relay host.
	KindCredentialMissing ErrorKind = "credential_missing"

	// KindAuthFailure means the homeserver rejected the tenant's token.
	// The next call attempts a fresh login.
	KindAuthFailure ErrorKind = "auth_failure"

	// KindSendFailure means the homeserver rejected an outbound message.
	KindSendFailure ErrorKind = "send_failure"

	// KindFetchFailure means reading the conversation history failed.
	KindFetchFailure ErrorKind = "fetch_failure"

	// KindServiceUnavailable means a session could not be established
	// for a reason other than credentials (homeserver down, timeout).
	KindServiceUnavailable ErrorKind = "service_unavailable"
)

// HTTPStatus maps the kind to the response status.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindCredentialMissing, KindAuthFailure, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Hint is the caller-facing advice returned alongside the error, or "".
func (k ErrorKind) Hint() string {
	switch k {
	case KindCredentialMissing:
		return "no bot credential is configured for this tenant on the relay host; ask the operator to add one"
	case KindAuthFailure:
		return "the bot credential was rejected; retry after the operator refreshes it"
	case KindServiceUnavailable:
		return "the chat platform is unreachable; retry in 30 seconds"
	}
	return ""
}

// Error is a classified relay failure.
type Error struct {
	Kind   ErrorKind
	Tenant ref.Tenant
	Err    error
}

func (e *Error) Error() string {
	if e.Tenant.IsZero() {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (tenant %s): %v", e.Kind, e.Tenant, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, defaulting to KindServiceUnavailable
// for unclassified errors.
func KindOf(err error) ErrorKind {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return KindServiceUnavailable
}

func newError(kind ErrorKind, tenant ref.Tenant, format string, args ...any) *Error {
	return &Error{Kind: kind, Tenant: tenant, Err: fmt.Errorf(format, args...)}
}
