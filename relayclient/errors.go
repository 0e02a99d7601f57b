// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no reply notification arrived before the reply
	// timeout.
	ErrTimeout = errors.New("timed out waiting for a reply")

	// ErrChannelClosed means the push channel ended before a reply
	// notification arrived.
	ErrChannelClosed = errors.New("push channel closed before a reply arrived")

	// ErrMissingIdentity means no tenant identity was configured.
	ErrMissingIdentity = errors.New("no tenant identity: set VM_USER or pass --vm-user")

	// ErrNoReply means the relay sent a notification but the fetch that
	// followed returned nothing.
	ErrNoReply = errors.New("notified but no new reply")
)

// Phase names the step of an Ask that failed.
type Phase string

const (
	PhaseSend     Phase = "send"
	PhaseRegister Phase = "register"
	PhaseWait     Phase = "wait"
	PhaseFetch    Phase = "fetch"
)

// PhaseError is the error returned by Ask.Run.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
