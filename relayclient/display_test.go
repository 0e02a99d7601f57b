// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/reviewrelay/lib/schema"
)

func TestDisplayPlainOutput(t *testing.T) {
	var out, status bytes.Buffer
	display := NewDisplay(&out, &status, false)

	for _, to := range []State{StateSent, StateRegistered, StateWaiting, StateNotified, StateFetched} {
		display.Observe(StateIdle, to)
	}
	display.Reply(&schema.Message{
		Timestamp: time.Unix(1_700_000_000, 0),
		Author:    "@reviewer:example.org",
		Content:   "approved",
	})

	if got := out.String(); got != "@reviewer:example.org: approved\n" {
		t.Errorf("reply output = %q", got)
	}
	if got, want := status.String(), "Message sent.\nWaiting for a reply...\nReply received.\n"; got != want {
		t.Errorf("status output = %q, want %q", got, want)
	}
}

func TestDisplayQuietKeepsErrors(t *testing.T) {
	var out, status bytes.Buffer
	display := NewDisplay(&out, &status, true)

	display.Observe(StateIdle, StateSent)
	display.Error(errors.New("relay unreachable"))

	if got := status.String(); got != "error: relay unreachable\n" {
		t.Errorf("status output = %q", got)
	}
}
