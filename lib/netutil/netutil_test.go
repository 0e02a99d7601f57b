// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestErrorBody(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":"boom"}`, "boom"},
		{`{"error":"no session","hint":"retry later"}`, "no session (retry later)"},
		{"plain text failure", "plain text failure"},
		{`{"other":"shape"}`, `{"other":"shape"}`},
	}
	for _, test := range tests {
		if got := ErrorBody(strings.NewReader(test.body)); got != test.want {
			t.Errorf("ErrorBody(%q) = %q, want %q", test.body, got, test.want)
		}
	}
}

func TestDecodeResponse(t *testing.T) {
	var value struct {
		Success bool `json:"success"`
	}
	if err := DecodeResponse(strings.NewReader(`{"success":true}`), &value); err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if !value.Success {
		t.Error("success not decoded")
	}
	if err := DecodeResponse(strings.NewReader(`{`), &value); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	expected := []error{
		io.EOF,
		fmt.Errorf("read: %w", net.ErrClosed),
		syscall.ECONNRESET,
		&net.OpError{Op: "write", Err: syscall.EPIPE},
		&websocket.CloseError{Code: websocket.CloseGoingAway},
		&websocket.CloseError{Code: websocket.CloseNormalClosure},
	}
	for _, err := range expected {
		if !IsExpectedCloseError(err) {
			t.Errorf("IsExpectedCloseError(%v) = false", err)
		}
	}

	unexpected := []error{
		nil,
		errors.New("tls: bad record MAC"),
		&websocket.CloseError{Code: websocket.CloseProtocolError},
	}
	for _, err := range unexpected {
		if IsExpectedCloseError(err) {
			t.Errorf("IsExpectedCloseError(%v) = true", err)
		}
	}
}
