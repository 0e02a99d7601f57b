// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP response reads and connection
// teardown classification shared by the Matrix client, the relay's push
// channel, and the tenant client.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response bodies at 16 MB. Relay and
// homeserver responses are a few kilobytes; the bound exists only to
// stop a misbehaving peer from exhausting memory.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads at most MaxResponseSize bytes of body.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded JSON body into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody extracts a diagnostic message from an error response. A JSON
// {"error": "..."} envelope yields its message (with the hint appended
// when present); anything else is returned verbatim.
func ErrorBody(body io.Reader) string {
	data, _ := ReadResponse(body)
	var envelope struct {
		Error string `json:"error"`
		Hint  string `json:"hint"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
		if envelope.Hint != "" {
			return envelope.Error + " (" + envelope.Hint + ")"
		}
		return envelope.Error
	}
	return string(data)
}
