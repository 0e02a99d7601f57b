// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Push channel frame types.
const (
	// FrameTypeRegister binds the sending connection to a tenant.
	FrameTypeRegister = "register"

	// FrameTypeReplyNotification tells a tenant that the reviewer has
	// replied and a fetch will return something.
	FrameTypeReplyNotification = "reply_notification"
)

// TimestampLayout is RFC 3339 with millisecond precision, matching the
// resolution of homeserver timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// SendRequest is the body of POST /message. All three fields are
// required.
type SendRequest struct {
	VMUser  string `json:"vm_user"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// Validate reports the first missing field.
func (r SendRequest) Validate() error {
	switch {
	case r.VMUser == "":
		return fmt.Errorf("missing required field: vm_user")
	case r.Target == "":
		return fmt.Errorf("missing required field: target")
	case r.Message == "":
		return fmt.Errorf("missing required field: message")
	}
	return nil
}

// SendResponse acknowledges a transmitted message.
type SendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Message is one reviewer reply returned by fetch.
type Message struct {
	Timestamp time.Time `json:"-"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
}

type messageJSON struct {
	Timestamp string `json:"timestamp"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

// MarshalJSON renders Timestamp with TimestampLayout in UTC.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		Timestamp: m.Timestamp.UTC().Format(TimestampLayout),
		Author:    m.Author,
		Content:   m.Content,
	})
}

// UnmarshalJSON accepts any RFC 3339 timestamp.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	timestamp, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return fmt.Errorf("message timestamp: %w", err)
	}
	*m = Message{Timestamp: timestamp, Author: raw.Author, Content: raw.Content}
	return nil
}

// ErrorResponse is the body of every non-2xx relay response.
type ErrorResponse struct {
	Error string `json:"error"`
	// Hint tells the caller what to do about the failure, when the relay
	// knows.
	Hint string `json:"hint,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Channels int    `json:"channels"`
}

// Frame is the envelope of every push channel frame. Readers decode into
// Frame and dispatch on Type.
type Frame struct {
	Type      string `json:"type"`
	VMUser    string `json:"vm_user,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// RegisterFrame builds the client's registration frame.
func RegisterFrame(vmUser string) Frame {
	return Frame{Type: FrameTypeRegister, VMUser: vmUser}
}

// NotificationFrame builds the relay's reply notification frame.
func NotificationFrame(recipient string) Frame {
	return Frame{Type: FrameTypeReplyNotification, Recipient: recipient}
}
