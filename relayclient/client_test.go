// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/reviewrelay/lib/schema"
	"github.com/bureau-foundation/reviewrelay/lib/testutil"
)

func TestNewDerivesPushURL(t *testing.T) {
	tests := []struct {
		base string
		push string
	}{
		{"http://10.0.2.2:3000", "ws://10.0.2.2:3000/"},
		{"https://relay.example:8443/", "wss://relay.example:8443/"},
	}
	for _, test := range tests {
		client, err := New(test.base)
		if err != nil {
			t.Fatalf("New(%q): %v", test.base, err)
		}
		if client.PushURL() != test.push {
			t.Errorf("New(%q).PushURL() = %q, want %q", test.base, client.PushURL(), test.push)
		}
	}

	for _, bad := range []string{"ftp://relay:21", "relay:3000", "http://"} {
		if _, err := New(bad); err == nil {
			t.Errorf("New(%q) succeeded", bad)
		}
	}
}

func TestClientSendAndFetch(t *testing.T) {
	r := startRelay(t, "alpha")
	client := r.client(t)
	ctx := context.Background()

	acknowledgement, err := client.Send(ctx, "alpha", "reviewer", "ready for review")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if acknowledgement != "Message sent to "+r.reviewer {
		t.Errorf("acknowledgement = %q", acknowledgement)
	}

	messages, err := client.Fetch(ctx, "alpha")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Fetch before any reply = %+v", messages)
	}

	r.reply(t, "alpha", "looks good")
	r.reply(t, "alpha", "ship it")
	messages, err = client.Fetch(ctx, "alpha")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "looks good" || messages[1].Content != "ship it" {
		t.Fatalf("Fetch = %+v, want both replies in order", messages)
	}
	if messages[1].Timestamp.Before(messages[0].Timestamp) {
		t.Error("replies out of order")
	}

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" || health.Sessions != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestClientSurfacesRelayErrors(t *testing.T) {
	r := startRelay(t)
	client := r.client(t)

	_, err := client.Send(context.Background(), "ghost", "reviewer", "hi")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Send error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Path != "/message" {
		t.Errorf("status error = %+v", statusErr)
	}
	if !strings.Contains(statusErr.Message, "(") {
		t.Errorf("message %q does not carry the relay's hint", statusErr.Message)
	}

	_, err = client.Fetch(context.Background(), "-alpha")
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Fetch with an invalid identity = %v, want 400", err)
	}
}

// pushServer is a websocket endpoint that records the first frame it
// receives and then sends the given frames.
func pushServer(t *testing.T, registered chan<- schema.Frame, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame schema.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		registered <- frame
		for _, text := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return
			}
		}
		// Hold the connection until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNotificationChannelFiltersFrames(t *testing.T) {
	registered := make(chan schema.Frame, 1)
	notification, _ := json.Marshal(schema.NotificationFrame("alpha"))
	server := pushServer(t, registered,
		`not json`,
		`{"type":"something_else"}`,
		`{"type":"reply_notification","recipient":"beta"}`,
		string(notification),
	)
	client, err := New(server.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	channel, err := client.DialNotifications(context.Background(), "alpha", testLogger())
	if err != nil {
		t.Fatalf("DialNotifications: %v", err)
	}
	defer channel.Close()

	frame := testutil.RequireReceive(t, registered, testTimeout, "waiting for register frame")
	if frame.Type != schema.FrameTypeRegister || frame.VMUser != "alpha" {
		t.Errorf("register frame = %+v", frame)
	}
	testutil.RequireReceive(t, channel.Notified(), testTimeout, "waiting for notification")
	if len(channel.Notified()) != 0 {
		t.Error("a frame for another tenant was delivered")
	}
	if channel.Err() != nil {
		t.Errorf("Err() on an open channel = %v", channel.Err())
	}
}

func TestNotificationChannelLocalCloseIsClean(t *testing.T) {
	registered := make(chan schema.Frame, 1)
	server := pushServer(t, registered)
	client, err := New(server.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	channel, err := client.DialNotifications(context.Background(), "alpha", nil)
	if err != nil {
		t.Fatalf("DialNotifications: %v", err)
	}
	testutil.RequireReceive(t, registered, testTimeout, "waiting for register frame")

	channel.Close()
	channel.Close()
	testutil.RequireClosed(t, channel.Done(), testTimeout, "channel not done after Close")
	if channel.Err() != nil {
		t.Errorf("Err() after local Close = %v, want nil", channel.Err())
	}
}

func TestDialNotificationsReportsRefusal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"relay is shutting down"}`))
	}))
	defer server.Close()
	client, err := New(server.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = client.DialNotifications(context.Background(), "alpha", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("DialNotifications error = %v, want 503", err)
	}
	if statusErr.Message != "relay is shutting down" {
		t.Errorf("message = %q", statusErr.Message)
	}
}
