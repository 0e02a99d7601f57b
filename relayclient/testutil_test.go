// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/reviewrelay/internal/matrixtest"
	"github.com/bureau-foundation/reviewrelay/lib/credential"
	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/messaging"
	"github.com/bureau-foundation/reviewrelay/relay"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testRelay is a running relay in front of a fake homeserver.
type testRelay struct {
	homeserver *matrixtest.Server
	reviewer   string
	sessions   *relay.SessionManager
	hub        *relay.Hub
	server     *relay.Server
}

// startRelay runs a relay on a loopback port with one bot per tenant.
func startRelay(t *testing.T, tenants ...string) *testRelay {
	t.Helper()
	homeserver := matrixtest.NewServer(t)
	reviewer, _ := homeserver.AddUser("reviewer")

	tokens := make(map[string]string)
	for _, name := range tenants {
		_, token := homeserver.AddUser("bot-" + name)
		tokens[name] = token
	}
	credentials, err := credential.NewMapSource(tokens)
	if err != nil {
		t.Fatalf("NewMapSource: %v", err)
	}
	t.Cleanup(func() { credentials.Close() })

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: homeserver.URL(),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	hub := relay.NewHub(relay.HubConfig{Logger: testLogger()})
	sessions, err := relay.NewSessionManager(relay.SessionManagerConfig{
		Client:      client,
		Credentials: credentials,
		Cursors:     relay.NewMemoryCursors(),
		Notifier:    hub,
		Reviewer:    ref.MustParseUserID(reviewer),
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	server, err := relay.NewServer(relay.ServerConfig{
		ListenAddress: "127.0.0.1:0",
		Sessions:      sessions,
		Hub:           hub,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	return &testRelay{
		homeserver: homeserver,
		reviewer:   reviewer,
		sessions:   sessions,
		hub:        hub,
		server:     server,
	}
}

// client returns a Client pointed at the relay.
func (r *testRelay) client(t *testing.T) *Client {
	t.Helper()
	client, err := New("http://" + r.server.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

// reply posts body as the reviewer into tenant's conversation.
func (r *testRelay) reply(t *testing.T, tenant, body string) {
	t.Helper()
	bot, err := r.sessions.EnsureSession(context.Background(), ref.MustParseTenant(tenant))
	if err != nil {
		t.Fatalf("EnsureSession(%s): %v", tenant, err)
	}
	room := bot.Room().String()
	if err := r.homeserver.Join(r.reviewer, room); err != nil {
		t.Fatalf("reviewer joining %s: %v", room, err)
	}
	if _, err := r.homeserver.Post(room, r.reviewer, body); err != nil {
		t.Fatalf("reviewer posting: %v", err)
	}
}
