// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/reviewrelay/internal/matrixtest"
	"github.com/bureau-foundation/reviewrelay/lib/credential"
	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/secret"
	"github.com/bureau-foundation/reviewrelay/lib/testutil"
	"github.com/bureau-foundation/reviewrelay/messaging"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// botAccount is a tenant's bot user on the fake homeserver.
type botAccount struct {
	userID string
	token  string
}

// fixture is a fake homeserver with a reviewer and one bot per tenant.
type fixture struct {
	homeserver    *matrixtest.Server
	client        *messaging.Client
	reviewer      ref.UserID
	reviewerToken string
	bots          map[ref.Tenant]botAccount
	credentials   *swappableCredentials
	cursors       CursorStore
}

func newFixture(t *testing.T, tenants ...string) *fixture {
	t.Helper()
	homeserver := matrixtest.NewServer(t)
	reviewerID, reviewerToken := homeserver.AddUser("reviewer")

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: homeserver.URL(),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	bots := make(map[ref.Tenant]botAccount)
	tokens := make(map[string]string)
	for _, name := range tenants {
		userID, token := homeserver.AddUser("bot-" + name)
		bots[ref.MustParseTenant(name)] = botAccount{userID: userID, token: token}
		tokens[name] = token
	}

	return &fixture{
		homeserver:    homeserver,
		client:        client,
		reviewer:      ref.MustParseUserID(reviewerID),
		reviewerToken: reviewerToken,
		bots:          bots,
		credentials:   newSwappableCredentials(t, tokens),
		cursors:       NewMemoryCursors(),
	}
}

// newManager returns a session manager over the fixture, closed when the
// test ends. A nil notifier records nothing.
func (f *fixture) newManager(t *testing.T, notifier Notifier) *SessionManager {
	t.Helper()
	manager, err := NewSessionManager(SessionManagerConfig{
		Client:      f.client,
		Credentials: f.credentials,
		Cursors:     f.cursors,
		Notifier:    notifier,
		Reviewer:    f.reviewer,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

// conversation returns tenant's reviewer room, logging in if needed.
func (f *fixture) conversation(t *testing.T, manager *SessionManager, tenant ref.Tenant) string {
	t.Helper()
	bot, err := manager.EnsureSession(context.Background(), tenant)
	if err != nil {
		t.Fatalf("EnsureSession(%s): %v", tenant, err)
	}
	return bot.Room().String()
}

// reply posts body as the reviewer into tenant's conversation, joining
// it first. Returns the event timestamp.
func (f *fixture) reply(t *testing.T, manager *SessionManager, tenant ref.Tenant, body string) int64 {
	t.Helper()
	room := f.conversation(t, manager, tenant)
	if err := f.homeserver.Join(f.reviewer.String(), room); err != nil {
		t.Fatalf("reviewer joining %s: %v", room, err)
	}
	timestamp, err := f.homeserver.Post(room, f.reviewer.String(), body)
	if err != nil {
		t.Fatalf("reviewer posting: %v", err)
	}
	return timestamp
}

// recordingNotifier records every Notify call.
type recordingNotifier struct {
	notified chan ref.Tenant
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notified: make(chan ref.Tenant, 64)}
}

func (n *recordingNotifier) Notify(tenant ref.Tenant) bool {
	select {
	case n.notified <- tenant:
	default:
	}
	return true
}

func (n *recordingNotifier) next(t *testing.T) ref.Tenant {
	t.Helper()
	return testutil.RequireReceive(t, n.notified, testTimeout, "waiting for notification")
}

// swappableCredentials is a credential.Source whose tokens can be
// replaced mid-test, as an operator rotating a bot token would.
type swappableCredentials struct {
	mu      sync.Mutex
	current *credential.MapSource
	retired []*credential.MapSource
}

func newSwappableCredentials(t *testing.T, tokens map[string]string) *swappableCredentials {
	t.Helper()
	credentials := &swappableCredentials{}
	credentials.set(t, tokens)
	t.Cleanup(func() { credentials.Close() })
	return credentials
}

func (s *swappableCredentials) set(t *testing.T, tokens map[string]string) {
	t.Helper()
	source, err := credential.NewMapSource(tokens)
	if err != nil {
		t.Fatalf("NewMapSource: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.retired = append(s.retired, s.current)
	}
	s.current = source
}

func (s *swappableCredentials) Get(tenant ref.Tenant) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Get(tenant)
}

func (s *swappableCredentials) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, source := range s.retired {
		source.Close()
	}
	s.retired = nil
	return s.current.Close()
}

// mustSecret copies value into a secret buffer released when the test
// ends.
func mustSecret(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}
