// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/reviewrelay/lib/clock"
	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
	"github.com/bureau-foundation/reviewrelay/lib/testutil"
)

func newTestHub(t *testing.T, config HubConfig) (*Hub, string) {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	hub := NewHub(config)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func registerTenant(t *testing.T, hub *Hub, conn *websocket.Conn, tenant string) {
	t.Helper()
	if err := conn.WriteJSON(schema.RegisterFrame(tenant)); err != nil {
		t.Fatalf("writing register frame: %v", err)
	}
	testutil.RequireEventually(t, func() bool { return hub.Registered(ref.MustParseTenant(tenant)) },
		testTimeout, "registration of %s", tenant)
}

// registeredChannel returns the channel currently routed for tenant.
func registeredChannel(hub *Hub, tenant ref.Tenant) *channel {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.registry[tenant]
}

func connectedCount(hub *Hub) int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.connected)
}

func readFrame(t *testing.T, conn *websocket.Conn) schema.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	var frame schema.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func TestHubDeliversNotification(t *testing.T) {
	hub, url := newTestHub(t, HubConfig{})
	conn := dialHub(t, url)
	registerTenant(t, hub, conn, "alpha")

	if !hub.Notify(ref.MustParseTenant("alpha")) {
		t.Fatal("Notify reported no delivery")
	}
	frame := readFrame(t, conn)
	if frame.Type != schema.FrameTypeReplyNotification || frame.Recipient != "alpha" {
		t.Errorf("frame = %+v, want reply_notification for alpha", frame)
	}
	if hub.Channels() != 1 {
		t.Errorf("Channels = %d, want 1", hub.Channels())
	}
}

func TestHubDropsNotificationWithoutChannel(t *testing.T) {
	hub, url := newTestHub(t, HubConfig{})
	conn := dialHub(t, url)
	registerTenant(t, hub, conn, "alpha")

	if hub.Notify(ref.MustParseTenant("beta")) {
		t.Error("Notify for an unregistered tenant reported delivery")
	}
}

func TestHubLastRegistrationWins(t *testing.T) {
	hub, url := newTestHub(t, HubConfig{})
	alpha := ref.MustParseTenant("alpha")

	stale := dialHub(t, url)
	registerTenant(t, hub, stale, "alpha")
	staleChannel := registeredChannel(hub, alpha)

	fresh := dialHub(t, url)
	if err := fresh.WriteJSON(schema.RegisterFrame("alpha")); err != nil {
		t.Fatalf("writing register frame: %v", err)
	}
	testutil.RequireEventually(t, func() bool { return registeredChannel(hub, alpha) != staleChannel },
		testTimeout, "re-registration")

	// The stale channel closing must not remove the fresh registration.
	stale.Close()
	testutil.RequireEventually(t, func() bool { return connectedCount(hub) == 1 },
		testTimeout, "stale channel cleanup")
	if !hub.Registered(alpha) {
		t.Fatal("closing the stale channel removed the fresh registration")
	}

	if !hub.Notify(alpha) {
		t.Fatal("Notify reported no delivery")
	}
	if frame := readFrame(t, fresh); frame.Recipient != "alpha" {
		t.Errorf("fresh channel got %+v", frame)
	}

	fresh.Close()
	testutil.RequireEventually(t, func() bool { return !hub.Registered(alpha) },
		testTimeout, "deregistration after the fresh channel closes")
}

func TestHubMovesChannelBetweenTenants(t *testing.T) {
	hub, url := newTestHub(t, HubConfig{})
	conn := dialHub(t, url)
	registerTenant(t, hub, conn, "alpha")
	registerTenant(t, hub, conn, "beta")

	if hub.Registered(ref.MustParseTenant("alpha")) {
		t.Error("channel still registered for its previous tenant")
	}
	if hub.Channels() != 1 {
		t.Errorf("Channels = %d, want 1", hub.Channels())
	}
}

func TestHubIgnoresInvalidFrames(t *testing.T) {
	hub, url := newTestHub(t, HubConfig{})
	conn := dialHub(t, url)

	for _, frame := range []string{
		`not json`,
		`{"type":"subscribe","vm_user":"alpha"}`,
		`{"type":"register","vm_user":"../etc"}`,
		`{"type":"register"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("writing %q: %v", frame, err)
		}
	}
	// The connection survives and a valid frame still registers.
	registerTenant(t, hub, conn, "alpha")
	if hub.Channels() != 1 {
		t.Errorf("Channels = %d, want 1", hub.Channels())
	}
}

func TestHubCloseSendsGoingAway(t *testing.T) {
	hub, url := newTestHub(t, HubConfig{})
	conn := dialHub(t, url)
	registerTenant(t, hub, conn, "alpha")

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read after Close = %v, want a going-away close", err)
	}
	if hub.Registered(ref.MustParseTenant("alpha")) || hub.Channels() != 0 {
		t.Error("registrations survived Close")
	}
	if hub.Notify(ref.MustParseTenant("alpha")) {
		t.Error("Notify after Close reported delivery")
	}

	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial after Close succeeded")
	}
	if response == nil || response.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("dial after Close response = %v, want 503", response)
	}
}

func TestHubRejectsPlainRequests(t *testing.T) {
	hub, _ := newTestHub(t, HubConfig{})
	recorder := httptest.NewRecorder()
	hub.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
}

func TestHubPingsOnClockTicks(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	hub, url := newTestHub(t, HubConfig{Clock: fakeClock, PingInterval: time.Minute})
	conn := dialHub(t, url)
	registerTenant(t, hub, conn, "alpha")

	pings := make(chan struct{}, 4)
	conn.SetPingHandler(func(data string) error {
		pings <- struct{}{}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Minute)
	testutil.RequireReceive(t, pings, testTimeout, "ping after one interval")
}
