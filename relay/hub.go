// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/reviewrelay/lib/clock"
	"github.com/bureau-foundation/reviewrelay/lib/netutil"
	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
)

// Defaults for HubConfig.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// maxFrameSize bounds inbound push frames. Clients only ever send a
	// register frame.
	maxFrameSize = 4096
)

// HubConfig holds configuration for a Hub.
type HubConfig struct {
	// PingInterval is how often the hub pings each channel. A channel
	// that has not answered for two intervals is dropped.
	PingInterval time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// Clock drives the ping ticker. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Hub accepts push channels from tenant clients and routes reply
// notifications to them. Each tenant has at most one registered channel;
// a new registration replaces the old one, and a closing channel only
// deregisters itself if it is still the registered one.
type Hub struct {
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu        sync.Mutex
	registry  map[ref.Tenant]*channel
	connected map[*channel]struct{}
	closed    bool
}

// channel is one accepted websocket connection.
type channel struct {
	id   string
	conn *websocket.Conn

	// tenant is guarded by Hub.mu. Zero until the first register frame.
	tenant ref.Tenant

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewHub returns an empty hub.
func NewHub(config HubConfig) *Hub {
	pingInterval := config.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tenant clients are not browsers and send no Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		clock:        clk,
		logger:       logger,
		registry:     make(map[ref.Tenant]*channel),
		connected:    make(map[*channel]struct{}),
	}
}

// ServeHTTP upgrades the request to a push channel and serves it until
// the connection ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, schema.ErrorResponse{
			Error: "expected a websocket upgrade",
			Hint:  "connect with a websocket client and send a register frame",
		})
		return
	}
	if h.isClosed() {
		writeJSON(w, http.StatusServiceUnavailable, schema.ErrorResponse{Error: "relay is shutting down"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Debug("push channel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ch := &channel{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch.close(websocket.CloseGoingAway, "relay shutting down", h.writeTimeout)
		return
	}
	h.connected[ch] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("push channel opened", "channel", ch.id, "remote", r.RemoteAddr)

	stopPings := make(chan struct{})
	go h.ping(ch, stopPings)

	h.read(ch)

	close(stopPings)
	tenant := h.remove(ch)
	ch.close(websocket.CloseNormalClosure, "", h.writeTimeout)
	h.logger.Debug("push channel closed", "channel", ch.id, "tenant", tenant)
}

// Notify sends a reply notification to tenant's registered channel.
// Returns false when no channel is registered or the write fails.
func (h *Hub) Notify(tenant ref.Tenant) bool {
	h.mu.Lock()
	ch := h.registry[tenant]
	h.mu.Unlock()

	if ch == nil {
		notificationsTotal.WithLabelValues("dropped").Inc()
		h.logger.Debug("no push channel registered, dropping notification", "tenant", tenant)
		return false
	}

	if err := ch.writeFrame(schema.NotificationFrame(tenant.String()), h.writeTimeout); err != nil {
		notificationsTotal.WithLabelValues("failed").Inc()
		h.logger.Warn("delivering notification failed", "tenant", tenant, "channel", ch.id, "error", err)
		// Unblocks the read loop, which deregisters the channel.
		ch.conn.Close()
		return false
	}
	notificationsTotal.WithLabelValues("delivered").Inc()
	h.logger.Info("notification delivered", "tenant", tenant, "channel", ch.id)
	return true
}

// Registered reports whether tenant has a registered channel.
func (h *Hub) Registered(tenant ref.Tenant) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.registry[tenant]
	return ok
}

// Channels counts registered channels.
func (h *Hub) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registry)
}

// Close sends a going-away close frame on every channel, forgets them,
// and refuses new connections. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	channels := make([]*channel, 0, len(h.connected))
	for ch := range h.connected {
		channels = append(channels, ch)
	}
	h.connected = make(map[*channel]struct{})
	h.registry = make(map[ref.Tenant]*channel)
	activeChannels.Set(0)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.close(websocket.CloseGoingAway, "relay shutting down", h.writeTimeout)
	}
	if len(channels) > 0 {
		h.logger.Info("closed push channels", "count", len(channels))
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// read handles inbound frames until the connection fails or closes.
// Malformed frames are logged and skipped.
func (h *Hub) read(ch *channel) {
	conn := ch.conn
	conn.SetReadLimit(maxFrameSize)
	extend := func() { conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				h.logger.Debug("push channel read failed", "channel", ch.id, "error", err)
			}
			return
		}
		extend()

		var frame schema.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("ignoring malformed push frame", "channel", ch.id, "error", err)
			continue
		}
		if frame.Type != schema.FrameTypeRegister {
			h.logger.Warn("ignoring unexpected push frame", "channel", ch.id, "type", frame.Type)
			continue
		}
		tenant, err := ref.ParseTenant(frame.VMUser)
		if err != nil {
			h.logger.Warn("ignoring register frame with invalid vm_user", "channel", ch.id, "error", err)
			continue
		}
		h.register(ch, tenant)
	}
}

func (h *Hub) register(ch *channel, tenant ref.Tenant) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if !ch.tenant.IsZero() && ch.tenant != tenant && h.registry[ch.tenant] == ch {
		delete(h.registry, ch.tenant)
	}
	replaced := h.registry[tenant]
	h.registry[tenant] = ch
	ch.tenant = tenant
	activeChannels.Set(float64(len(h.registry)))
	h.mu.Unlock()

	if replaced != nil && replaced != ch {
		h.logger.Info("push channel registered, replacing previous",
			"tenant", tenant,
			"channel", ch.id,
			"replaced", replaced.id,
		)
		return
	}
	h.logger.Info("push channel registered", "tenant", tenant, "channel", ch.id)
}

// remove forgets ch, deregistering its tenant only if ch is still the
// tenant's registered channel. Returns the tenant ch was bound to.
func (h *Hub) remove(ch *channel) ref.Tenant {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connected, ch)
	if !ch.tenant.IsZero() && h.registry[ch.tenant] == ch {
		delete(h.registry, ch.tenant)
		activeChannels.Set(float64(len(h.registry)))
	}
	return ch.tenant
}

func (h *Hub) ping(ch *channel, stop <-chan struct{}) {
	ticker := h.clock.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *channel) writeFrame(frame schema.Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(frame)
}

// close sends a close frame (best effort) and closes the connection.
func (c *channel) close(code int, text string, timeout time.Duration) {
	c.closeOnce.Do(func() {
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(timeout))
		c.conn.Close()
	})
}
