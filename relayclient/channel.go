// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/reviewrelay/lib/netutil"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
)

const (
	handshakeTimeout  = 10 * time.Second
	frameWriteTimeout = 10 * time.Second
	maxFrameSize      = 4096
)

// NotificationChannel is a registered push channel. A background reader
// consumes frames until the connection ends.
type NotificationChannel struct {
	conn   *websocket.Conn
	vmUser string
	logger *slog.Logger

	// notified has capacity 1. Repeated notifications before the
	// caller reacts collapse into one.
	notified chan struct{}

	// done is closed when the reader exits. err is written before.
	done chan struct{}
	err  error

	closing   atomic.Bool
	closeOnce sync.Once
}

// DialNotifications opens the push channel and registers it for vmUser.
// The channel is live when this returns: a reply notification sent after
// this point is delivered to Notified. A nil logger discards.
func (client *Client) DialNotifications(ctx context.Context, vmUser string, logger *slog.Logger) (*NotificationChannel, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	header := http.Header{}
	header.Set("User-Agent", client.userAgent)

	conn, response, err := dialer.DialContext(ctx, client.pushURL, header)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return nil, &StatusError{
				Method:     http.MethodGet,
				Path:       "/",
				StatusCode: response.StatusCode,
				Message:    netutil.ErrorBody(response.Body),
			}
		}
		return nil, fmt.Errorf("dialing push channel %s: %w", client.pushURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	frame, err := json.Marshal(schema.RegisterFrame(vmUser))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshaling register frame: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending register frame: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	channel := &NotificationChannel{
		conn:     conn,
		vmUser:   vmUser,
		logger:   logger,
		notified: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go channel.read()
	return channel, nil
}

// Notified receives once for each reply notification addressed to this
// channel's tenant.
func (c *NotificationChannel) Notified() <-chan struct{} {
	return c.notified
}

// Done is closed when the channel has ended, by Close or otherwise.
func (c *NotificationChannel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel ended. Nil while it is open and after a
// local Close; otherwise it wraps ErrChannelClosed.
func (c *NotificationChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a normal close frame and tears down the connection. Safe
// to call more than once and concurrently with the reader.
func (c *NotificationChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(frameWriteTimeout))
		c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *NotificationChannel) read() {
	defer close(c.done)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			if netutil.IsExpectedCloseError(err) {
				c.logger.Debug("push channel closed by relay", "error", err)
			} else {
				c.logger.Warn("push channel failed", "error", err)
			}
			c.err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text push frame", "type", messageType)
			continue
		}
		var frame schema.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("ignoring malformed push frame", "error", err)
			continue
		}
		if frame.Type != schema.FrameTypeReplyNotification {
			c.logger.Debug("ignoring push frame", "type", frame.Type)
			continue
		}
		if frame.Recipient != c.vmUser {
			c.logger.Warn("ignoring notification for another tenant", "recipient", frame.Recipient)
			continue
		}
		select {
		case c.notified <- struct{}{}:
		default:
		}
	}
}
