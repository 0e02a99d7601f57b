// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// ServerConfig holds configuration for the relay server.
type ServerConfig struct {
	// ListenAddress is the TCP address for the HTTP API and push
	// channels (e.g., ":3000").
	ListenAddress string

	// Sessions serves message transmission and fetch. Required.
	Sessions *SessionManager

	// Hub serves push channels. Required. It should also be the
	// Sessions notifier.
	Hub *Hub

	Logger *slog.Logger
}

// Server is the relay's HTTP listener.
type Server struct {
	listenAddress string
	sessions      *SessionManager
	hub           *Hub
	logger        *slog.Logger

	httpServer *http.Server
	listener   net.Listener

	// closeSessions tears down bot sessions during Shutdown.
	closeSessions func()
}

// NewServer creates a server. Call Start to begin listening.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Sessions == nil {
		return nil, fmt.Errorf("relay: Sessions is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("relay: Hub is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listenAddress: config.ListenAddress,
		sessions:      config.Sessions,
		hub:           config.Hub,
		logger:        logger,
		closeSessions: config.Sessions.Close,
		// No read or write timeout: push channels are long-lived, and
		// the hub bounds their frame writes itself.
		httpServer: &http.Server{
			Handler:           NewRouter(config.Sessions, config.Hub, logger),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}, nil
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddress, err)
	}
	s.listener = listener
	s.logger.Info("relay server started", "address", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("relay server error", "error", err)
		}
	}()

	// Notify systemd that we're ready (no-op if not running under systemd)
	notifySystemd("READY=1")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown closes push channels first so tenants see a going-away close
// instead of a reset, then drains HTTP requests, then stops every bot
// session. All of it is bounded by ctx; teardown still running when ctx
// ends is abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay server")
	notifySystemd("STOPPING=1")
	s.hub.Close()
	err := s.httpServer.Shutdown(ctx)

	sessionsClosed := make(chan struct{})
	go func() {
		defer close(sessionsClosed)
		s.closeSessions()
	}()
	select {
	case <-sessionsClosed:
	case <-ctx.Done():
		s.logger.Warn("abandoning bot session teardown", "error", ctx.Err())
		if err == nil {
			err = fmt.Errorf("closing bot sessions: %w", ctx.Err())
		}
	}
	return err
}

// notifySystemd sends a notification to systemd's sd_notify socket.
// Does nothing if NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.Write([]byte(state))
}
