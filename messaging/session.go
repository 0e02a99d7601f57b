// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
)

// Session is the set of Matrix operations the relay performs with a bot
// account. *DirectSession is the production implementation.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID of the bot.
	UserID() ref.UserID

	// Close releases the access token. Idempotent.
	Close() error

	// WhoAmI validates the session and returns the user ID.
	WhoAmI(ctx context.Context) (ref.UserID, error)

	// SendMessage sends an m.room.message event. Returns the event ID.
	SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (string, error)

	// RoomMessages fetches a page of room history.
	RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error)

	// Sync performs one /sync request.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// CreateRoom creates a new room.
	CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error)

	// JoinRoom joins a room the user was invited to.
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)

	// GetAccountData returns the user's global account data of the given
	// type. Missing data is a *MatrixError with code M_NOT_FOUND.
	GetAccountData(ctx context.Context, eventType string) (json.RawMessage, error)

	// SetAccountData replaces the user's global account data of the given type.
	SetAccountData(ctx context.Context, eventType string, content any) error
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
