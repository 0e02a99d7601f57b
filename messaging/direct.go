// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
)

// DirectRoom returns the direct-message room between the session user
// and peer. The room is looked up in the user's m.direct account data;
// when none is recorded, a trusted private chat is created with peer
// invited and the new room is appended to m.direct. The most recently
// recorded room wins when several exist.
func DirectRoom(ctx context.Context, session Session, peer ref.UserID) (ref.RoomID, error) {
	if peer.IsZero() {
		return ref.RoomID{}, fmt.Errorf("messaging: direct room requires a peer")
	}

	direct, err := loadDirect(ctx, session)
	if err != nil {
		return ref.RoomID{}, err
	}
	rooms := direct[peer.String()]
	for index := len(rooms) - 1; index >= 0; index-- {
		if roomID, err := ref.ParseRoomID(rooms[index]); err == nil {
			return roomID, nil
		}
	}

	created, err := session.CreateRoom(ctx, CreateRoomRequest{
		Preset:   "trusted_private_chat",
		Invite:   []string{peer.String()},
		IsDirect: true,
	})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: creating direct room with %s: %w", peer, err)
	}

	if err := RecordDirectRoom(ctx, session, peer, created.RoomID); err != nil {
		return ref.RoomID{}, err
	}
	return created.RoomID, nil
}

// RecordDirectRoom appends roomID to the session user's m.direct entry
// for peer, making it the room DirectRoom returns. Recording a room that
// is already last is a no-op.
func RecordDirectRoom(ctx context.Context, session Session, peer ref.UserID, roomID ref.RoomID) error {
	direct, err := loadDirect(ctx, session)
	if err != nil {
		return err
	}
	rooms := direct[peer.String()]
	if len(rooms) > 0 && rooms[len(rooms)-1] == roomID.String() {
		return nil
	}
	filtered := rooms[:0:0]
	for _, existing := range rooms {
		if existing != roomID.String() {
			filtered = append(filtered, existing)
		}
	}
	direct[peer.String()] = append(filtered, roomID.String())
	if err := session.SetAccountData(ctx, AccountDataDirect, direct); err != nil {
		return fmt.Errorf("messaging: recording direct room %s: %w", roomID, err)
	}
	return nil
}

func loadDirect(ctx context.Context, session Session) (DirectContent, error) {
	raw, err := session.GetAccountData(ctx, AccountDataDirect)
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return DirectContent{}, nil
		}
		return nil, err
	}
	direct := DirectContent{}
	if err := json.Unmarshal(raw, &direct); err != nil {
		return nil, fmt.Errorf("messaging: parsing %s account data: %w", AccountDataDirect, err)
	}
	return direct, nil
}
