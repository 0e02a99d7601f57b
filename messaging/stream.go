// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
)

// SyncFilter configures what a SyncStream receives from /sync.
// A nil *SyncFilter means all events in all rooms.
type SyncFilter struct {
	// Rooms restricts room data to these rooms. Empty means all rooms.
	Rooms []ref.RoomID

	// TimelineTypes restricts timeline events to these Matrix event types
	// (e.g., "m.room.message"). An empty slice means all timeline types.
	TimelineTypes []string

	// TimelineLimit caps the number of timeline events per room per
	// response. Zero means the server default.
	TimelineLimit int
}

// buildInlineFilter constructs the inline JSON filter string for /sync.
// Presence and account data are always suppressed; room state is never
// needed because invites arrive in invite_state regardless.
func buildInlineFilter(filter *SyncFilter) string {
	roomFilter := map[string]any{
		"state": map[string]any{"types": []string{}},
	}

	if filter != nil {
		if len(filter.Rooms) > 0 {
			rooms := make([]string, len(filter.Rooms))
			for index, roomID := range filter.Rooms {
				rooms[index] = roomID.String()
			}
			roomFilter["rooms"] = rooms
		}

		timeline := map[string]any{}
		if len(filter.TimelineTypes) > 0 {
			timeline["types"] = filter.TimelineTypes
		}
		if filter.TimelineLimit > 0 {
			timeline["limit"] = filter.TimelineLimit
		}
		if len(timeline) > 0 {
			roomFilter["timeline"] = timeline
		}
	}

	top := map[string]any{
		"room":         roomFilter,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}

	data, _ := json.Marshal(top)
	return string(data)
}

// DefaultHoldTime is the server-side long-poll hold for /sync. The
// server returns early as soon as anything matching the filter arrives.
const DefaultHoldTime = 30 * time.Second

// SyncStream tracks a position in the /sync stream. Open one with
// OpenSyncStream, then call Next repeatedly; each call returns only
// events that arrived after the previous call.
//
// SyncStream is not safe for concurrent use. Session.Sync is stateless
// (the position travels as the since parameter), so independent streams
// on one session do not interfere.
type SyncStream struct {
	session   Session
	filter    string
	holdTime  time.Duration
	nextBatch string
}

// OpenSyncStream performs an immediate /sync (timeout=0) to anchor the
// stream and returns that initial response, which carries the recent
// timeline of each room. holdTime of zero uses DefaultHoldTime.
func OpenSyncStream(ctx context.Context, session Session, filter *SyncFilter, holdTime time.Duration) (*SyncStream, *SyncResponse, error) {
	if holdTime <= 0 {
		holdTime = DefaultHoldTime
	}
	inlineFilter := buildInlineFilter(filter)
	response, err := session.Sync(ctx, SyncOptions{
		SetTimeout: true,
		Timeout:    0,
		Filter:     inlineFilter,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: initial sync: %w", err)
	}
	return &SyncStream{
		session:   session,
		filter:    inlineFilter,
		holdTime:  holdTime,
		nextBatch: response.NextBatch,
	}, response, nil
}

// Next long-polls for the next batch. The position only advances on
// success, so a failed call can simply be retried.
func (s *SyncStream) Next(ctx context.Context) (*SyncResponse, error) {
	response, err := s.session.Sync(ctx, SyncOptions{
		Since:      s.nextBatch,
		SetTimeout: true,
		Timeout:    int(s.holdTime / time.Millisecond),
		Filter:     s.filter,
	})
	if err != nil {
		return nil, err
	}
	s.nextBatch = response.NextBatch
	return response, nil
}

// Position returns the current since token.
func (s *SyncStream) Position() string {
	return s.nextBatch
}
