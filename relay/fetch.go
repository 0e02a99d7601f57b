// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"sort"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
	"github.com/bureau-foundation/reviewrelay/messaging"
)

// Fetch returns the reviewer messages in tenant's conversation that are
// newer than the tenant's cursor, oldest first, and advances the cursor
// past them. Messages are delivered at most once: a reply returned here
// is never returned by a later Fetch for the same tenant.
//
// Only the newest FetchWindow events are inspected. A burst of more
// replies than that between two fetches loses the oldest ones.
//
// A tenant with no cursor gets the replies newer than the session's
// history mark, the newest reviewer message that was already in the
// room when the relay first logged the tenant in. Replies that arrived
// between login and the first fetch are therefore returned, while
// conversation history from before the relay started is not. If
// tenants should instead see that history on first contact, drop the
// history mark and use a floor of zero.
func (m *SessionManager) Fetch(ctx context.Context, tenant ref.Tenant) ([]schema.Message, error) {
	bot, err := m.EnsureSession(ctx, tenant)
	if err != nil {
		return nil, err
	}

	response, err := bot.session.RoomMessages(ctx, bot.Room(), messaging.RoomMessagesOptions{
		Direction: "b",
		Limit:     m.fetchWindow,
	})
	if err != nil {
		return nil, m.platformError(bot, KindFetchFailure, err)
	}

	var replies []messaging.Event
	for _, event := range response.Chunk {
		if isReviewerMessage(event, m.reviewer) {
			replies = append(replies, event)
		}
	}
	messages := []schema.Message{}
	if len(replies) == 0 {
		return messages, nil
	}
	sort.SliceStable(replies, func(i, j int) bool {
		return replies[i].OriginServerTS < replies[j].OriginServerTS
	})

	latest := replies[len(replies)-1].OriginServerTS

	// Cursors only move forward, so a cursor already at latest means
	// nothing is new and the store needs no write.
	current, existed, err := m.cursors.Get(ctx, tenant)
	if err != nil {
		return nil, &Error{Kind: KindFetchFailure, Tenant: tenant, Err: fmt.Errorf("reading reply cursor: %w", err)}
	}
	if existed && current >= latest {
		return messages, nil
	}

	previous, existed, err := m.cursors.Advance(ctx, tenant, latest)
	if err != nil {
		return nil, &Error{Kind: KindFetchFailure, Tenant: tenant, Err: fmt.Errorf("advancing reply cursor: %w", err)}
	}
	floor := bot.HistoryMark()
	if existed {
		floor = previous
	}

	for _, event := range replies {
		if event.OriginServerTS <= floor {
			continue
		}
		messages = append(messages, schema.Message{
			Timestamp: event.Timestamp(),
			Author:    event.Sender.String(),
			Content:   event.Body(),
		})
	}
	repliesFetched.Add(float64(len(messages)))
	m.logger.Debug("fetched replies",
		"tenant", tenant,
		"count", len(messages),
		"cursor", max(previous, latest),
	)
	return messages, nil
}
