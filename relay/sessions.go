// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/reviewrelay/lib/clock"
	"github.com/bureau-foundation/reviewrelay/lib/credential"
	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/messaging"
)

// Notifier receives reply events from session observers. *Hub is the
// production implementation.
type Notifier interface {
	// Notify tells tenant a reviewer reply arrived. Returns whether a
	// notification was actually delivered.
	Notify(tenant ref.Tenant) bool
}

// Defaults for SessionManagerConfig.
const (
	DefaultFetchWindow  = 10
	DefaultLoginTimeout = 30 * time.Second

	// startupConcurrency bounds parallel logins in Start.
	startupConcurrency = 8

	minSyncBackoff = time.Second
	maxSyncBackoff = 30 * time.Second
)

// SessionManagerConfig holds configuration for a SessionManager.
type SessionManagerConfig struct {
	// Client is the Matrix client shared by all bot sessions. Required.
	Client *messaging.Client

	// Credentials resolves each tenant's bot token. Required.
	Credentials credential.Source

	// Cursors stores per-tenant reply cursors. Defaults to MemoryCursors.
	Cursors CursorStore

	// Notifier receives reviewer reply events. May be nil, in which case
	// replies are only visible through Fetch.
	Notifier Notifier

	// Reviewer is the Matrix user every tenant talks to. Required.
	Reviewer ref.UserID

	// ReviewerAliases are target strings that resolve to Reviewer,
	// matched case-insensitively. Defaults to ["reviewer"].
	ReviewerAliases []string

	// FetchWindow is how many recent events Fetch inspects.
	FetchWindow int

	// LoginTimeout bounds one login, including direct room discovery and
	// the initial sync.
	LoginTimeout time.Duration

	// SyncHoldTime is the /sync long-poll hold. Zero uses
	// messaging.DefaultHoldTime.
	SyncHoldTime time.Duration

	// Clock drives observer backoff. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// SessionManager owns one BotSession per tenant.
type SessionManager struct {
	client       *messaging.Client
	credentials  credential.Source
	cursors      CursorStore
	notifier     Notifier
	reviewer     ref.UserID
	aliases      map[string]struct{}
	fetchWindow  int
	loginTimeout time.Duration
	holdTime     time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	// baseContext parents every login and observer so that Close can
	// cancel work no request is waiting on.
	baseContext context.Context
	cancel      context.CancelFunc

	logins    singleflight.Group
	observers sync.WaitGroup

	mu       sync.Mutex
	sessions map[ref.Tenant]*BotSession
	closed   bool
}

// BotSession is a tenant's logged-in bot account and its observer.
type BotSession struct {
	tenant  ref.Tenant
	session messaging.Session

	mu          sync.Mutex
	room        ref.RoomID
	historyMark int64

	dead   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Tenant returns the tenant this session belongs to.
func (b *BotSession) Tenant() ref.Tenant { return b.tenant }

// UserID returns the bot's Matrix user ID.
func (b *BotSession) UserID() ref.UserID { return b.session.UserID() }

// Room returns the tenant's reviewer conversation.
func (b *BotSession) Room() ref.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.room
}

// HistoryMark is the newest reviewer timestamp already in the
// conversation when the tenant's first session logged in.
func (b *BotSession) HistoryMark() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyMark
}

// Live reports whether the session is still usable. A session dies when
// the homeserver rejects its token.
func (b *BotSession) Live() bool { return !b.dead.Load() }

func (b *BotSession) setRoom(roomID ref.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.room = roomID
}

// stop cancels the observer, waits for it, and zeroes the token.
func (b *BotSession) stop() {
	b.cancel()
	<-b.done
	b.session.Close()
}

// NewSessionManager validates config and returns a manager with no
// sessions. Call Start to log in the configured tenants.
func NewSessionManager(config SessionManagerConfig) (*SessionManager, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("relay: Client is required")
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("relay: Credentials is required")
	}
	if config.Reviewer.IsZero() {
		return nil, fmt.Errorf("relay: Reviewer is required")
	}

	cursors := config.Cursors
	if cursors == nil {
		cursors = NewMemoryCursors()
	}
	aliasList := config.ReviewerAliases
	if len(aliasList) == 0 {
		aliasList = []string{"reviewer"}
	}
	aliases := make(map[string]struct{}, len(aliasList))
	for _, alias := range aliasList {
		aliases[strings.ToLower(strings.TrimSpace(alias))] = struct{}{}
	}
	fetchWindow := config.FetchWindow
	if fetchWindow <= 0 {
		fetchWindow = DefaultFetchWindow
	}
	loginTimeout := config.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = DefaultLoginTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseContext, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		client:       config.Client,
		credentials:  config.Credentials,
		cursors:      cursors,
		notifier:     config.Notifier,
		reviewer:     config.Reviewer,
		aliases:      aliases,
		fetchWindow:  fetchWindow,
		loginTimeout: loginTimeout,
		holdTime:     config.SyncHoldTime,
		clock:        clk,
		logger:       logger,
		baseContext:  baseContext,
		cancel:       cancel,
		sessions:     make(map[ref.Tenant]*BotSession),
	}, nil
}

// Start logs in every tenant concurrently and returns how many came up.
// A tenant without a credential is skipped with a warning; any other
// login failure is logged and retried lazily on the tenant's next call.
func (m *SessionManager) Start(ctx context.Context, tenants []ref.Tenant) int {
	var group errgroup.Group
	group.SetLimit(startupConcurrency)
	var ready atomic.Int32
	for _, tenant := range tenants {
		group.Go(func() error {
			if _, err := m.EnsureSession(ctx, tenant); err != nil {
				if KindOf(err) == KindCredentialMissing {
					m.logger.Warn("skipping tenant without a bot credential", "tenant", tenant)
				} else {
					m.logger.Warn("initial login failed, will retry on demand", "tenant", tenant, "error", err)
				}
				return nil
			}
			ready.Add(1)
			return nil
		})
	}
	group.Wait()
	return int(ready.Load())
}

// EnsureSession returns the tenant's live session, logging in if there
// is none. Concurrent callers for one tenant share a single login.
// A caller whose ctx ends stops waiting, but the login itself runs to
// completion under the manager's own context so the other waiters still
// get its result.
func (m *SessionManager) EnsureSession(ctx context.Context, tenant ref.Tenant) (*BotSession, error) {
	if bot := m.liveSession(tenant); bot != nil {
		return bot, nil
	}

	result := m.logins.DoChan(tenant.String(), func() (any, error) {
		if bot := m.liveSession(tenant); bot != nil {
			return bot, nil
		}
		return m.login(tenant)
	})
	select {
	case outcome := <-result:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Val.(*BotSession), nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindServiceUnavailable, Tenant: tenant, Err: fmt.Errorf("waiting for login: %w", ctx.Err())}
	}
}

// LiveSessions counts sessions that are logged in and not dead.
func (m *SessionManager) LiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

func (m *SessionManager) liveCountLocked() int {
	count := 0
	for _, bot := range m.sessions {
		if bot.Live() {
			count++
		}
	}
	return count
}

// Reviewer returns the configured reviewer.
func (m *SessionManager) Reviewer() ref.UserID { return m.reviewer }

// ResolveTarget maps a caller-supplied target to a Matrix user: a
// reviewer alias resolves to the reviewer, a Matrix user ID is used
// as-is, and anything else falls back to the reviewer with a warning.
func (m *SessionManager) ResolveTarget(target string) ref.UserID {
	trimmed := strings.TrimSpace(target)
	if _, ok := m.aliases[strings.ToLower(trimmed)]; ok {
		return m.reviewer
	}
	if userID, err := ref.ParseUserID(trimmed); err == nil {
		return userID
	}
	m.logger.Warn("unrecognised target, sending to the reviewer", "target", target, "reviewer", m.reviewer)
	return m.reviewer
}

// Send posts body to target through tenant's bot, prefixed with the
// tenant identity. Returns the resolved destination.
func (m *SessionManager) Send(ctx context.Context, tenant ref.Tenant, target, body string) (ref.UserID, error) {
	bot, err := m.EnsureSession(ctx, tenant)
	if err != nil {
		messagesSent.WithLabelValues(string(KindOf(err))).Inc()
		return ref.UserID{}, err
	}

	destination := m.ResolveTarget(target)
	roomID := bot.Room()
	if destination != m.reviewer {
		roomID, err = messaging.DirectRoom(ctx, bot.session, destination)
		if err != nil {
			err = m.platformError(bot, KindSendFailure, fmt.Errorf("resolving room for %s: %w", destination, err))
			messagesSent.WithLabelValues(string(KindOf(err))).Inc()
			return ref.UserID{}, err
		}
	}

	content := messaging.NewMarkdownMessage(fmt.Sprintf("[%s] %s", tenant, body))
	eventID, err := bot.session.SendMessage(ctx, roomID, content)
	if err != nil {
		err = m.platformError(bot, KindSendFailure, err)
		messagesSent.WithLabelValues(string(KindOf(err))).Inc()
		return ref.UserID{}, err
	}

	messagesSent.WithLabelValues("ok").Inc()
	m.logger.Info("message relayed",
		"tenant", tenant,
		"destination", destination,
		"room_id", roomID,
		"event_id", eventID,
	)
	return destination, nil
}

// Close stops every observer and closes every session. Logins still in
// flight fail. Idempotent.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*BotSession, 0, len(m.sessions))
	for _, bot := range m.sessions {
		sessions = append(sessions, bot)
	}
	m.sessions = make(map[ref.Tenant]*BotSession)
	m.mu.Unlock()

	m.cancel()
	for _, bot := range sessions {
		bot.stop()
	}
	m.observers.Wait()
	liveSessions.Set(0)
}

func (m *SessionManager) liveSession(tenant ref.Tenant) *BotSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot := m.sessions[tenant]; bot != nil && bot.Live() {
		return bot
	}
	return nil
}

// login establishes a new session for tenant and starts its observer.
// Only called from within the tenant's singleflight.
func (m *SessionManager) login(tenant ref.Tenant) (*BotSession, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, newError(KindServiceUnavailable, tenant, "relay is shutting down")
	}

	bot, stream, initial, err := m.connect(tenant)
	if err != nil {
		loginsTotal.WithLabelValues(string(KindOf(err))).Inc()
		return nil, err
	}

	observerContext, cancel := context.WithCancel(m.baseContext)
	bot.cancel = cancel
	bot.done = make(chan struct{})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		bot.session.Close()
		loginsTotal.WithLabelValues(string(KindServiceUnavailable)).Inc()
		return nil, newError(KindServiceUnavailable, tenant, "relay is shutting down")
	}
	previous := m.sessions[tenant]
	if previous != nil && previous.HistoryMark() < bot.historyMark {
		// Keep the earlier mark so replies that arrived while the old
		// session was dead are still new to a tenant with no cursor.
		bot.historyMark = previous.HistoryMark()
	}
	m.sessions[tenant] = bot
	m.observers.Add(1)
	liveSessions.Set(float64(m.liveCountLocked()))
	m.mu.Unlock()

	if previous != nil {
		previous.stop()
	}

	go func() {
		defer m.observers.Done()
		defer close(bot.done)
		m.observe(observerContext, bot, stream, initial)
	}()

	loginsTotal.WithLabelValues("ok").Inc()
	m.logger.Info("bot session ready",
		"tenant", tenant,
		"user_id", bot.UserID(),
		"room_id", bot.Room(),
		"history_mark", bot.historyMark,
	)
	return bot, nil
}

// connect logs in, resolves the reviewer conversation and anchors the
// sync stream.
func (m *SessionManager) connect(tenant ref.Tenant) (*BotSession, *messaging.SyncStream, *messaging.SyncResponse, error) {
	token := m.credentials.Get(tenant)
	if token == nil {
		return nil, nil, nil, newError(KindCredentialMissing, tenant, "no bot credential configured")
	}

	ctx, cancel := context.WithTimeout(m.baseContext, m.loginTimeout)
	defer cancel()

	m.logger.Debug("logging in bot", "tenant", tenant, "token_fingerprint", credential.Fingerprint(token))
	session, err := m.client.LoginWithToken(ctx, token)
	if err != nil {
		return nil, nil, nil, &Error{Kind: classifyLoginError(err), Tenant: tenant, Err: err}
	}

	roomID, err := messaging.DirectRoom(ctx, session, m.reviewer)
	if err != nil {
		session.Close()
		return nil, nil, nil, &Error{Kind: classifyLoginError(err), Tenant: tenant, Err: fmt.Errorf("resolving reviewer conversation: %w", err)}
	}

	filter := &messaging.SyncFilter{
		TimelineTypes: []string{messaging.EventTypeMessage},
		TimelineLimit: m.fetchWindow,
	}
	stream, initial, err := messaging.OpenSyncStream(ctx, session, filter, m.holdTime)
	if err != nil {
		session.Close()
		return nil, nil, nil, &Error{Kind: classifyLoginError(err), Tenant: tenant, Err: err}
	}

	bot := &BotSession{
		tenant:      tenant,
		session:     session,
		room:        roomID,
		historyMark: newestReviewerTimestamp(initial.Rooms.Join[roomID].Timeline.Events, m.reviewer),
	}
	return bot, stream, initial, nil
}

// classifyLoginError separates rejected credentials from an unreachable
// or failing homeserver.
func classifyLoginError(err error) ErrorKind {
	if messaging.IsAuthError(err) || messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
		return KindAuthFailure
	}
	return KindServiceUnavailable
}

// platformError classifies a failure of an established session. A
// rejected token kills the session so the next call logs in again.
func (m *SessionManager) platformError(bot *BotSession, kind ErrorKind, err error) error {
	if messaging.IsAuthError(err) {
		m.markDead(bot, err)
		return &Error{Kind: KindAuthFailure, Tenant: bot.tenant, Err: err}
	}
	return &Error{Kind: kind, Tenant: bot.tenant, Err: err}
}

func (m *SessionManager) markDead(bot *BotSession, err error) {
	if bot.dead.CompareAndSwap(false, true) {
		m.mu.Lock()
		liveSessions.Set(float64(m.liveCountLocked()))
		m.mu.Unlock()
		m.logger.Warn("bot token rejected, session will log in again on next use",
			"tenant", bot.tenant,
			"error", err,
		)
	}
}

// observe follows the sync stream until ctx ends or the token is
// rejected, auto-joining reviewer invites and notifying on reviewer
// messages in the conversation room.
func (m *SessionManager) observe(ctx context.Context, bot *BotSession, stream *messaging.SyncStream, initial *messaging.SyncResponse) {
	m.joinReviewerInvites(ctx, bot, initial)

	var backoff time.Duration
	for {
		response, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			syncErrors.Inc()
			if messaging.IsAuthError(err) {
				m.markDead(bot, err)
				return
			}
			backoff = nextBackoff(backoff)
			m.logger.Warn("sync failed, backing off",
				"tenant", bot.tenant,
				"delay", backoff,
				"error", err,
			)
			if closer, ok := bot.session.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
			select {
			case <-m.clock.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		m.joinReviewerInvites(ctx, bot, response)
		m.dispatchReplies(bot, response)
	}
}

// dispatchReplies notifies once per reviewer message in the tenant's
// conversation room.
func (m *SessionManager) dispatchReplies(bot *BotSession, response *messaging.SyncResponse) {
	joined, ok := response.Rooms.Join[bot.Room()]
	if !ok {
		return
	}
	for _, event := range joined.Timeline.Events {
		if !isReviewerMessage(event, m.reviewer) {
			continue
		}
		delivered := false
		if m.notifier != nil {
			delivered = m.notifier.Notify(bot.tenant)
		}
		m.logger.Info("reviewer replied",
			"tenant", bot.tenant,
			"event_id", event.EventID,
			"notified", delivered,
		)
	}
}

// joinReviewerInvites accepts invites sent by the reviewer. A direct
// invite becomes the tenant's conversation room.
func (m *SessionManager) joinReviewerInvites(ctx context.Context, bot *BotSession, response *messaging.SyncResponse) {
	for roomID, invited := range response.Rooms.Invite {
		direct, fromReviewer := false, false
		for _, event := range invited.InviteState.Events {
			if event.Type != messaging.EventTypeMember || event.StateKey == nil || *event.StateKey != bot.UserID().String() {
				continue
			}
			if event.Sender == m.reviewer {
				fromReviewer = true
				direct, _ = event.Content["is_direct"].(bool)
			}
		}
		if !fromReviewer {
			m.logger.Debug("ignoring invite not sent by the reviewer", "tenant", bot.tenant, "room_id", roomID)
			continue
		}

		if _, err := bot.session.JoinRoom(ctx, roomID); err != nil {
			m.logger.Warn("joining reviewer invite failed", "tenant", bot.tenant, "room_id", roomID, "error", err)
			continue
		}
		m.logger.Info("joined reviewer invite", "tenant", bot.tenant, "room_id", roomID, "direct", direct)
		if !direct {
			continue
		}
		if err := messaging.RecordDirectRoom(ctx, bot.session, m.reviewer, roomID); err != nil {
			m.logger.Warn("recording reviewer direct room failed", "tenant", bot.tenant, "room_id", roomID, "error", err)
		}
		bot.setRoom(roomID)
	}
}

func isReviewerMessage(event messaging.Event, reviewer ref.UserID) bool {
	return event.Type == messaging.EventTypeMessage && event.Sender == reviewer
}

func newestReviewerTimestamp(events []messaging.Event, reviewer ref.UserID) int64 {
	var newest int64
	for _, event := range events {
		if isReviewerMessage(event, reviewer) && event.OriginServerTS > newest {
			newest = event.OriginServerTS
		}
	}
	return newest
}

func nextBackoff(current time.Duration) time.Duration {
	if current < minSyncBackoff {
		return minSyncBackoff
	}
	next := current * 2
	if next > maxSyncBackoff {
		return maxSyncBackoff
	}
	return next
}
