// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/reviewrelay/lib/clock"
	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
)

// State is a step of an Ask.
//
//	Idle -> Sent -> Registered -> Waiting -> Notified -> Fetched
//	                                      -> TimedOut
//	                                      -> ChannelClosed
//
// Any step may instead end in Failed.
type State int

const (
	StateIdle State = iota
	StateSent
	StateRegistered
	StateWaiting
	StateNotified
	StateFetched
	StateTimedOut
	StateChannelClosed
	StateFailed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateSent:          "sent",
	StateRegistered:    "registered",
	StateWaiting:       "waiting",
	StateNotified:      "notified",
	StateFetched:       "fetched",
	StateTimedOut:      "timed_out",
	StateChannelClosed: "channel_closed",
	StateFailed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateFetched, StateTimedOut, StateChannelClosed, StateFailed:
		return true
	}
	return false
}

// AskConfig holds the parameters of one Ask.
type AskConfig struct {
	Client *Client

	// VMUser is the asking tenant.
	VMUser string

	// Target is the recipient alias or chat user ID.
	Target string

	Message string

	// Timeout bounds the wait phase. Defaults to DefaultReplyTimeout.
	Timeout time.Duration

	// Clock drives the timeout. Defaults to clock.Real().
	Clock clock.Clock

	// Observer, if set, is called synchronously on every transition.
	Observer func(from, to State)

	Logger *slog.Logger
}

// Ask sends one message and waits for the reviewer's reply. An Ask runs
// once.
type Ask struct {
	client   *Client
	vmUser   string
	target   string
	message  string
	timeout  time.Duration
	clock    clock.Clock
	observer func(from, to State)
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	ran   bool
}

// NewAsk validates config and returns an idle Ask.
func NewAsk(config AskConfig) (*Ask, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("relayclient: Client is required")
	}
	if config.VMUser == "" {
		return nil, ErrMissingIdentity
	}
	if _, err := ref.ParseTenant(config.VMUser); err != nil {
		return nil, fmt.Errorf("vm user: %w", err)
	}
	if config.Target == "" {
		return nil, fmt.Errorf("relayclient: Target is required")
	}
	if config.Message == "" {
		return nil, fmt.Errorf("relayclient: Message is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ask{
		client:   config.Client,
		vmUser:   config.VMUser,
		target:   config.Target,
		message:  config.Message,
		timeout:  timeout,
		clock:    clk,
		observer: config.Observer,
		logger:   logger.With("vm_user", config.VMUser),
	}, nil
}

// State returns the current state.
func (a *Ask) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run sends the message, registers for notifications, waits for a
// reply notification, and fetches. It returns the newest fetched reply.
// Every error is a *PhaseError.
func (a *Ask) Run(ctx context.Context) (*schema.Message, error) {
	a.mu.Lock()
	if a.ran {
		a.mu.Unlock()
		return nil, errors.New("ask already ran")
	}
	a.ran = true
	a.mu.Unlock()

	acknowledgement, err := a.client.Send(ctx, a.vmUser, a.target, a.message)
	if err != nil {
		return nil, a.fail(PhaseSend, err)
	}
	a.logger.Debug("message sent", "target", a.target, "relay", acknowledgement)
	a.transition(StateSent)

	// Registration follows the send, so a reply that lands in between
	// is only seen on the next invocation's fetch.
	channel, err := a.client.DialNotifications(ctx, a.vmUser, a.logger)
	if err != nil {
		return nil, a.fail(PhaseRegister, err)
	}
	defer channel.Close()
	a.transition(StateRegistered)

	timeout := a.clock.After(a.timeout)
	a.transition(StateWaiting)

	outcome, err := a.await(ctx, channel, timeout)
	a.transition(outcome)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseWait, Err: err}
	}

	channel.Close()

	messages, err := a.client.Fetch(ctx, a.vmUser)
	if err != nil {
		return nil, a.fail(PhaseFetch, err)
	}
	if len(messages) == 0 {
		return nil, a.fail(PhaseFetch, ErrNoReply)
	}
	a.transition(StateFetched)
	last := messages[len(messages)-1]
	return &last, nil
}

// notificationSource is the part of a NotificationChannel the wait
// phase reads.
type notificationSource interface {
	Notified() <-chan struct{}
	Done() <-chan struct{}
	Err() error
}

// await blocks until source delivers a notification, source ends, the
// timeout fires, or ctx ends. It returns the state to enter. A
// notification queued before the channel ended still counts: the reader
// queues it before closing Done.
func (a *Ask) await(ctx context.Context, source notificationSource, timeout <-chan time.Time) (State, error) {
	select {
	case <-source.Notified():
		return StateNotified, nil
	case <-timeout:
		return StateTimedOut, fmt.Errorf("%w after %s", ErrTimeout, a.timeout)
	case <-source.Done():
		select {
		case <-source.Notified():
			return StateNotified, nil
		default:
		}
		err := source.Err()
		if err == nil {
			err = ErrChannelClosed
		}
		return StateChannelClosed, err
	case <-ctx.Done():
		return StateFailed, ctx.Err()
	}
}

func (a *Ask) fail(phase Phase, err error) error {
	a.transition(StateFailed)
	return &PhaseError{Phase: phase, Err: err}
}

func (a *Ask) transition(to State) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()
	a.logger.Debug("ask state", "from", from, "to", to)
	if a.observer != nil {
		a.observer(from, to)
	}
}
