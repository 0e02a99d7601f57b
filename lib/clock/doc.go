// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time operations the relay and the tenant
// client block on: reply-wait deadlines, sync retry backoff, and push
// channel keepalive ticks.
//
// Production code uses [Real]. Tests use [Fake], whose time moves only
// when [FakeClock.Advance] is called, so a thirty-minute reply timeout
// can be exercised in microseconds. [FakeClock.WaitForTimers] closes the
// race between the code under test registering a timer and the test
// advancing past it.
package clock
