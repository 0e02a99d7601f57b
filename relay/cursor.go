// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
)

// CursorStore holds each tenant's reply cursor: the origin_server_ts of
// the newest reviewer message already delivered. Cursors only move
// forward.
type CursorStore interface {
	// Get returns the tenant's cursor and whether one exists.
	Get(ctx context.Context, tenant ref.Tenant) (int64, bool, error)

	// Advance sets the cursor to max(current, timestamp) in one atomic
	// step and returns the value it replaced. existed is false when the
	// tenant had no cursor, in which case the cursor is created at
	// timestamp.
	Advance(ctx context.Context, tenant ref.Tenant, timestamp int64) (previous int64, existed bool, err error)

	Close() error
}

// MemoryCursors is the default CursorStore. Cursors are lost on restart.
type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[ref.Tenant]int64
}

// NewMemoryCursors returns an empty in-process store.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[ref.Tenant]int64)}
}

// Get returns the tenant's cursor.
func (m *MemoryCursors) Get(_ context.Context, tenant ref.Tenant) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.cursors[tenant]
	return value, ok, nil
}

// Advance moves the tenant's cursor forward to timestamp.
func (m *MemoryCursors) Advance(_ context.Context, tenant ref.Tenant, timestamp int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous, existed := m.cursors[tenant]
	if !existed || timestamp > previous {
		m.cursors[tenant] = timestamp
	}
	return previous, existed, nil
}

// Close is a no-op.
func (m *MemoryCursors) Close() error { return nil }

// RedisCursorPrefix namespaces cursor keys.
const RedisCursorPrefix = "reviewrelay:cursor:"

// advanceScript implements Advance server-side so concurrent relays (or
// concurrent fetches) cannot interleave a read and a write. Returns
// {existed, previous}.
var advanceScript = redis.NewScript(`
local previous = redis.call('GET', KEYS[1])
if previous == false then
  redis.call('SET', KEYS[1], ARGV[1])
  return {0, 0}
end
previous = tonumber(previous)
if tonumber(ARGV[1]) > previous then
  redis.call('SET', KEYS[1], ARGV[1])
end
return {1, previous}
`)

// RedisCursors keeps cursors in Redis so they survive relay restarts.
type RedisCursors struct {
	client *redis.Client
}

// NewRedisCursors connects to the Redis server at url
// (redis://[user:password@]host:port/db) and verifies it with PING.
func NewRedisCursors(ctx context.Context, url string) (*RedisCursors, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisCursors{client: client}, nil
}

// Get returns the tenant's cursor.
func (r *RedisCursors) Get(ctx context.Context, tenant ref.Tenant) (int64, bool, error) {
	value, err := r.client.Get(ctx, RedisCursorPrefix+tenant.String()).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading cursor for %s: %w", tenant, err)
	}
	return value, true, nil
}

// Advance moves the tenant's cursor forward to timestamp.
func (r *RedisCursors) Advance(ctx context.Context, tenant ref.Tenant, timestamp int64) (int64, bool, error) {
	result, err := advanceScript.Run(ctx, r.client, []string{RedisCursorPrefix + tenant.String()}, timestamp).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("advancing cursor for %s: %w", tenant, err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("advancing cursor for %s: unexpected script result %v", tenant, result)
	}
	return result[1], result[0] == 1, nil
}

// Close closes the Redis connection pool.
func (r *RedisCursors) Close() error { return r.client.Close() }

var (
	_ CursorStore = (*MemoryCursors)(nil)
	_ CursorStore = (*RedisCursors)(nil)
)
