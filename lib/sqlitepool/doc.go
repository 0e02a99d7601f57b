// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens a small pool of SQLite connections for local
// relay state that must survive restarts on a single host (reply
// cursors when no Redis is available).
//
// It wraps zombiezen.com/go/sqlite. Every connection gets the same
// pragmas:
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=NORMAL: commits survive a process crash, not a power
//     loss. Cursors are advisory, so this is enough.
//   - busy_timeout=5000: writers queue for up to five seconds instead of
//     failing with SQLITE_BUSY.
//
// Callers either borrow a connection with [Pool.Take] and return it with
// [Pool.Put], or use [Pool.Read] and [Pool.Write], which also run the
// callback inside a transaction:
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/review-relay/cursors.db",
//	    Schema: `CREATE TABLE IF NOT EXISTS cursors (...)`,
//	})
//	...
//	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "UPDATE ...", nil)
//	})
package sqlitepool
