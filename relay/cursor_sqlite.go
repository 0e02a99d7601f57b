// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/sqlitepool"
)

const cursorSchema = `
CREATE TABLE IF NOT EXISTS reply_cursors (
	tenant    TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL
);`

// SQLiteCursors keeps cursors in a local SQLite file. It suits a single
// relay host that has no Redis but must not re-deliver replies after a
// restart.
type SQLiteCursors struct {
	pool *sqlitepool.Pool
}

// NewSQLiteCursors opens (creating if needed) the cursor database at
// path.
func NewSQLiteCursors(path string, logger *slog.Logger) (*SQLiteCursors, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Schema: cursorSchema,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteCursors{pool: pool}, nil
}

// Get returns the tenant's cursor.
func (s *SQLiteCursors) Get(ctx context.Context, tenant ref.Tenant) (int64, bool, error) {
	var value int64
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		value, found, err = selectCursor(conn, tenant)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("reading cursor for %s: %w", tenant, err)
	}
	return value, found, nil
}

// Advance moves the tenant's cursor forward to timestamp. The read and
// the write share one immediate transaction.
func (s *SQLiteCursors) Advance(ctx context.Context, tenant ref.Tenant, timestamp int64) (int64, bool, error) {
	var previous int64
	var existed bool
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		previous, existed, err = selectCursor(conn, tenant)
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			INSERT INTO reply_cursors (tenant, timestamp) VALUES (?, ?)
			ON CONFLICT(tenant) DO UPDATE SET timestamp = max(timestamp, excluded.timestamp)`,
			&sqlitex.ExecOptions{Args: []any{tenant.String(), timestamp}})
	})
	if err != nil {
		return 0, false, fmt.Errorf("advancing cursor for %s: %w", tenant, err)
	}
	return previous, existed, nil
}

// Close closes the database.
func (s *SQLiteCursors) Close() error { return s.pool.Close() }

func selectCursor(conn *sqlite.Conn, tenant ref.Tenant) (int64, bool, error) {
	var value int64
	var found bool
	err := sqlitex.Execute(conn, "SELECT timestamp FROM reply_cursors WHERE tenant = ?", &sqlitex.ExecOptions{
		Args: []any{tenant.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt64(0)
			found = true
			return nil
		},
	})
	return value, found, err
}

var _ CursorStore = (*SQLiteCursors)(nil)
