// Package store is the hub's single embedded relational store. All
// persistent entities live in one SQLite database file; other components
// talk to it through typed methods and never hold their own connections.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the hub database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the hub database, applies pragmas and runs all
// pending schema migrations.
func Open(dbPath string) (*Store, error) {
	// Pragmas ride on the DSN so the driver applies them to every pooled
	// connection; a db.Exec PRAGMA would reach only one. WAL gives
	// concurrent reads with SQLite's single writer.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open hub db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components that share the hub
// database file (audit ledger, trending store). They must not open their
// own connections.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close shuts down the store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// tsLayout is fixed-width RFC 3339 with nanoseconds. RFC3339Nano strips
// trailing fractional zeros, which breaks the lexical ordering the SQL
// comparisons on these columns rely on.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}

func nullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return formatTime(v)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
