// Package store implements the operational persistence layer over SQLite.
//
// A single writer connection (MaxOpenConns=1) combined with
// _txlock=immediate means every transaction holds the write lock from
// BEGIN, which the device-acquisition protocol and the payment-session
// compare-and-swap depend on. Read-only queries run outside transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store provides typed queries over the operational database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
		"_txlock": []string{"immediate"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer: SQLite serializes writes anyway, and a second
	// connection only buys SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks database connectivity (used by readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// DB exposes the underlying handle for pool diagnostics and for tests
// that need to shape rows the typed API deliberately cannot.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside a transaction that holds the write lock from BEGIN.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// NewID returns a random identifier for new rows.
func NewID() string {
	return uuid.NewString()
}

// NewEventID returns a lexicographically sortable identifier; payment
// sessions use these so provider dashboards list them in creation order.
func NewEventID() string {
	return ulid.Make().String()
}

// Page bounds collection reads.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps Limit to [1,100] (default 50) and Offset to >= 0.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func timePtrFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := timeFromUnix(v.Int64)
	return &t
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strPtrFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtrFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64PtrFromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

// now returns the canonical write timestamp: UTC, second resolution, so
// round-trips through INTEGER columns compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
