// Package sqlite implements the store driver on SQLite.
//
// SQLite serves development and single-node deployment; multi-tenancy
// is file-based, one database file per tenant. UUIDs are stored as
// 16-byte blobs and timestamps as RFC 3339 UTC strings. SQLite has no
// FOR UPDATE SKIP LOCKED, so contended writes run inside IMMEDIATE
// transactions that take the writer lock up front; claims serialize
// but stay correct.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	// Pure-Go SQLite driver; no CGO required.
	_ "modernc.org/sqlite"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/store"
)

//go:embed schema/0001_init.sql
var initSchema string

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the database file named by the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connection settings:
	// - _txlock=immediate: BEGIN IMMEDIATE for every transaction, so the
	//   writer lock is held before candidate rows are read.
	// - WAL journal mode to avoid reader/writer lock contention.
	// - busy_timeout so competing workers wait instead of failing.
	// - foreign_keys for referential integrity.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)", profile.DSN)
	sqliteDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// A single writer connection sidesteps SQLITE_BUSY between pooled
	// connections of this process; cross-process contention is handled
	// by busy_timeout.
	sqliteDB.SetMaxOpenConns(1)

	driverDB := DB{db: sqliteDB, profile: profile}
	return &driverDB, nil
}

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, initSchema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// inTx runs fn in an IMMEDIATE transaction (per the _txlock DSN
// setting), committing on nil error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// uuidValue encodes a UUID as its 16-byte blob form.
func uuidValue(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func nullUUIDValue(id *uuid.UUID) driver.Value {
	if id == nil {
		return nil
	}
	return uuidValue(*id)
}

// blobUUID is a scan target decoding 16-byte blobs into UUIDs.
type blobUUID struct {
	UUID  uuid.UUID
	Valid bool
}

func (b *blobUUID) Scan(src any) error {
	if src == nil {
		b.Valid = false
		return nil
	}
	raw, ok := src.([]byte)
	if !ok {
		return errors.Errorf("cannot scan %T into uuid blob", src)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return errors.Wrap(err, "invalid uuid blob")
	}
	b.UUID = id
	b.Valid = true
	return nil
}

// timeLayout is RFC 3339 with a fixed-width 9-digit fraction so stored
// strings compare correctly as text (SQLite has no timestamp type).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// timeValue encodes a timestamp as an RFC 3339 UTC string.
func timeValue(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTimeValue(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return timeValue(*t)
}

// isoTime is a scan target decoding RFC 3339 strings.
type isoTime struct {
	Time  time.Time
	Valid bool
}

func (t *isoTime) Scan(src any) error {
	if src == nil {
		t.Valid = false
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return errors.Errorf("cannot scan %T into timestamp", src)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return errors.Wrapf(err, "invalid timestamp %q", s)
	}
	t.Time = parsed
	t.Valid = true
	return nil
}

func (t *isoTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
