// Package postgres implements the store driver on PostgreSQL.
//
// Multi-tenancy is schema-based: each tenant gets its own schema, and
// the driver pins the connection search_path to it. Outbox claims rely
// on FOR UPDATE SKIP LOCKED, so workers contend without blocking.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/store"
)

//go:embed schema/0001_init.sql
var initSchema string

// schemaNamePattern matches valid tenant schema names.
var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
	schema  string
}

// ValidateSchemaName rejects schema names that are malformed, too long,
// or collide with reserved identifiers.
func ValidateSchemaName(name string) error {
	if !schemaNamePattern.MatchString(name) {
		return errors.Errorf("invalid schema name: %q", name)
	}
	if len(name) > 63 {
		return errors.Errorf("schema name too long: %q", name)
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "pg_") || lower == "information_schema" {
		return errors.Errorf("schema name is reserved: %q", name)
	}
	return nil
}

// applySchema rewrites the DSN so every pooled connection starts with
// search_path pinned to the tenant schema.
func applySchema(dsn, schema string) (string, error) {
	opt := fmt.Sprintf("-csearch_path=%s", schema)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", errors.Wrap(err, "failed to parse dsn")
		}
		q := u.Query()
		q.Set("options", opt)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	// Keyword/value DSN form.
	return dsn + fmt.Sprintf(" options='%s'", opt), nil
}

// NewDB opens a connection pool against the profile's DSN, bound to
// the tenant schema when one is set.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	dsn := profile.DSN
	schema := profile.Schema
	if schema != "" {
		if err := ValidateSchemaName(schema); err != nil {
			return nil, err
		}
		var err error
		dsn, err = applySchema(dsn, schema)
		if err != nil {
			return nil, err
		}
	}

	pgDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	driver := DB{
		db:      pgDB,
		profile: profile,
		schema:  schema,
	}
	return &driver, nil
}

// SetPoolSize bounds the connection pool.
func (d *DB) SetPoolSize(n int) {
	d.db.SetMaxOpenConns(n)
	d.db.SetMaxIdleConns(n)
}

// CreateTenantSchema creates the tenant schema if absent. Migrate must
// run afterwards to populate it.
func (d *DB) CreateTenantSchema(ctx context.Context, name string) error {
	if err := ValidateSchemaName(name); err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", name)); err != nil {
		return errors.Wrapf(err, "failed to create schema %s", name)
	}
	return nil
}

// Migrate applies the schema DDL inside the active search_path.
func (d *DB) Migrate(ctx context.Context) error {
	if d.schema != "" {
		if err := d.CreateTenantSchema(ctx, d.schema); err != nil {
			return err
		}
	}
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

// inTx runs fn inside a transaction, committing on nil error.
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
