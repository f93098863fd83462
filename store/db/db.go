// Package db dispatches driver construction by profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/store/db/postgres"
	"github.com/hrygo/aqueduct/store/db/sqlite"
)

// NewDBDriver creates a new database driver for the given profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "postgres":
		return postgres.NewDB(profile)
	case "sqlite":
		return sqlite.NewDB(profile)
	default:
		return nil, errors.Errorf("unsupported database driver: %s", profile.Driver)
	}
}
