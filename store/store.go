// Package store provides database access to all raw engine objects
// through a unified facade over backend-specific drivers.
package store

import (
	"context"

	"github.com/hrygo/aqueduct/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

// GetDriver exposes the underlying backend driver.
func (s *Store) GetDriver() Driver {
	return s.driver
}

// Migrate applies the schema for the active backend.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}
