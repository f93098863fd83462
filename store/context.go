package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context rows hold one serialized JSON document each. Task executions
// reference their output context by id; contexts outlive referencing
// tasks only until the retention sweep.

// CreateContext persists a context document and returns its id. Callers
// must not persist empty contexts.
func (s *Store) CreateContext(ctx context.Context, data []byte) (uuid.UUID, error) {
	return s.driver.CreateContext(ctx, data)
}

// GetContext loads a context document by id.
func (s *Store) GetContext(ctx context.Context, id uuid.UUID) ([]byte, error) {
	return s.driver.GetContext(ctx, id)
}

// DeleteContextsOlderThan removes unreferenced context rows older than
// cutoff and returns the deleted count.
func (s *Store) DeleteContextsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.driver.DeleteContextsOlderThan(ctx, cutoff)
}
