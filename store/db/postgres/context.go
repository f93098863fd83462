package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (d *DB) CreateContext(ctx context.Context, data []byte) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO contexts (id, value) VALUES ($1, $2)`,
		id, data,
	); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create context: %w", err)
	}
	return id, nil
}

func (d *DB) GetContext(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data []byte
	if err := d.db.QueryRowContext(ctx,
		`SELECT value FROM contexts WHERE id = $1`, id,
	).Scan(&data); err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}
	return data, nil
}

// DeleteContextsOlderThan sweeps context rows past the retention cutoff
// that are no longer referenced by any execution record.
func (d *DB) DeleteContextsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM contexts
		WHERE created_at < $1
		  AND id NOT IN (SELECT context_id FROM pipeline_executions WHERE context_id IS NOT NULL)
		  AND id NOT IN (SELECT final_context_id FROM pipeline_executions WHERE final_context_id IS NOT NULL)
		  AND id NOT IN (SELECT context_id FROM task_execution_metadata WHERE context_id IS NOT NULL)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old contexts: %w", err)
	}
	return res.RowsAffected()
}
