package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func (d *DB) CreateContext(ctx context.Context, data []byte) (uuid.UUID, error) {
	id := uuid.New()
	now := timeValue(time.Now().UTC())
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO contexts (id, value, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		uuidValue(id), string(data), now, now,
	); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to create context")
	}
	return id, nil
}

func (d *DB) GetContext(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data string
	if err := d.db.QueryRowContext(ctx,
		`SELECT value FROM contexts WHERE id = ?`, uuidValue(id),
	).Scan(&data); err != nil {
		return nil, errors.Wrap(err, "failed to get context")
	}
	return []byte(data), nil
}

func (d *DB) DeleteContextsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM contexts
		WHERE created_at < ?
		  AND id NOT IN (SELECT context_id FROM pipeline_executions WHERE context_id IS NOT NULL)
		  AND id NOT IN (SELECT final_context_id FROM pipeline_executions WHERE final_context_id IS NOT NULL)
		  AND id NOT IN (SELECT context_id FROM task_execution_metadata WHERE context_id IS NOT NULL)`,
		timeValue(cutoff),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old contexts")
	}
	return res.RowsAffected()
}
