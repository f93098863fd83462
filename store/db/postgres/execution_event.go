package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/aqueduct/store"
)

// appendEventTx writes one execution event inside the caller's
// transaction. sequence_num is assigned by the database, so the audit
// trail commits atomically with the state change it describes.
func (d *DB) appendEventTx(ctx context.Context, tx *sql.Tx, pipelineID uuid.UUID, taskID *uuid.UUID, eventType store.ExecutionEventType, eventData []byte, workerID *string) error {
	var tid uuid.NullUUID
	if taskID != nil {
		tid = uuid.NullUUID{UUID: *taskID, Valid: true}
	}
	var wid sql.NullString
	if workerID != nil {
		wid = sql.NullString{String: *workerID, Valid: true}
	}
	var data any
	if len(eventData) > 0 {
		data = eventData
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_events (id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), pipelineID, tid, string(eventType), data, wid,
	); err != nil {
		return fmt.Errorf("failed to append execution event %s: %w", eventType, err)
	}
	return nil
}

const eventColumns = `
	id, sequence_num, pipeline_execution_id, task_execution_id,
	event_type, event_data, worker_id, created_at
`

func scanEvent(row interface{ Scan(...any) error }) (*store.ExecutionEvent, error) {
	var e store.ExecutionEvent
	var taskID uuid.NullUUID
	var data []byte
	var workerID sql.NullString

	if err := row.Scan(
		&e.ID,
		&e.SequenceNum,
		&e.PipelineExecutionID,
		&taskID,
		&e.EventType,
		&data,
		&workerID,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	if taskID.Valid {
		e.TaskExecutionID = &taskID.UUID
	}
	e.EventData = data
	if workerID.Valid {
		e.WorkerID = &workerID.String
	}
	return &e, nil
}

func (d *DB) ListExecutionEvents(ctx context.Context, pipelineID uuid.UUID) ([]*store.ExecutionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM execution_events WHERE pipeline_execution_id = $1 ORDER BY sequence_num ASC`
	return d.queryEvents(ctx, query, pipelineID)
}

func (d *DB) ListTaskExecutionEvents(ctx context.Context, taskExecutionID uuid.UUID) ([]*store.ExecutionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM execution_events WHERE task_execution_id = $1 ORDER BY sequence_num ASC`
	return d.queryEvents(ctx, query, taskExecutionID)
}

func (d *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*store.ExecutionEvent, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution events: %w", err)
	}
	defer rows.Close()

	var out []*store.ExecutionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) CountExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_events WHERE created_at < $1`, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count old execution events: %w", err)
	}
	return count, nil
}

func (d *DB) DeleteExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM execution_events WHERE created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old execution events: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) CreateRecoveryEvent(ctx context.Context, event *store.RecoveryEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	var taskID uuid.NullUUID
	if event.TaskExecutionID != nil {
		taskID = uuid.NullUUID{UUID: *event.TaskExecutionID, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO recovery_events (id, pipeline_execution_id, task_execution_id, event_type, details)
		VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.PipelineExecutionID, taskID, string(event.EventType), event.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to create recovery event: %w", err)
	}
	return nil
}

func (d *DB) ListRecoveryEvents(ctx context.Context, pipelineID uuid.UUID) ([]*store.RecoveryEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, pipeline_execution_id, task_execution_id, event_type, details, recovered_at
		FROM recovery_events
		WHERE pipeline_execution_id = $1
		ORDER BY recovered_at ASC`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery events: %w", err)
	}
	defer rows.Close()

	var out []*store.RecoveryEvent
	for rows.Next() {
		var e store.RecoveryEvent
		var taskID uuid.NullUUID
		if err := rows.Scan(&e.ID, &e.PipelineExecutionID, &taskID, &e.EventType, &e.Details, &e.RecoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan recovery event: %w", err)
		}
		if taskID.Valid {
			e.TaskExecutionID = &taskID.UUID
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
