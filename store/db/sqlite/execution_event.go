package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/store"
)

// appendEventTx writes one execution event inside the caller's
// transaction. sequence_num is the AUTOINCREMENT rowid, monotonic per
// database file, and commits atomically with the state change.
func (d *DB) appendEventTx(ctx context.Context, tx *sql.Tx, pipelineID uuid.UUID, taskID *uuid.UUID, eventType store.ExecutionEventType, eventData []byte, workerID *string) error {
	var data any
	if len(eventData) > 0 {
		data = string(eventData)
	}
	var wid any
	if workerID != nil {
		wid = *workerID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_events (id, pipeline_execution_id, task_execution_id, event_type, event_data, worker_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuidValue(uuid.New()), uuidValue(pipelineID), nullUUIDValue(taskID), string(eventType), data, wid,
		timeValue(time.Now().UTC()),
	); err != nil {
		return errors.Wrapf(err, "failed to append execution event %s", eventType)
	}
	return nil
}

const eventColumns = `
	id, sequence_num, pipeline_execution_id, task_execution_id,
	event_type, event_data, worker_id, created_at
`

func scanEvent(row interface{ Scan(...any) error }) (*store.ExecutionEvent, error) {
	var e store.ExecutionEvent
	var id, pipelineID, taskID blobUUID
	var data sql.NullString
	var workerID sql.NullString
	var createdAt isoTime

	if err := row.Scan(
		&id,
		&e.SequenceNum,
		&pipelineID,
		&taskID,
		&e.EventType,
		&data,
		&workerID,
		&createdAt,
	); err != nil {
		return nil, err
	}
	e.ID = id.UUID
	e.PipelineExecutionID = pipelineID.UUID
	if taskID.Valid {
		e.TaskExecutionID = &taskID.UUID
	}
	if data.Valid {
		e.EventData = []byte(data.String)
	}
	if workerID.Valid {
		e.WorkerID = &workerID.String
	}
	e.CreatedAt = createdAt.Time
	return &e, nil
}

func (d *DB) ListExecutionEvents(ctx context.Context, pipelineID uuid.UUID) ([]*store.ExecutionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM execution_events WHERE pipeline_execution_id = ? ORDER BY sequence_num ASC`
	return d.queryEvents(ctx, query, uuidValue(pipelineID))
}

func (d *DB) ListTaskExecutionEvents(ctx context.Context, taskExecutionID uuid.UUID) ([]*store.ExecutionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM execution_events WHERE task_execution_id = ? ORDER BY sequence_num ASC`
	return d.queryEvents(ctx, query, uuidValue(taskExecutionID))
}

func (d *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*store.ExecutionEvent, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list execution events")
	}
	defer rows.Close()

	var out []*store.ExecutionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution event")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) CountExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_events WHERE created_at < ?`, timeValue(cutoff),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count old execution events")
	}
	return count, nil
}

func (d *DB) DeleteExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM execution_events WHERE created_at < ?`, timeValue(cutoff),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old execution events")
	}
	return res.RowsAffected()
}

func (d *DB) CreateRecoveryEvent(ctx context.Context, event *store.RecoveryEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.RecoveredAt.IsZero() {
		event.RecoveredAt = time.Now().UTC()
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO recovery_events (id, pipeline_execution_id, task_execution_id, event_type, details, recovered_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuidValue(event.ID), uuidValue(event.PipelineExecutionID), nullUUIDValue(event.TaskExecutionID),
		string(event.EventType), event.Details, timeValue(event.RecoveredAt),
	); err != nil {
		return errors.Wrap(err, "failed to create recovery event")
	}
	return nil
}

func (d *DB) ListRecoveryEvents(ctx context.Context, pipelineID uuid.UUID) ([]*store.RecoveryEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, pipeline_execution_id, task_execution_id, event_type, details, recovered_at
		FROM recovery_events
		WHERE pipeline_execution_id = ?
		ORDER BY recovered_at ASC`,
		uuidValue(pipelineID),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recovery events")
	}
	defer rows.Close()

	var out []*store.RecoveryEvent
	for rows.Next() {
		var e store.RecoveryEvent
		var id, pid, taskID blobUUID
		var recoveredAt isoTime
		if err := rows.Scan(&id, &pid, &taskID, &e.EventType, &e.Details, &recoveredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan recovery event")
		}
		e.ID = id.UUID
		e.PipelineExecutionID = pid.UUID
		if taskID.Valid {
			e.TaskExecutionID = &taskID.UUID
		}
		e.RecoveredAt = recoveredAt.Time
		out = append(out, &e)
	}
	return out, rows.Err()
}
