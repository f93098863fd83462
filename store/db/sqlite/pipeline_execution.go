package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/store"
)

func (d *DB) CreatePipelineExecution(ctx context.Context, create *store.CreatePipelineExecution) (*store.PipelineExecution, error) {
	now := time.Now().UTC()
	pipeline := &store.PipelineExecution{
		ID:              uuid.New(),
		WorkflowName:    create.WorkflowName,
		WorkflowVersion: create.WorkflowVersion,
		Status:          store.PipelineRunning,
		StartedAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var contextID *uuid.UUID
		// Empty contexts are not persisted.
		if len(create.ContextJSON) > 0 && string(create.ContextJSON) != "{}" {
			id := uuid.New()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO contexts (id, value, created_at, updated_at) VALUES (?, ?, ?, ?)`,
				uuidValue(id), string(create.ContextJSON), timeValue(now), timeValue(now),
			); err != nil {
				return errors.Wrap(err, "failed to create context")
			}
			contextID = &id
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_executions (id, workflow_name, workflow_version, status, context_id, started_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuidValue(pipeline.ID),
			create.WorkflowName,
			create.WorkflowVersion,
			string(store.PipelineRunning),
			nullUUIDValue(contextID),
			timeValue(now), timeValue(now), timeValue(now),
		); err != nil {
			return errors.Wrap(err, "failed to create pipeline_execution")
		}
		pipeline.ContextID = contextID

		for _, taskName := range create.TaskNames {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_executions (id, pipeline_execution_id, task_name, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				uuidValue(uuid.New()), uuidValue(pipeline.ID), taskName, string(store.TaskNotStarted),
				timeValue(now), timeValue(now),
			); err != nil {
				return errors.Wrapf(err, "failed to create task_execution %s", taskName)
			}
		}

		return d.appendEventTx(ctx, tx, pipeline.ID, nil, store.EventPipelineStarted, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

const pipelineColumns = `
	id, workflow_name, workflow_version, status, context_id, final_context_id,
	recovery_attempts, error_details, started_at, completed_at, created_at, updated_at
`

func scanPipeline(row interface{ Scan(...any) error }) (*store.PipelineExecution, error) {
	var p store.PipelineExecution
	var id, contextID, finalContextID blobUUID
	var errorDetails sql.NullString
	var startedAt, completedAt, createdAt, updatedAt isoTime

	if err := row.Scan(
		&id,
		&p.WorkflowName,
		&p.WorkflowVersion,
		&p.Status,
		&contextID,
		&finalContextID,
		&p.RecoveryAttempts,
		&errorDetails,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	p.ID = id.UUID
	if contextID.Valid {
		p.ContextID = &contextID.UUID
	}
	if finalContextID.Valid {
		p.FinalContextID = &finalContextID.UUID
	}
	if errorDetails.Valid {
		p.ErrorDetails = &errorDetails.String
	}
	p.StartedAt = startedAt.Time
	p.CompletedAt = completedAt.ptr()
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	return &p, nil
}

func (d *DB) GetPipelineExecution(ctx context.Context, id uuid.UUID) (*store.PipelineExecution, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipeline_executions WHERE id = ?`
	p, err := scanPipeline(d.db.QueryRowContext(ctx, query, uuidValue(id)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pipeline_execution")
	}
	return p, nil
}

func (d *DB) ListPipelineExecutions(ctx context.Context, find *store.FindPipelineExecution) ([]*store.PipelineExecution, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, uuidValue(*find.ID))
	}
	if find.WorkflowName != nil {
		where, args = append(where, "workflow_name = ?"), append(args, *find.WorkflowName)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, string(*find.Status))
	}

	query := `SELECT ` + pipelineColumns + ` FROM pipeline_executions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY started_at DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
		if find.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pipeline_executions")
	}
	defer rows.Close()

	var out []*store.PipelineExecution
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan pipeline_execution")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) CompletePipelineExecution(ctx context.Context, id uuid.UUID, finalContextID *uuid.UUID) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		now := timeValue(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET status = ?, final_context_id = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(store.PipelineCompleted), nullUUIDValue(finalContextID), now, now,
			uuidValue(id), string(store.PipelineRunning),
		)
		if err != nil {
			return errors.Wrap(err, "failed to complete pipeline_execution")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Terminal pipelines are never mutated again.
			return nil
		}
		return d.appendEventTx(ctx, tx, id, nil, store.EventPipelineCompleted, nil, nil)
	})
}

func (d *DB) FailPipelineExecution(ctx context.Context, id uuid.UUID, errorDetails string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		now := timeValue(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET status = ?, error_details = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`,
			string(store.PipelineFailed), errorDetails, now, now,
			uuidValue(id), string(store.PipelineCompleted), string(store.PipelineFailed),
		)
		if err != nil {
			return errors.Wrap(err, "failed to fail pipeline_execution")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		data := []byte(fmt.Sprintf(`{"error":%q}`, errorDetails))
		return d.appendEventTx(ctx, tx, id, nil, store.EventPipelineFailed, data, nil)
	})
}

func (d *DB) CancelPipelineExecution(ctx context.Context, id uuid.UUID) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		now := timeValue(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(store.PipelineCancelled), now, now,
			uuidValue(id), string(store.PipelineRunning),
		)
		if err != nil {
			return errors.Wrap(err, "failed to cancel pipeline_execution")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_outbox
			WHERE task_execution_id IN (
				SELECT id FROM task_executions WHERE pipeline_execution_id = ?
			)`, uuidValue(id),
		); err != nil {
			return errors.Wrap(err, "failed to clear outbox for cancelled pipeline")
		}
		return d.appendEventTx(ctx, tx, id, nil, store.EventPipelineCancelled, nil, nil)
	})
}

func (d *DB) IncrementPipelineRecoveryAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET recovery_attempts = recovery_attempts + 1, updated_at = ?
			WHERE id = ?`,
			timeValue(time.Now().UTC()), uuidValue(id),
		); err != nil {
			return errors.Wrap(err, "failed to increment recovery_attempts")
		}
		return tx.QueryRowContext(ctx,
			`SELECT recovery_attempts FROM pipeline_executions WHERE id = ?`,
			uuidValue(id),
		).Scan(&attempts)
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}
