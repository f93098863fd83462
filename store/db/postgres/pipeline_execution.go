package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hrygo/aqueduct/store"
)

// CreatePipelineExecution creates a pipeline with its task set. The
// input context is cloned into its own row, all declared tasks start
// NotStarted, and a PipelineStarted event is written, all in one
// transaction.
func (d *DB) CreatePipelineExecution(ctx context.Context, create *store.CreatePipelineExecution) (*store.PipelineExecution, error) {
	pipeline := &store.PipelineExecution{
		ID:              uuid.New(),
		WorkflowName:    create.WorkflowName,
		WorkflowVersion: create.WorkflowVersion,
		Status:          store.PipelineRunning,
	}

	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var contextID uuid.NullUUID
		// Empty contexts are not persisted.
		if len(create.ContextJSON) > 0 && string(create.ContextJSON) != "{}" {
			id := uuid.New()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO contexts (id, value) VALUES ($1, $2)`,
				id, create.ContextJSON,
			); err != nil {
				return fmt.Errorf("failed to create context: %w", err)
			}
			contextID = uuid.NullUUID{UUID: id, Valid: true}
		}

		query := `
			INSERT INTO pipeline_executions (id, workflow_name, workflow_version, status, context_id, started_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			RETURNING started_at, created_at, updated_at
		`
		if err := tx.QueryRowContext(ctx, query,
			pipeline.ID,
			create.WorkflowName,
			create.WorkflowVersion,
			string(store.PipelineRunning),
			contextID,
		).Scan(&pipeline.StartedAt, &pipeline.CreatedAt, &pipeline.UpdatedAt); err != nil {
			return fmt.Errorf("failed to create pipeline_execution: %w", err)
		}
		if contextID.Valid {
			pipeline.ContextID = &contextID.UUID
		}

		for _, taskName := range create.TaskNames {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_executions (id, pipeline_execution_id, task_name, status) VALUES ($1, $2, $3, $4)`,
				uuid.New(), pipeline.ID, taskName, string(store.TaskNotStarted),
			); err != nil {
				return fmt.Errorf("failed to create task_execution %s: %w", taskName, err)
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
	var contextID, finalContextID uuid.NullUUID
	var errorDetails sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(
		&p.ID,
		&p.WorkflowName,
		&p.WorkflowVersion,
		&p.Status,
		&contextID,
		&finalContextID,
		&p.RecoveryAttempts,
		&errorDetails,
		&p.StartedAt,
		&completedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if contextID.Valid {
		p.ContextID = &contextID.UUID
	}
	if finalContextID.Valid {
		p.FinalContextID = &finalContextID.UUID
	}
	if errorDetails.Valid {
		p.ErrorDetails = &errorDetails.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func (d *DB) GetPipelineExecution(ctx context.Context, id uuid.UUID) (*store.PipelineExecution, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipeline_executions WHERE id = $1`
	p, err := scanPipeline(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline_execution: %w", err)
	}
	return p, nil
}

func (d *DB) ListPipelineExecutions(ctx context.Context, find *store.FindPipelineExecution) ([]*store.PipelineExecution, error) {
	where, args := []string{"TRUE"}, []any{}
	if find.ID != nil {
		args = append(args, *find.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if find.WorkflowName != nil {
		args = append(args, *find.WorkflowName)
		where = append(where, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if find.Status != nil {
		args = append(args, string(*find.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + pipelineColumns + ` FROM pipeline_executions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY started_at DESC`
	if find.Limit > 0 {
		args = append(args, find.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if find.Offset > 0 {
			args = append(args, find.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline_executions: %w", err)
	}
	defer rows.Close()

	var out []*store.PipelineExecution
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline_execution: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) CompletePipelineExecution(ctx context.Context, id uuid.UUID, finalContextID *uuid.UUID) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var fcid uuid.NullUUID
		if finalContextID != nil {
			fcid = uuid.NullUUID{UUID: *finalContextID, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET status = $2, final_context_id = $3, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $4`,
			id, string(store.PipelineCompleted), fcid, string(store.PipelineRunning),
		)
		if err != nil {
			return fmt.Errorf("failed to complete pipeline_execution: %w", err)
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
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET status = $2, error_details = $3, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status NOT IN ($4, $5)`,
			id, string(store.PipelineFailed), errorDetails,
			string(store.PipelineCompleted), string(store.PipelineFailed),
		)
		if err != nil {
			return fmt.Errorf("failed to fail pipeline_execution: %w", err)
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
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_executions
			SET status = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $3`,
			id, string(store.PipelineCancelled), string(store.PipelineRunning),
		)
		if err != nil {
			return fmt.Errorf("failed to cancel pipeline_execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		// Stop future claims: drop pending outbox rows of this pipeline.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_outbox
			WHERE task_execution_id IN (
				SELECT id FROM task_executions WHERE pipeline_execution_id = $1
			)`, id,
		); err != nil {
			return fmt.Errorf("failed to clear outbox for cancelled pipeline: %w", err)
		}
		return d.appendEventTx(ctx, tx, id, nil, store.EventPipelineCancelled, nil, nil)
	})
}

func (d *DB) IncrementPipelineRecoveryAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := d.db.QueryRowContext(ctx, `
		UPDATE pipeline_executions
		SET recovery_attempts = recovery_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING recovery_attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment recovery_attempts: %w", err)
	}
	return attempts, nil
}
