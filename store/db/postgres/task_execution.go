package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/aqueduct/store"
)

const taskColumns = `
	te.id, te.pipeline_execution_id, te.task_name, te.status, te.attempt, te.max_attempts,
	te.retry_at, te.started_at, te.completed_at, m.context_id, te.error_details,
	te.created_at, te.updated_at
`

const taskFrom = `
	FROM task_executions te
	LEFT JOIN task_execution_metadata m ON m.task_execution_id = te.id
`

func scanTask(row interface{ Scan(...any) error }) (*store.TaskExecution, error) {
	var t store.TaskExecution
	var retryAt, startedAt, completedAt sql.NullTime
	var contextID uuid.NullUUID
	var errorDetails sql.NullString

	if err := row.Scan(
		&t.ID,
		&t.PipelineExecutionID,
		&t.TaskName,
		&t.Status,
		&t.Attempt,
		&t.MaxAttempts,
		&retryAt,
		&startedAt,
		&completedAt,
		&contextID,
		&errorDetails,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if retryAt.Valid {
		v := retryAt.Time
		t.RetryAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if contextID.Valid {
		t.ContextID = &contextID.UUID
	}
	if errorDetails.Valid {
		t.ErrorDetails = &errorDetails.String
	}
	return &t, nil
}

func (d *DB) ListTaskExecutions(ctx context.Context, pipelineID uuid.UUID) ([]*store.TaskExecution, error) {
	query := `SELECT ` + taskColumns + taskFrom + ` WHERE te.pipeline_execution_id = $1 ORDER BY te.task_name ASC`
	rows, err := d.db.QueryContext(ctx, query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task_executions: %w", err)
	}
	defer rows.Close()

	var out []*store.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task_execution: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) GetTaskExecution(ctx context.Context, id uuid.UUID) (*store.TaskExecution, error) {
	query := `SELECT ` + taskColumns + taskFrom + ` WHERE te.id = $1`
	t, err := scanTask(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get task_execution: %w", err)
	}
	return t, nil
}

// MarkTasksReady transitions NotStarted tasks to Ready and enqueues
// outbox rows plus TaskReady events, serialized against other scheduler
// passes by locking the pipeline row. Cancelled or terminal pipelines
// enqueue nothing.
func (d *DB) MarkTasksReady(ctx context.Context, pipelineID uuid.UUID, taskNames []string) error {
	if len(taskNames) == 0 {
		return nil
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM pipeline_executions WHERE id = $1 FOR UPDATE`,
			pipelineID,
		).Scan(&status); err != nil {
			return fmt.Errorf("failed to lock pipeline_execution: %w", err)
		}
		if store.PipelineStatus(status) != store.PipelineRunning {
			return nil
		}

		for _, taskName := range taskNames {
			var taskID uuid.UUID
			err := tx.QueryRowContext(ctx, `
				UPDATE task_executions
				SET status = $3, updated_at = NOW()
				WHERE pipeline_execution_id = $1 AND task_name = $2 AND status = $4
				RETURNING id`,
				pipelineID, taskName, string(store.TaskReady), string(store.TaskNotStarted),
			).Scan(&taskID)
			if err == sql.ErrNoRows {
				// Another scheduler pass already advanced this task.
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to mark task %s ready: %w", taskName, err)
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES ($1, $2, NOW())`,
				uuid.New(), taskID,
			); err != nil {
				return fmt.Errorf("failed to enqueue task %s: %w", taskName, err)
			}
			if err := d.appendEventTx(ctx, tx, pipelineID, &taskID, store.EventTaskReady, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) SkipTasks(ctx context.Context, pipelineID uuid.UUID, taskNames []string) error {
	if len(taskNames) == 0 {
		return nil
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT id FROM pipeline_executions WHERE id = $1 FOR UPDATE`, pipelineID,
		); err != nil {
			return fmt.Errorf("failed to lock pipeline_execution: %w", err)
		}
		for _, taskName := range taskNames {
			var taskID uuid.UUID
			err := tx.QueryRowContext(ctx, `
				UPDATE task_executions
				SET status = $3, completed_at = NOW(), updated_at = NOW()
				WHERE pipeline_execution_id = $1 AND task_name = $2 AND status IN ($4, $5)
				RETURNING id`,
				pipelineID, taskName, string(store.TaskSkipped),
				string(store.TaskNotStarted), string(store.TaskReady),
			).Scan(&taskID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to skip task %s: %w", taskName, err)
			}
			if err := d.appendEventTx(ctx, tx, pipelineID, &taskID, store.EventTaskSkipped, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimReadyTasks claims due outbox rows with FOR UPDATE SKIP LOCKED:
// select due entries with the lock, delete them, flip the joined tasks
// to Running, and record TaskClaimed events, all in one transaction.
// Rows with created_at in the future are delayed retries and stay
// unclaimable.
func (d *DB) ClaimReadyTasks(ctx context.Context, limit int, workerID string) ([]*store.TaskClaim, error) {
	var claims []*store.TaskClaim
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			WITH claimed_outbox AS (
				DELETE FROM task_outbox
				WHERE id IN (
					SELECT id FROM task_outbox
					WHERE created_at <= NOW()
					ORDER BY created_at ASC
					LIMIT $1
					FOR UPDATE SKIP LOCKED
				)
				RETURNING task_execution_id
			)
			UPDATE task_executions te
			SET status = $2, started_at = NOW(), updated_at = NOW()
			FROM claimed_outbox c
			WHERE te.id = c.task_execution_id
			RETURNING te.id, te.pipeline_execution_id, te.task_name, te.attempt`,
			limit, string(store.TaskRunning),
		)
		if err != nil {
			return fmt.Errorf("failed to claim ready tasks: %w", err)
		}
		defer rows.Close()

		claims = nil
		for rows.Next() {
			var c store.TaskClaim
			if err := rows.Scan(&c.TaskExecutionID, &c.PipelineExecutionID, &c.TaskName, &c.Attempt); err != nil {
				return fmt.Errorf("failed to scan claim: %w", err)
			}
			claims = append(claims, &c)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range claims {
			if err := d.appendEventTx(ctx, tx, c.PipelineExecutionID, &c.TaskExecutionID, store.EventTaskClaimed, nil, &workerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (d *DB) CompleteTaskExecution(ctx context.Context, id uuid.UUID, contextID *uuid.UUID) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var pipelineID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			UPDATE task_executions
			SET status = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $3
			RETURNING pipeline_execution_id`,
			id, string(store.TaskCompleted), string(store.TaskRunning),
		).Scan(&pipelineID)
		if err != nil {
			return fmt.Errorf("failed to complete task_execution: %w", err)
		}

		if contextID != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_execution_metadata (id, task_execution_id, pipeline_execution_id, context_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (task_execution_id)
				DO UPDATE SET context_id = EXCLUDED.context_id, updated_at = NOW()`,
				uuid.New(), id, pipelineID, *contextID,
			); err != nil {
				return fmt.Errorf("failed to store task_execution_metadata: %w", err)
			}
		}
		return d.appendEventTx(ctx, tx, pipelineID, &id, store.EventTaskCompleted, nil, nil)
	})
}

func (d *DB) FailTaskExecution(ctx context.Context, id uuid.UUID, errMsg string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var pipelineID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			UPDATE task_executions
			SET status = $2, error_details = $3, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING pipeline_execution_id`,
			id, string(store.TaskFailed), errMsg,
		).Scan(&pipelineID)
		if err != nil {
			return fmt.Errorf("failed to fail task_execution: %w", err)
		}
		data := []byte(fmt.Sprintf(`{"error":%q}`, errMsg))
		return d.appendEventTx(ctx, tx, pipelineID, &id, store.EventTaskFailed, data, nil)
	})
}

func (d *DB) ScheduleTaskRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var pipelineID uuid.UUID
		var attempt int
		err := tx.QueryRowContext(ctx, `
			UPDATE task_executions
			SET status = $2, attempt = attempt + 1, retry_at = $3,
			    started_at = NULL, completed_at = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING pipeline_execution_id, attempt`,
			id, string(store.TaskReady), retryAt,
		).Scan(&pipelineID, &attempt)
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		// Outbox created_at carries the retry delay: workers only claim
		// rows with created_at <= now().
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES ($1, $2, $3)`,
			uuid.New(), id, retryAt,
		); err != nil {
			return fmt.Errorf("failed to enqueue retry: %w", err)
		}

		data := []byte(fmt.Sprintf(`{"attempt":%d,"retry_at":%q}`, attempt, retryAt.UTC().Format(time.RFC3339Nano)))
		return d.appendEventTx(ctx, tx, pipelineID, &id, store.EventTaskRetryScheduled, data, nil)
	})
}

func (d *DB) ListOrphanedTasks(ctx context.Context, olderThan time.Time) ([]*store.TaskExecution, error) {
	query := `SELECT ` + taskColumns + taskFrom + `
		WHERE te.status = $1 AND te.started_at IS NOT NULL AND te.started_at < $2
		ORDER BY te.started_at ASC`
	rows, err := d.db.QueryContext(ctx, query, string(store.TaskRunning), olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task_execution: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResetOrphanedTask re-enqueues an orphaned Running task with its
// attempt unchanged. The status guard runs inside the transaction, so
// duplicate recovery passes observe the already-reset row and back off.
func (d *DB) ResetOrphanedTask(ctx context.Context, id uuid.UUID, details string) (bool, error) {
	reset := false
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var pipelineID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			UPDATE task_executions
			SET status = $2, started_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status = $3
			RETURNING pipeline_execution_id`,
			id, string(store.TaskReady), string(store.TaskRunning),
		).Scan(&pipelineID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to reset orphaned task: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES ($1, $2, NOW())`,
			uuid.New(), id,
		); err != nil {
			return fmt.Errorf("failed to re-enqueue orphaned task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_events (id, pipeline_execution_id, task_execution_id, event_type, details)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), pipelineID, id, string(store.RecoveryTaskReset), details,
		); err != nil {
			return fmt.Errorf("failed to record recovery event: %w", err)
		}
		reset = true
		return nil
	})
	return reset, err
}
