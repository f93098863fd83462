package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

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
	var id, pipelineID, contextID blobUUID
	var retryAt, startedAt, completedAt, createdAt, updatedAt isoTime
	var errorDetails sql.NullString

	if err := row.Scan(
		&id,
		&pipelineID,
		&t.TaskName,
		&t.Status,
		&t.Attempt,
		&t.MaxAttempts,
		&retryAt,
		&startedAt,
		&completedAt,
		&contextID,
		&errorDetails,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	t.ID = id.UUID
	t.PipelineExecutionID = pipelineID.UUID
	t.RetryAt = retryAt.ptr()
	t.StartedAt = startedAt.ptr()
	t.CompletedAt = completedAt.ptr()
	if contextID.Valid {
		t.ContextID = &contextID.UUID
	}
	if errorDetails.Valid {
		t.ErrorDetails = &errorDetails.String
	}
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return &t, nil
}

func (d *DB) ListTaskExecutions(ctx context.Context, pipelineID uuid.UUID) ([]*store.TaskExecution, error) {
	query := `SELECT ` + taskColumns + taskFrom + ` WHERE te.pipeline_execution_id = ? ORDER BY te.task_name ASC`
	rows, err := d.db.QueryContext(ctx, query, uuidValue(pipelineID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task_executions")
	}
	defer rows.Close()

	var out []*store.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task_execution")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) GetTaskExecution(ctx context.Context, id uuid.UUID) (*store.TaskExecution, error) {
	query := `SELECT ` + taskColumns + taskFrom + ` WHERE te.id = ?`
	t, err := scanTask(d.db.QueryRowContext(ctx, query, uuidValue(id)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task_execution")
	}
	return t, nil
}

// MarkTasksReady runs in an IMMEDIATE transaction, which serializes it
// against every other scheduler pass touching this database.
func (d *DB) MarkTasksReady(ctx context.Context, pipelineID uuid.UUID, taskNames []string) error {
	if len(taskNames) == 0 {
		return nil
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM pipeline_executions WHERE id = ?`, uuidValue(pipelineID),
		).Scan(&status); err != nil {
			return errors.Wrap(err, "failed to load pipeline_execution")
		}
		if store.PipelineStatus(status) != store.PipelineRunning {
			return nil
		}

		now := timeValue(time.Now().UTC())
		for _, taskName := range taskNames {
			var rawID []byte
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM task_executions WHERE pipeline_execution_id = ? AND task_name = ? AND status = ?`,
				uuidValue(pipelineID), taskName, string(store.TaskNotStarted),
			).Scan(&rawID)
			if err == sql.ErrNoRows {
				// Another scheduler pass already advanced this task.
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "failed to load task %s", taskName)
			}
			taskID, err := uuid.FromBytes(rawID)
			if err != nil {
				return errors.Wrap(err, "invalid task id blob")
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE task_executions SET status = ?, updated_at = ? WHERE id = ?`,
				string(store.TaskReady), now, rawID,
			); err != nil {
				return errors.Wrapf(err, "failed to mark task %s ready", taskName)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES (?, ?, ?)`,
				uuidValue(uuid.New()), rawID, now,
			); err != nil {
				return errors.Wrapf(err, "failed to enqueue task %s", taskName)
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
		now := timeValue(time.Now().UTC())
		for _, taskName := range taskNames {
			var rawID []byte
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM task_executions WHERE pipeline_execution_id = ? AND task_name = ? AND status IN (?, ?)`,
				uuidValue(pipelineID), taskName, string(store.TaskNotStarted), string(store.TaskReady),
			).Scan(&rawID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "failed to load task %s", taskName)
			}
			taskID, err := uuid.FromBytes(rawID)
			if err != nil {
				return errors.Wrap(err, "invalid task id blob")
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE task_executions SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
				string(store.TaskSkipped), now, now, rawID,
			); err != nil {
				return errors.Wrapf(err, "failed to skip task %s", taskName)
			}
			if err := d.appendEventTx(ctx, tx, pipelineID, &taskID, store.EventTaskSkipped, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimReadyTasks emulates the Postgres SKIP LOCKED claim inside an
// IMMEDIATE transaction: the writer lock is taken before candidate rows
// are read, so competing claimers serialize and each outbox row is
// consumed exactly once.
func (d *DB) ClaimReadyTasks(ctx context.Context, limit int, workerID string) ([]*store.TaskClaim, error) {
	var claims []*store.TaskClaim
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx, `
			SELECT o.id, o.task_execution_id, te.pipeline_execution_id, te.task_name, te.attempt
			FROM task_outbox o
			JOIN task_executions te ON te.id = o.task_execution_id
			WHERE o.created_at <= ?
			ORDER BY o.created_at ASC
			LIMIT ?`,
			timeValue(now), limit,
		)
		if err != nil {
			return errors.Wrap(err, "failed to select claimable outbox rows")
		}

		type candidate struct {
			outboxID []byte
			claim    *store.TaskClaim
		}
		var candidates []candidate
		for rows.Next() {
			var outboxID []byte
			var taskID, pipelineID blobUUID
			var c store.TaskClaim
			if err := rows.Scan(&outboxID, &taskID, &pipelineID, &c.TaskName, &c.Attempt); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan outbox row")
			}
			c.TaskExecutionID = taskID.UUID
			c.PipelineExecutionID = pipelineID.UUID
			candidates = append(candidates, candidate{outboxID: outboxID, claim: &c})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		claims = nil
		nowStr := timeValue(now)
		for _, cand := range candidates {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM task_outbox WHERE id = ?`, cand.outboxID,
			); err != nil {
				return errors.Wrap(err, "failed to delete outbox row")
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE task_executions SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
				string(store.TaskRunning), nowStr, nowStr, uuidValue(cand.claim.TaskExecutionID),
			); err != nil {
				return errors.Wrap(err, "failed to mark task running")
			}
			if err := d.appendEventTx(ctx, tx, cand.claim.PipelineExecutionID, &cand.claim.TaskExecutionID, store.EventTaskClaimed, nil, &workerID); err != nil {
				return err
			}
			claims = append(claims, cand.claim)
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
		var rawPipelineID []byte
		if err := tx.QueryRowContext(ctx,
			`SELECT pipeline_execution_id FROM task_executions WHERE id = ? AND status = ?`,
			uuidValue(id), string(store.TaskRunning),
		).Scan(&rawPipelineID); err != nil {
			return errors.Wrap(err, "failed to complete task_execution")
		}
		pipelineID, err := uuid.FromBytes(rawPipelineID)
		if err != nil {
			return errors.Wrap(err, "invalid pipeline id blob")
		}

		now := timeValue(time.Now().UTC())
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_executions SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(store.TaskCompleted), now, now, uuidValue(id),
		); err != nil {
			return errors.Wrap(err, "failed to complete task_execution")
		}

		if contextID != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_execution_metadata (id, task_execution_id, pipeline_execution_id, context_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (task_execution_id)
				DO UPDATE SET context_id = excluded.context_id, updated_at = excluded.updated_at`,
				uuidValue(uuid.New()), uuidValue(id), rawPipelineID, uuidValue(*contextID), now, now,
			); err != nil {
				return errors.Wrap(err, "failed to store task_execution_metadata")
			}
		}
		return d.appendEventTx(ctx, tx, pipelineID, &id, store.EventTaskCompleted, nil, nil)
	})
}

func (d *DB) FailTaskExecution(ctx context.Context, id uuid.UUID, errMsg string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var rawPipelineID []byte
		if err := tx.QueryRowContext(ctx,
			`SELECT pipeline_execution_id FROM task_executions WHERE id = ?`, uuidValue(id),
		).Scan(&rawPipelineID); err != nil {
			return errors.Wrap(err, "failed to load task_execution")
		}
		pipelineID, err := uuid.FromBytes(rawPipelineID)
		if err != nil {
			return errors.Wrap(err, "invalid pipeline id blob")
		}

		now := timeValue(time.Now().UTC())
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_executions SET status = ?, error_details = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(store.TaskFailed), errMsg, now, now, uuidValue(id),
		); err != nil {
			return errors.Wrap(err, "failed to fail task_execution")
		}
		data := []byte(fmt.Sprintf(`{"error":%q}`, errMsg))
		return d.appendEventTx(ctx, tx, pipelineID, &id, store.EventTaskFailed, data, nil)
	})
}

func (d *DB) ScheduleTaskRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var rawPipelineID []byte
		var attempt int
		if err := tx.QueryRowContext(ctx,
			`SELECT pipeline_execution_id, attempt FROM task_executions WHERE id = ?`, uuidValue(id),
		).Scan(&rawPipelineID, &attempt); err != nil {
			return errors.Wrap(err, "failed to load task_execution")
		}
		pipelineID, err := uuid.FromBytes(rawPipelineID)
		if err != nil {
			return errors.Wrap(err, "invalid pipeline id blob")
		}

		attempt++
		now := timeValue(time.Now().UTC())
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_executions
			SET status = ?, attempt = ?, retry_at = ?, started_at = NULL, completed_at = NULL, updated_at = ?
			WHERE id = ?`,
			string(store.TaskReady), attempt, timeValue(retryAt), now, uuidValue(id),
		); err != nil {
			return errors.Wrap(err, "failed to schedule retry")
		}

		// Outbox created_at carries the retry delay: workers only claim
		// rows with created_at <= now.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES (?, ?, ?)`,
			uuidValue(uuid.New()), uuidValue(id), timeValue(retryAt),
		); err != nil {
			return errors.Wrap(err, "failed to enqueue retry")
		}

		data := []byte(fmt.Sprintf(`{"attempt":%d,"retry_at":%q}`, attempt, retryAt.UTC().Format(time.RFC3339Nano)))
		return d.appendEventTx(ctx, tx, pipelineID, &id, store.EventTaskRetryScheduled, data, nil)
	})
}

func (d *DB) ListOrphanedTasks(ctx context.Context, olderThan time.Time) ([]*store.TaskExecution, error) {
	query := `SELECT ` + taskColumns + taskFrom + `
		WHERE te.status = ? AND te.started_at IS NOT NULL AND te.started_at < ?
		ORDER BY te.started_at ASC`
	rows, err := d.db.QueryContext(ctx, query, string(store.TaskRunning), timeValue(olderThan))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orphaned tasks")
	}
	defer rows.Close()

	var out []*store.TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task_execution")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) ResetOrphanedTask(ctx context.Context, id uuid.UUID, details string) (bool, error) {
	reset := false
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var rawPipelineID []byte
		err := tx.QueryRowContext(ctx,
			`SELECT pipeline_execution_id FROM task_executions WHERE id = ? AND status = ?`,
			uuidValue(id), string(store.TaskRunning),
		).Scan(&rawPipelineID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to load orphaned task")
		}

		now := timeValue(time.Now().UTC())
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_executions SET status = ?, started_at = NULL, updated_at = ? WHERE id = ?`,
			string(store.TaskReady), now, uuidValue(id),
		); err != nil {
			return errors.Wrap(err, "failed to reset orphaned task")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_outbox (id, task_execution_id, created_at) VALUES (?, ?, ?)`,
			uuidValue(uuid.New()), uuidValue(id), now,
		); err != nil {
			return errors.Wrap(err, "failed to re-enqueue orphaned task")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_events (id, pipeline_execution_id, task_execution_id, event_type, details, recovered_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuidValue(uuid.New()), rawPipelineID, uuidValue(id), string(store.RecoveryTaskReset), details, now,
		); err != nil {
			return errors.Wrap(err, "failed to record recovery event")
		}
		reset = true
		return nil
	})
	return reset, err
}
