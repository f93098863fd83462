package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hrygo/aqueduct/store"
)

const cronScheduleColumns = `
	id, workflow_name, cron_expression, timezone, enabled, catchup_policy,
	start_date, end_date, next_run_at, last_run_at, created_at, updated_at
`

func scanCronSchedule(row interface{ Scan(...any) error }) (*store.CronSchedule, error) {
	var s store.CronSchedule
	var startDate, endDate, lastRunAt sql.NullTime

	if err := row.Scan(
		&s.ID,
		&s.WorkflowName,
		&s.CronExpression,
		&s.Timezone,
		&s.Enabled,
		&s.CatchupPolicy,
		&startDate,
		&endDate,
		&s.NextRunAt,
		&lastRunAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if startDate.Valid {
		v := startDate.Time
		s.StartDate = &v
	}
	if endDate.Valid {
		v := endDate.Time
		s.EndDate = &v
	}
	if lastRunAt.Valid {
		v := lastRunAt.Time
		s.LastRunAt = &v
	}
	return &s, nil
}

func (d *DB) CreateCronSchedule(ctx context.Context, create *store.CronSchedule) (*store.CronSchedule, error) {
	if create.ID == uuid.Nil {
		create.ID = uuid.New()
	}
	query := `
		INSERT INTO cron_schedules (id, workflow_name, cron_expression, timezone, enabled, catchup_policy, start_date, end_date, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := d.db.QueryRowContext(ctx, query,
		create.ID,
		create.WorkflowName,
		create.CronExpression,
		create.Timezone,
		create.Enabled,
		string(create.CatchupPolicy),
		nullTime(create.StartDate),
		nullTime(create.EndDate),
		create.NextRunAt,
	).Scan(&create.CreatedAt, &create.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create cron_schedule: %w", err)
	}
	return create, nil
}

func (d *DB) GetCronSchedule(ctx context.Context, id uuid.UUID) (*store.CronSchedule, error) {
	query := `SELECT ` + cronScheduleColumns + ` FROM cron_schedules WHERE id = $1`
	s, err := scanCronSchedule(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get cron_schedule: %w", err)
	}
	return s, nil
}

func (d *DB) ListCronSchedules(ctx context.Context, find *store.FindCronSchedule) ([]*store.CronSchedule, error) {
	where, args := []string{"TRUE"}, []any{}
	if find.WorkflowName != nil {
		args = append(args, *find.WorkflowName)
		where = append(where, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if find.Enabled != nil {
		args = append(args, *find.Enabled)
		where = append(where, fmt.Sprintf("enabled = $%d", len(args)))
	}

	query := `SELECT ` + cronScheduleColumns + ` FROM cron_schedules WHERE ` + strings.Join(where, " AND ") + ` ORDER BY next_run_at ASC`
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
		return nil, fmt.Errorf("failed to list cron_schedules: %w", err)
	}
	defer rows.Close()

	var out []*store.CronSchedule
	for rows.Next() {
		s, err := scanCronSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cron_schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) UpdateCronSchedule(ctx context.Context, update *store.UpdateCronSchedule) error {
	set, args := []string{"updated_at = NOW()"}, []any{}
	if update.CronExpression != nil {
		args = append(args, *update.CronExpression)
		set = append(set, fmt.Sprintf("cron_expression = $%d", len(args)))
	}
	if update.Timezone != nil {
		args = append(args, *update.Timezone)
		set = append(set, fmt.Sprintf("timezone = $%d", len(args)))
	}
	if update.Enabled != nil {
		args = append(args, *update.Enabled)
		set = append(set, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if update.CatchupPolicy != nil {
		args = append(args, string(*update.CatchupPolicy))
		set = append(set, fmt.Sprintf("catchup_policy = $%d", len(args)))
	}
	if update.StartDate != nil {
		args = append(args, *update.StartDate)
		set = append(set, fmt.Sprintf("start_date = $%d", len(args)))
	}
	if update.EndDate != nil {
		args = append(args, *update.EndDate)
		set = append(set, fmt.Sprintf("end_date = $%d", len(args)))
	}
	if update.NextRunAt != nil {
		args = append(args, *update.NextRunAt)
		set = append(set, fmt.Sprintf("next_run_at = $%d", len(args)))
	}

	args = append(args, update.ID)
	query := `UPDATE cron_schedules SET ` + strings.Join(set, ", ") + fmt.Sprintf(` WHERE id = $%d`, len(args))
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update cron_schedule: %w", err)
	}
	return nil
}

func (d *DB) DeleteCronSchedule(ctx context.Context, id uuid.UUID) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete cron_schedule: %w", err)
	}
	return nil
}

func (d *DB) GetDueCronSchedules(ctx context.Context, now time.Time) ([]*store.CronSchedule, error) {
	query := `SELECT ` + cronScheduleColumns + `
		FROM cron_schedules
		WHERE enabled AND next_run_at <= $1
		  AND (start_date IS NULL OR start_date <= $1)
		  AND (end_date IS NULL OR end_date >= $1)
		ORDER BY next_run_at ASC`
	rows, err := d.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get due cron_schedules: %w", err)
	}
	defer rows.Close()

	var out []*store.CronSchedule
	for rows.Next() {
		s, err := scanCronSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cron_schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClaimDueCronSchedule wins iff the row is still due and enabled: the
// guarded UPDATE advances the timing so exactly one competing instance
// observes a row count of one.
func (d *DB) ClaimDueCronSchedule(ctx context.Context, id uuid.UUID, now, lastRun, nextRun time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE cron_schedules
		SET last_run_at = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND enabled AND next_run_at <= $4`,
		id, lastRun, nextRun, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim cron_schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) CreateCronExecution(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (*store.CronExecution, error) {
	exec := &store.CronExecution{
		ID:            uuid.New(),
		ScheduleID:    scheduleID,
		ScheduledTime: scheduledTime,
	}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO cron_executions (id, schedule_id, scheduled_time)
		VALUES ($1, $2, $3)
		RETURNING claimed_at, updated_at`,
		exec.ID, scheduleID, scheduledTime,
	).Scan(&exec.ClaimedAt, &exec.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, &store.ErrCronExecutionExists{ScheduleID: scheduleID, ScheduledTime: scheduledTime}
		}
		return nil, fmt.Errorf("failed to create cron_execution: %w", err)
	}
	return exec, nil
}

func (d *DB) LinkCronExecutionPipeline(ctx context.Context, id, pipelineID uuid.UUID) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE cron_executions
		SET pipeline_execution_id = $2, updated_at = NOW()
		WHERE id = $1`,
		id, pipelineID,
	); err != nil {
		return fmt.Errorf("failed to link cron_execution pipeline: %w", err)
	}
	return nil
}

func (d *DB) ListLostCronExecutions(ctx context.Context, lostThreshold, maxAge time.Duration, maxAttempts int) ([]*store.CronExecution, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, schedule_id, scheduled_time, pipeline_execution_id, recovery_attempts, claimed_at, updated_at
		FROM cron_executions
		WHERE pipeline_execution_id IS NULL
		  AND claimed_at < NOW() - $1::interval
		  AND claimed_at > NOW() - $2::interval
		  AND recovery_attempts < $3
		ORDER BY claimed_at ASC`,
		fmt.Sprintf("%d seconds", int(lostThreshold.Seconds())),
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())),
		maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list lost cron_executions: %w", err)
	}
	defer rows.Close()

	var out []*store.CronExecution
	for rows.Next() {
		var e store.CronExecution
		var pipelineID uuid.NullUUID
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.ScheduledTime, &pipelineID, &e.RecoveryAttempts, &e.ClaimedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cron_execution: %w", err)
		}
		if pipelineID.Valid {
			e.PipelineExecutionID = &pipelineID.UUID
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (d *DB) IncrementCronExecutionRecovery(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := d.db.QueryRowContext(ctx, `
		UPDATE cron_executions
		SET recovery_attempts = recovery_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING recovery_attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment cron recovery attempts: %w", err)
	}
	return attempts, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
