package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/store"
)

const cronScheduleColumns = `
	id, workflow_name, cron_expression, timezone, enabled, catchup_policy,
	start_date, end_date, next_run_at, last_run_at, created_at, updated_at
`

func scanCronSchedule(row interface{ Scan(...any) error }) (*store.CronSchedule, error) {
	var s store.CronSchedule
	var id blobUUID
	var startDate, endDate, nextRunAt, lastRunAt, createdAt, updatedAt isoTime

	if err := row.Scan(
		&id,
		&s.WorkflowName,
		&s.CronExpression,
		&s.Timezone,
		&s.Enabled,
		&s.CatchupPolicy,
		&startDate,
		&endDate,
		&nextRunAt,
		&lastRunAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	s.ID = id.UUID
	s.StartDate = startDate.ptr()
	s.EndDate = endDate.ptr()
	s.NextRunAt = nextRunAt.Time
	s.LastRunAt = lastRunAt.ptr()
	s.CreatedAt = createdAt.Time
	s.UpdatedAt = updatedAt.Time
	return &s, nil
}

func (d *DB) CreateCronSchedule(ctx context.Context, create *store.CronSchedule) (*store.CronSchedule, error) {
	if create.ID == uuid.Nil {
		create.ID = uuid.New()
	}
	now := time.Now().UTC()
	create.CreatedAt = now
	create.UpdatedAt = now
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, workflow_name, cron_expression, timezone, enabled, catchup_policy, start_date, end_date, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuidValue(create.ID),
		create.WorkflowName,
		create.CronExpression,
		create.Timezone,
		create.Enabled,
		string(create.CatchupPolicy),
		nullTimeValue(create.StartDate),
		nullTimeValue(create.EndDate),
		timeValue(create.NextRunAt),
		timeValue(now), timeValue(now),
	); err != nil {
		return nil, errors.Wrap(err, "failed to create cron_schedule")
	}
	return create, nil
}

func (d *DB) GetCronSchedule(ctx context.Context, id uuid.UUID) (*store.CronSchedule, error) {
	query := `SELECT ` + cronScheduleColumns + ` FROM cron_schedules WHERE id = ?`
	s, err := scanCronSchedule(d.db.QueryRowContext(ctx, query, uuidValue(id)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get cron_schedule")
	}
	return s, nil
}

func (d *DB) ListCronSchedules(ctx context.Context, find *store.FindCronSchedule) ([]*store.CronSchedule, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.WorkflowName != nil {
		where, args = append(where, "workflow_name = ?"), append(args, *find.WorkflowName)
	}
	if find.Enabled != nil {
		where, args = append(where, "enabled = ?"), append(args, *find.Enabled)
	}

	query := `SELECT ` + cronScheduleColumns + ` FROM cron_schedules WHERE ` + strings.Join(where, " AND ") + ` ORDER BY next_run_at ASC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
		if find.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cron_schedules")
	}
	defer rows.Close()

	var out []*store.CronSchedule
	for rows.Next() {
		s, err := scanCronSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan cron_schedule")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) UpdateCronSchedule(ctx context.Context, update *store.UpdateCronSchedule) error {
	set, args := []string{"updated_at = ?"}, []any{timeValue(time.Now().UTC())}
	if update.CronExpression != nil {
		set, args = append(set, "cron_expression = ?"), append(args, *update.CronExpression)
	}
	if update.Timezone != nil {
		set, args = append(set, "timezone = ?"), append(args, *update.Timezone)
	}
	if update.Enabled != nil {
		set, args = append(set, "enabled = ?"), append(args, *update.Enabled)
	}
	if update.CatchupPolicy != nil {
		set, args = append(set, "catchup_policy = ?"), append(args, string(*update.CatchupPolicy))
	}
	if update.StartDate != nil {
		set, args = append(set, "start_date = ?"), append(args, timeValue(*update.StartDate))
	}
	if update.EndDate != nil {
		set, args = append(set, "end_date = ?"), append(args, timeValue(*update.EndDate))
	}
	if update.NextRunAt != nil {
		set, args = append(set, "next_run_at = ?"), append(args, timeValue(*update.NextRunAt))
	}

	args = append(args, uuidValue(update.ID))
	query := `UPDATE cron_schedules SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to update cron_schedule")
	}
	return nil
}

func (d *DB) DeleteCronSchedule(ctx context.Context, id uuid.UUID) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?`, uuidValue(id)); err != nil {
		return errors.Wrap(err, "failed to delete cron_schedule")
	}
	return nil
}

func (d *DB) GetDueCronSchedules(ctx context.Context, now time.Time) ([]*store.CronSchedule, error) {
	nowStr := timeValue(now)
	query := `SELECT ` + cronScheduleColumns + `
		FROM cron_schedules
		WHERE enabled AND next_run_at <= ?
		  AND (start_date IS NULL OR start_date <= ?)
		  AND (end_date IS NULL OR end_date >= ?)
		ORDER BY next_run_at ASC`
	rows, err := d.db.QueryContext(ctx, query, nowStr, nowStr, nowStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get due cron_schedules")
	}
	defer rows.Close()

	var out []*store.CronSchedule
	for rows.Next() {
		s, err := scanCronSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan cron_schedule")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DB) ClaimDueCronSchedule(ctx context.Context, id uuid.UUID, now, lastRun, nextRun time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE cron_schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND enabled AND next_run_at <= ?`,
		timeValue(lastRun), timeValue(nextRun), timeValue(time.Now().UTC()),
		uuidValue(id), timeValue(now),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim cron_schedule")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) CreateCronExecution(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (*store.CronExecution, error) {
	now := time.Now().UTC()
	exec := &store.CronExecution{
		ID:            uuid.New(),
		ScheduleID:    scheduleID,
		ScheduledTime: scheduledTime,
		ClaimedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO cron_executions (id, schedule_id, scheduled_time, claimed_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuidValue(exec.ID), uuidValue(scheduleID), timeValue(scheduledTime), timeValue(now), timeValue(now),
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, &store.ErrCronExecutionExists{ScheduleID: scheduleID, ScheduledTime: scheduledTime}
		}
		return nil, errors.Wrap(err, "failed to create cron_execution")
	}
	return exec, nil
}

func (d *DB) LinkCronExecutionPipeline(ctx context.Context, id, pipelineID uuid.UUID) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE cron_executions SET pipeline_execution_id = ?, updated_at = ? WHERE id = ?`,
		uuidValue(pipelineID), timeValue(time.Now().UTC()), uuidValue(id),
	); err != nil {
		return errors.Wrap(err, "failed to link cron_execution pipeline")
	}
	return nil
}

func (d *DB) ListLostCronExecutions(ctx context.Context, lostThreshold, maxAge time.Duration, maxAttempts int) ([]*store.CronExecution, error) {
	now := time.Now().UTC()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, schedule_id, scheduled_time, pipeline_execution_id, recovery_attempts, claimed_at, updated_at
		FROM cron_executions
		WHERE pipeline_execution_id IS NULL
		  AND claimed_at < ?
		  AND claimed_at > ?
		  AND recovery_attempts < ?
		ORDER BY claimed_at ASC`,
		timeValue(now.Add(-lostThreshold)), timeValue(now.Add(-maxAge)), maxAttempts,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list lost cron_executions")
	}
	defer rows.Close()

	var out []*store.CronExecution
	for rows.Next() {
		var e store.CronExecution
		var id, scheduleID, pipelineID blobUUID
		var scheduledTime, claimedAt, updatedAt isoTime
		if err := rows.Scan(&id, &scheduleID, &scheduledTime, &pipelineID, &e.RecoveryAttempts, &claimedAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan cron_execution")
		}
		e.ID = id.UUID
		e.ScheduleID = scheduleID.UUID
		e.ScheduledTime = scheduledTime.Time
		if pipelineID.Valid {
			e.PipelineExecutionID = &pipelineID.UUID
		}
		e.ClaimedAt = claimedAt.Time
		e.UpdatedAt = updatedAt.Time
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (d *DB) IncrementCronExecutionRecovery(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	if _, err := d.db.ExecContext(ctx, `
		UPDATE cron_executions SET recovery_attempts = recovery_attempts + 1, updated_at = ? WHERE id = ?`,
		timeValue(time.Now().UTC()), uuidValue(id),
	); err != nil {
		return 0, errors.Wrap(err, "failed to increment cron recovery attempts")
	}
	if err := d.db.QueryRowContext(ctx,
		`SELECT recovery_attempts FROM cron_executions WHERE id = ?`, uuidValue(id),
	).Scan(&attempts); err != nil {
		return 0, errors.Wrap(err, "failed to read cron recovery attempts")
	}
	return attempts, nil
}
