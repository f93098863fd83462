package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CatchupPolicy decides what happens when cron fires were missed while
// no worker was running.
type CatchupPolicy string

const (
	// CatchupSkip advances next_run past missed fires.
	CatchupSkip CatchupPolicy = "skip"
	// CatchupAll enqueues missed fires, bounded by the runner's
	// max-catchup-executions count.
	CatchupAll CatchupPolicy = "all"
)

// CronSchedule is a time-based pipeline creation rule. next_run_at is
// always the next computable fire time for the expression and timezone.
type CronSchedule struct {
	ID             uuid.UUID
	WorkflowName   string
	CronExpression string
	Timezone       string
	Enabled        bool
	CatchupPolicy  CatchupPolicy
	StartDate      *time.Time
	EndDate        *time.Time
	NextRunAt      time.Time
	LastRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpdateCronSchedule carries partial updates. Changing the expression
// or timezone requires the caller to recompute NextRunAt.
type UpdateCronSchedule struct {
	ID             uuid.UUID
	CronExpression *string
	Timezone       *string
	Enabled        *bool
	CatchupPolicy  *CatchupPolicy
	StartDate      *time.Time
	EndDate        *time.Time
	NextRunAt      *time.Time
}

// FindCronSchedule is the find condition for cron schedules.
type FindCronSchedule struct {
	WorkflowName *string
	Enabled      *bool
	Limit        int
	Offset       int
}

// ErrCronExecutionExists is returned when a (schedule, scheduled time)
// pair has already been claimed.
type ErrCronExecutionExists struct {
	ScheduleID    uuid.UUID
	ScheduledTime time.Time
}

func (e *ErrCronExecutionExists) Error() string {
	return "cron execution already claimed: " + e.ScheduleID.String() + " at " + e.ScheduledTime.UTC().Format(time.RFC3339)
}

// CronExecution is the audit row claiming one (schedule, scheduled
// time) pair; the pair is unique, which is what makes each fire happen
// exactly once across competing workers.
type CronExecution struct {
	ID                  uuid.UUID
	ScheduleID          uuid.UUID
	ScheduledTime       time.Time
	PipelineExecutionID *uuid.UUID
	RecoveryAttempts    int
	ClaimedAt           time.Time
	UpdatedAt           time.Time
}

func (s *Store) CreateCronSchedule(ctx context.Context, create *CronSchedule) (*CronSchedule, error) {
	return s.driver.CreateCronSchedule(ctx, create)
}

func (s *Store) GetCronSchedule(ctx context.Context, id uuid.UUID) (*CronSchedule, error) {
	return s.driver.GetCronSchedule(ctx, id)
}

func (s *Store) ListCronSchedules(ctx context.Context, find *FindCronSchedule) ([]*CronSchedule, error) {
	return s.driver.ListCronSchedules(ctx, find)
}

func (s *Store) UpdateCronSchedule(ctx context.Context, update *UpdateCronSchedule) error {
	return s.driver.UpdateCronSchedule(ctx, update)
}

func (s *Store) DeleteCronSchedule(ctx context.Context, id uuid.UUID) error {
	return s.driver.DeleteCronSchedule(ctx, id)
}

// GetDueCronSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) GetDueCronSchedules(ctx context.Context, now time.Time) ([]*CronSchedule, error) {
	return s.driver.GetDueCronSchedules(ctx, now)
}

// ClaimDueCronSchedule atomically claims a due schedule by advancing
// its timing. The claim succeeds iff the row still satisfies
// next_run_at <= now AND enabled, so exactly one competing instance
// wins each fire.
func (s *Store) ClaimDueCronSchedule(ctx context.Context, id uuid.UUID, now, lastRun, nextRun time.Time) (bool, error) {
	return s.driver.ClaimDueCronSchedule(ctx, id, now, lastRun, nextRun)
}

// CreateCronExecution records a claimed fire. Violating the unique
// (schedule_id, scheduled_time) pair returns ErrCronExecutionExists.
func (s *Store) CreateCronExecution(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (*CronExecution, error) {
	return s.driver.CreateCronExecution(ctx, scheduleID, scheduledTime)
}

// LinkCronExecutionPipeline attaches the created pipeline execution to
// the cron execution audit row.
func (s *Store) LinkCronExecutionPipeline(ctx context.Context, id, pipelineID uuid.UUID) error {
	return s.driver.LinkCronExecutionPipeline(ctx, id, pipelineID)
}

// ListLostCronExecutions returns cron executions older than the lost
// threshold without a linked pipeline, skipping rows older than maxAge
// or past maxAttempts.
func (s *Store) ListLostCronExecutions(ctx context.Context, lostThreshold, maxAge time.Duration, maxAttempts int) ([]*CronExecution, error) {
	return s.driver.ListLostCronExecutions(ctx, lostThreshold, maxAge, maxAttempts)
}

// IncrementCronExecutionRecovery bumps and returns the row's recovery
// attempt counter.
func (s *Store) IncrementCronExecutionRecovery(ctx context.Context, id uuid.UUID) (int, error) {
	return s.driver.IncrementCronExecutionRecovery(ctx, id)
}
