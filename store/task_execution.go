package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the per-attempt state of a task execution.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "NotStarted"
	TaskReady      TaskStatus = "Ready"
	TaskRunning    TaskStatus = "Running"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
	TaskSkipped    TaskStatus = "Skipped"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// TaskExecution is one task within a pipeline execution. Attempt is
// monotonically non-decreasing; RetryAt is non-nil iff the task is
// Ready again after a failure.
type TaskExecution struct {
	ID                  uuid.UUID
	PipelineExecutionID uuid.UUID
	TaskName            string
	Status              TaskStatus
	Attempt             int
	MaxAttempts         int
	RetryAt             *time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	ContextID           *uuid.UUID
	ErrorDetails        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TaskClaim is the result of an atomic outbox claim: the outbox row is
// deleted, the task is Running, and a TaskClaimed event is written, all
// in one transaction.
type TaskClaim struct {
	TaskExecutionID     uuid.UUID
	PipelineExecutionID uuid.UUID
	TaskName            string
	Attempt             int
}

func (s *Store) ListTaskExecutions(ctx context.Context, pipelineID uuid.UUID) ([]*TaskExecution, error) {
	return s.driver.ListTaskExecutions(ctx, pipelineID)
}

func (s *Store) GetTaskExecution(ctx context.Context, id uuid.UUID) (*TaskExecution, error) {
	return s.driver.GetTaskExecution(ctx, id)
}

// MarkTasksReady flips NotStarted tasks to Ready, inserts their outbox
// rows, and emits TaskReady events atomically. Callers pass task names
// in ascending order for reproducible enqueueing.
func (s *Store) MarkTasksReady(ctx context.Context, pipelineID uuid.UUID, taskNames []string) error {
	return s.driver.MarkTasksReady(ctx, pipelineID, taskNames)
}

// SkipTasks marks tasks Skipped after an upstream failure.
func (s *Store) SkipTasks(ctx context.Context, pipelineID uuid.UUID, taskNames []string) error {
	return s.driver.SkipTasks(ctx, pipelineID, taskNames)
}

// ClaimReadyTasks atomically claims at most limit due outbox rows for
// this worker. No two concurrent callers ever receive the same task
// execution.
func (s *Store) ClaimReadyTasks(ctx context.Context, limit int, workerID string) ([]*TaskClaim, error) {
	return s.driver.ClaimReadyTasks(ctx, limit, workerID)
}

// CompleteTaskExecution persists the output context reference, marks
// the task Completed, and emits TaskCompleted.
func (s *Store) CompleteTaskExecution(ctx context.Context, id uuid.UUID, contextID *uuid.UUID) error {
	return s.driver.CompleteTaskExecution(ctx, id, contextID)
}

// FailTaskExecution marks the task Failed (terminal) and emits
// TaskFailed.
func (s *Store) FailTaskExecution(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.driver.FailTaskExecution(ctx, id, errMsg)
}

// ScheduleTaskRetry returns a failed attempt to Ready: attempt+1,
// retry_at set, started_at/completed_at cleared, an outbox row with
// created_at = retryAt so workers honor the delay, and a
// TaskRetryScheduled event.
func (s *Store) ScheduleTaskRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	return s.driver.ScheduleTaskRetry(ctx, id, retryAt)
}

// ListOrphanedTasks returns Running tasks whose started_at is older
// than the heartbeat threshold.
func (s *Store) ListOrphanedTasks(ctx context.Context, olderThan time.Time) ([]*TaskExecution, error) {
	return s.driver.ListOrphanedTasks(ctx, olderThan)
}

// ResetOrphanedTask returns an orphaned Running task to Ready with its
// attempt unchanged, re-inserts the outbox row, and records a recovery
// event. The state check runs inside the transaction, so duplicate
// recovery passes are no-ops; returns false when the task was no longer
// Running.
func (s *Store) ResetOrphanedTask(ctx context.Context, id uuid.UUID, details string) (bool, error) {
	return s.driver.ResetOrphanedTask(ctx, id, details)
}
