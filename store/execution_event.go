package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecutionEventType enumerates the audit event kinds.
type ExecutionEventType string

const (
	EventTaskReady          ExecutionEventType = "TaskReady"
	EventTaskClaimed        ExecutionEventType = "TaskClaimed"
	EventTaskStarted        ExecutionEventType = "TaskStarted"
	EventTaskCompleted      ExecutionEventType = "TaskCompleted"
	EventTaskFailed         ExecutionEventType = "TaskFailed"
	EventTaskSkipped        ExecutionEventType = "TaskSkipped"
	EventTaskRetryScheduled ExecutionEventType = "TaskRetryScheduled"
	EventPipelineStarted    ExecutionEventType = "PipelineStarted"
	EventPipelineCompleted  ExecutionEventType = "PipelineCompleted"
	EventPipelineFailed     ExecutionEventType = "PipelineFailed"
	EventPipelineCancelled  ExecutionEventType = "PipelineCancelled"
)

// ExecutionEvent is one append-only audit record. SequenceNum is a
// monotonically increasing integer assigned server-side; within a
// pipeline, events are totally ordered by it. Events are written by
// the same transaction that performs the state mutation.
type ExecutionEvent struct {
	ID                  uuid.UUID
	SequenceNum         int64
	PipelineExecutionID uuid.UUID
	TaskExecutionID     *uuid.UUID
	EventType           ExecutionEventType
	EventData           []byte
	WorkerID            *string
	CreatedAt           time.Time
}

func (s *Store) ListExecutionEvents(ctx context.Context, pipelineID uuid.UUID) ([]*ExecutionEvent, error) {
	return s.driver.ListExecutionEvents(ctx, pipelineID)
}

func (s *Store) ListTaskExecutionEvents(ctx context.Context, taskExecutionID uuid.UUID) ([]*ExecutionEvent, error) {
	return s.driver.ListTaskExecutionEvents(ctx, taskExecutionID)
}

// CountExecutionEventsOlderThan supports retention dry runs.
func (s *Store) CountExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.driver.CountExecutionEventsOlderThan(ctx, cutoff)
}

// DeleteExecutionEventsOlderThan deletes events older than cutoff and
// returns the deleted count.
func (s *Store) DeleteExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.driver.DeleteExecutionEventsOlderThan(ctx, cutoff)
}
