package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecoveryEventType enumerates recovery audit kinds, kept separate from
// the execution event stream.
type RecoveryEventType string

const (
	RecoveryTaskReset           RecoveryEventType = "TaskReset"
	RecoveryPipelineAbandoned   RecoveryEventType = "PipelineAbandoned"
	RecoveryWorkflowUnavailable RecoveryEventType = "WorkflowUnavailable"
	RecoveryCronReplayed        RecoveryEventType = "CronReplayed"
)

// RecoveryEvent records one recovery action taken against an execution.
type RecoveryEvent struct {
	ID                  uuid.UUID
	PipelineExecutionID uuid.UUID
	TaskExecutionID     *uuid.UUID
	EventType           RecoveryEventType
	Details             string
	RecoveredAt         time.Time
}

func (s *Store) CreateRecoveryEvent(ctx context.Context, event *RecoveryEvent) error {
	return s.driver.CreateRecoveryEvent(ctx, event)
}

func (s *Store) ListRecoveryEvents(ctx context.Context, pipelineID uuid.UUID) ([]*RecoveryEvent, error) {
	return s.driver.ListRecoveryEvents(ctx, pipelineID)
}
