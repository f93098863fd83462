package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PipelineStatus is the lifecycle state of a pipeline execution.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "Pending"
	PipelineRunning   PipelineStatus = "Running"
	PipelineCompleted PipelineStatus = "Completed"
	PipelineFailed    PipelineStatus = "Failed"
	PipelineCancelled PipelineStatus = "Cancelled"
)

// IsTerminal reports whether the status is final. Completed and Failed
// pipelines are never mutated except via explicit retention delete; a
// Cancelled pipeline can still be moved to Failed by
// FailPipelineExecution.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineCompleted || s == PipelineFailed || s == PipelineCancelled
}

// PipelineExecution is one invocation of a workflow.
type PipelineExecution struct {
	ID               uuid.UUID
	WorkflowName     string
	WorkflowVersion  string
	Status           PipelineStatus
	ContextID        *uuid.UUID
	FinalContextID   *uuid.UUID
	RecoveryAttempts int
	ErrorDetails     *string
	StartedAt        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreatePipelineExecution is the create request. The input context is
// cloned and stored; task executions for all task names are initialized
// NotStarted in the same transaction, and a PipelineStarted event is
// emitted.
type CreatePipelineExecution struct {
	WorkflowName    string
	WorkflowVersion string
	ContextJSON     []byte
	TaskNames       []string
}

// FindPipelineExecution is the find condition for pipeline executions.
type FindPipelineExecution struct {
	ID           *uuid.UUID
	WorkflowName *string
	Status       *PipelineStatus
	Limit        int
	Offset       int
}

func (s *Store) CreatePipelineExecution(ctx context.Context, create *CreatePipelineExecution) (*PipelineExecution, error) {
	return s.driver.CreatePipelineExecution(ctx, create)
}

func (s *Store) GetPipelineExecution(ctx context.Context, id uuid.UUID) (*PipelineExecution, error) {
	return s.driver.GetPipelineExecution(ctx, id)
}

func (s *Store) ListPipelineExecutions(ctx context.Context, find *FindPipelineExecution) ([]*PipelineExecution, error) {
	return s.driver.ListPipelineExecutions(ctx, find)
}

// CompletePipelineExecution marks the pipeline Completed, records the
// final context id, and emits PipelineCompleted.
func (s *Store) CompletePipelineExecution(ctx context.Context, id uuid.UUID, finalContextID *uuid.UUID) error {
	return s.driver.CompletePipelineExecution(ctx, id, finalContextID)
}

// FailPipelineExecution marks the pipeline Failed with error details
// and emits PipelineFailed.
func (s *Store) FailPipelineExecution(ctx context.Context, id uuid.UUID, errorDetails string) error {
	return s.driver.FailPipelineExecution(ctx, id, errorDetails)
}

// CancelPipelineExecution marks the pipeline Cancelled. Running tasks
// finish their current attempt; no further outbox rows are emitted for
// the pipeline.
func (s *Store) CancelPipelineExecution(ctx context.Context, id uuid.UUID) error {
	return s.driver.CancelPipelineExecution(ctx, id)
}

// IncrementPipelineRecoveryAttempts bumps and returns the pipeline's
// recovery attempt counter.
func (s *Store) IncrementPipelineRecoveryAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	return s.driver.IncrementPipelineRecoveryAttempts(ctx, id)
}
