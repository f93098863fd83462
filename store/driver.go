package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Driver is the backend contract implemented by the PostgreSQL and
// SQLite layers. Both expose the same logical operations; every state
// mutation writes its execution event inside the same transaction.
type Driver interface {
	GetDB() *sql.DB
	Migrate(ctx context.Context) error
	Close() error

	// Pipeline executions.
	CreatePipelineExecution(ctx context.Context, create *CreatePipelineExecution) (*PipelineExecution, error)
	GetPipelineExecution(ctx context.Context, id uuid.UUID) (*PipelineExecution, error)
	ListPipelineExecutions(ctx context.Context, find *FindPipelineExecution) ([]*PipelineExecution, error)
	CompletePipelineExecution(ctx context.Context, id uuid.UUID, finalContextID *uuid.UUID) error
	FailPipelineExecution(ctx context.Context, id uuid.UUID, errorDetails string) error
	CancelPipelineExecution(ctx context.Context, id uuid.UUID) error
	IncrementPipelineRecoveryAttempts(ctx context.Context, id uuid.UUID) (int, error)

	// Task executions and the outbox.
	ListTaskExecutions(ctx context.Context, pipelineID uuid.UUID) ([]*TaskExecution, error)
	GetTaskExecution(ctx context.Context, id uuid.UUID) (*TaskExecution, error)
	MarkTasksReady(ctx context.Context, pipelineID uuid.UUID, taskNames []string) error
	SkipTasks(ctx context.Context, pipelineID uuid.UUID, taskNames []string) error
	ClaimReadyTasks(ctx context.Context, limit int, workerID string) ([]*TaskClaim, error)
	CompleteTaskExecution(ctx context.Context, id uuid.UUID, contextID *uuid.UUID) error
	FailTaskExecution(ctx context.Context, id uuid.UUID, errMsg string) error
	ScheduleTaskRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error
	ListOrphanedTasks(ctx context.Context, olderThan time.Time) ([]*TaskExecution, error)
	ResetOrphanedTask(ctx context.Context, id uuid.UUID, details string) (bool, error)

	// Contexts.
	CreateContext(ctx context.Context, data []byte) (uuid.UUID, error)
	GetContext(ctx context.Context, id uuid.UUID) ([]byte, error)
	DeleteContextsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Execution events.
	ListExecutionEvents(ctx context.Context, pipelineID uuid.UUID) ([]*ExecutionEvent, error)
	ListTaskExecutionEvents(ctx context.Context, taskExecutionID uuid.UUID) ([]*ExecutionEvent, error)
	CountExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExecutionEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Recovery events.
	CreateRecoveryEvent(ctx context.Context, event *RecoveryEvent) error
	ListRecoveryEvents(ctx context.Context, pipelineID uuid.UUID) ([]*RecoveryEvent, error)

	// Cron schedules and executions.
	CreateCronSchedule(ctx context.Context, create *CronSchedule) (*CronSchedule, error)
	GetCronSchedule(ctx context.Context, id uuid.UUID) (*CronSchedule, error)
	ListCronSchedules(ctx context.Context, find *FindCronSchedule) ([]*CronSchedule, error)
	UpdateCronSchedule(ctx context.Context, update *UpdateCronSchedule) error
	DeleteCronSchedule(ctx context.Context, id uuid.UUID) error
	GetDueCronSchedules(ctx context.Context, now time.Time) ([]*CronSchedule, error)
	ClaimDueCronSchedule(ctx context.Context, id uuid.UUID, now, lastRun, nextRun time.Time) (bool, error)
	CreateCronExecution(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (*CronExecution, error)
	LinkCronExecutionPipeline(ctx context.Context, id, pipelineID uuid.UUID) error
	ListLostCronExecutions(ctx context.Context, lostThreshold, maxAge time.Duration, maxAttempts int) ([]*CronExecution, error)
	IncrementCronExecutionRecovery(ctx context.Context, id uuid.UUID) (int, error)

	// Workflow packages.
	CreateWorkflowPackage(ctx context.Context, pkg *WorkflowPackage, data []byte) (*WorkflowPackage, error)
	GetWorkflowPackage(ctx context.Context, name, version string) (*WorkflowPackage, []byte, error)
	ListWorkflowPackages(ctx context.Context) ([]*WorkflowPackage, error)
	DeleteWorkflowPackage(ctx context.Context, name, version string) error

	// Signatures and keys.
	StorePackageSignature(ctx context.Context, sig *PackageSignature) error
	GetPackageSignature(ctx context.Context, packageHash string) (*PackageSignature, error)
	StoreSigningKey(ctx context.Context, key *SigningKey) error
	GetSigningKey(ctx context.Context, name string) (*SigningKey, error)
	StoreTrustedKey(ctx context.Context, key *TrustedKey) error
	GetTrustedKeyByFingerprint(ctx context.Context, org, fingerprint string) (*TrustedKey, error)
	RevokeTrustedKey(ctx context.Context, org, fingerprint string) error
	ListTrustedKeys(ctx context.Context, org string) ([]*TrustedKey, error)
}
