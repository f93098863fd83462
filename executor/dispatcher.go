// Package executor claims ready tasks from the outbox, routes them to
// backends, and feeds results back through the retry engine.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/aqueduct/internal/metrics"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/task"
	"github.com/hrygo/aqueduct/workflow"
)

// Config tunes one dispatcher instance.
type Config struct {
	// MaxConcurrentTasks bounds the worker pool.
	MaxConcurrentTasks int
	// PollInterval bounds claim latency when no wake signal arrives.
	PollInterval time.Duration
	// TaskTimeout is the per-attempt execution budget.
	TaskTimeout time.Duration
	// WorkerID identifies this process in TaskClaimed events.
	WorkerID string
}

// Dispatcher pulls claims and runs them on the backend pool.
type Dispatcher struct {
	store    *store.Store
	registry *workflow.Registry
	backends *BackendRegistry
	routing  RoutingConfig
	cfg      Config
	exporter *metrics.Exporter

	slots *semaphore.Weighted
	wake  chan struct{}
	// onTaskDone notifies the scheduler that a task reached a terminal
	// or retry state.
	onTaskDone func()

	wg sync.WaitGroup
}

// New creates a dispatcher.
func New(st *store.Store, registry *workflow.Registry, backends *BackendRegistry, routing RoutingConfig, cfg Config, exporter *metrics.Exporter, onTaskDone func()) (*Dispatcher, error) {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if err := routing.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:      st,
		registry:   registry,
		backends:   backends,
		routing:    routing,
		cfg:        cfg,
		exporter:   exporter,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		wake:       make(chan struct{}, 1),
		onTaskDone: onTaskDone,
	}, nil
}

// Wake requests an immediate claim pass.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run claims and executes tasks until ctx is cancelled, then waits for
// in-flight tasks to finish their current attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}

		claims, err := d.store.ClaimReadyTasks(ctx, d.cfg.MaxConcurrentTasks, d.cfg.WorkerID)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("failed to claim ready tasks", "error", err)
			}
			continue
		}
		if d.exporter != nil && len(claims) > 0 {
			d.exporter.RecordClaim("claimed", len(claims))
		}

		for _, claim := range claims {
			if err := d.slots.Acquire(ctx, 1); err != nil {
				// Shutting down with a claim in hand: the task stays
				// Running and recovery will requeue it.
				d.wg.Wait()
				return err
			}
			d.wg.Add(1)
			go func(c *store.TaskClaim) {
				defer d.wg.Done()
				defer d.slots.Release(1)
				d.execute(ctx, c)
			}(claim)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, claim *store.TaskClaim) {
	start := time.Now()
	if d.exporter != nil {
		d.exporter.TaskStarted()
		defer d.exporter.TaskFinished()
	}

	pipeline, err := d.store.GetPipelineExecution(ctx, claim.PipelineExecutionID)
	if err != nil {
		slog.Error("failed to load pipeline for claim", "task", claim.TaskName, "error", err)
		d.failTask(ctx, claim, "failed to load pipeline: "+err.Error())
		return
	}

	def, err := d.registry.Get(pipeline.WorkflowName)
	if err != nil {
		d.failTask(ctx, claim, "workflow unavailable: "+pipeline.WorkflowName)
		return
	}
	taskDef, ok := def.Tasks[claim.TaskName]
	if !ok {
		d.failTask(ctx, claim, "task not declared in workflow: "+claim.TaskName)
		return
	}

	input, err := d.buildInput(ctx, pipeline, def, claim.TaskName)
	if err != nil {
		d.failTask(ctx, claim, "failed to build input context: "+err.Error())
		return
	}

	ns := def.Namespace(claim.TaskName)
	backendName := d.routing.Resolve(ns)
	backend, ok := d.backends.Get(backendName)
	if !ok {
		d.failTask(ctx, claim, "no such backend: "+backendName)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	output, execErr := backend.Execute(execCtx, ns, input, &slotHandle{slots: d.slots})
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()
	if timedOut {
		execErr = task.NewError(task.KindTimeout, claim.TaskName, "task exceeded its timeout", context.DeadlineExceeded)
	}

	status := "success"
	if execErr != nil {
		status = "error"
	}
	if d.exporter != nil {
		d.exporter.RecordTaskDuration(backendName, status, time.Since(start))
	}

	if execErr != nil {
		d.handleFailure(ctx, claim, taskDef, execErr)
		return
	}

	var contextID *uuid.UUID
	if output != nil && !output.IsEmpty() {
		data, err := output.ToJSON()
		if err != nil {
			d.failTask(ctx, claim, "failed to serialize output context: "+err.Error())
			return
		}
		id, err := d.store.CreateContext(ctx, data)
		if err != nil {
			d.failTask(ctx, claim, "failed to persist output context: "+err.Error())
			return
		}
		contextID = &id
	}

	if err := d.store.CompleteTaskExecution(ctx, claim.TaskExecutionID, contextID); err != nil {
		slog.Error("failed to complete task", "task", claim.TaskName, "error", err)
		return
	}
	slog.Debug("task completed", "task", claim.TaskName, "pipeline", claim.PipelineExecutionID, "attempt", claim.Attempt)
	d.notify()
}

// handleFailure routes a failed attempt through the task's retry
// policy.
func (d *Dispatcher) handleFailure(ctx context.Context, claim *store.TaskClaim, taskDef *workflow.TaskDefinition, execErr error) {
	policy := taskDef.RetryPolicy
	if policy.ShouldRetry(claim.Attempt, execErr) {
		retryAt := policy.RetryAt(time.Now().UTC(), claim.Attempt)
		if err := d.store.ScheduleTaskRetry(ctx, claim.TaskExecutionID, retryAt); err != nil {
			slog.Error("failed to schedule retry", "task", claim.TaskName, "error", err)
			return
		}
		if d.exporter != nil {
			d.exporter.RecordRetryScheduled()
		}
		slog.Warn("task attempt failed, retry scheduled",
			"task", claim.TaskName, "attempt", claim.Attempt, "retry_at", retryAt, "error", execErr)
		d.notify()
		return
	}
	d.failTask(ctx, claim, execErr.Error())
}

func (d *Dispatcher) failTask(ctx context.Context, claim *store.TaskClaim, msg string) {
	if err := d.store.FailTaskExecution(ctx, claim.TaskExecutionID, msg); err != nil {
		slog.Error("failed to mark task failed", "task", claim.TaskName, "error", err)
		return
	}
	slog.Warn("task failed", "task", claim.TaskName, "attempt", claim.Attempt, "error", msg)
	d.notify()
}

func (d *Dispatcher) notify() {
	if d.onTaskDone != nil {
		d.onTaskDone()
	}
}

// buildInput merges the pipeline input context with the output contexts
// of the task's dependencies, dependencies last in ascending name order
// so their writes win.
func (d *Dispatcher) buildInput(ctx context.Context, pipeline *store.PipelineExecution, def *workflow.Workflow, taskName string) (*task.Context, error) {
	input := task.NewContext()
	if pipeline.ContextID != nil {
		data, err := d.store.GetContext(ctx, *pipeline.ContextID)
		if err != nil {
			return nil, err
		}
		base, err := task.ContextFromJSON(data)
		if err != nil {
			return nil, err
		}
		input.Merge(base)
	}

	deps := def.Tasks[taskName].Dependencies
	if len(deps) == 0 {
		return input, nil
	}

	execs, err := d.store.ListTaskExecutions(ctx, pipeline.ID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*store.TaskExecution, len(execs))
	for _, te := range execs {
		byName[te.TaskName] = te
	}

	sorted := make([]string, len(deps))
	copy(sorted, deps)
	sort.Strings(sorted)
	for _, dep := range sorted {
		te := byName[dep]
		if te == nil || te.ContextID == nil {
			continue
		}
		data, err := d.store.GetContext(ctx, *te.ContextID)
		if err != nil {
			return nil, err
		}
		c, err := task.ContextFromJSON(data)
		if err != nil {
			return nil, err
		}
		input.Merge(c)
	}
	return input, nil
}
