// Package scheduler drives Running pipelines forward: tasks whose
// dependencies completed become Ready and are enqueued to the outbox;
// finished DAGs close their pipeline. Many scheduler processes may run
// concurrently against one database; per-pipeline writes are serialized
// by the store layer.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/aqueduct/internal/metrics"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/task"
	"github.com/hrygo/aqueduct/workflow"
)

// Config tunes one scheduler instance.
type Config struct {
	// PollInterval bounds how long a pass can be delayed when no wake
	// signal arrives.
	PollInterval time.Duration
	// PipelineTimeout fails pipelines that run past the budget; zero
	// disables the check.
	PipelineTimeout time.Duration
}

// Scheduler evaluates running pipelines on a poll-or-wake loop.
type Scheduler struct {
	store    *store.Store
	registry *workflow.Registry
	cfg      Config
	exporter *metrics.Exporter

	wake chan struct{}
}

// New creates a scheduler reading definitions from registry.
func New(st *store.Store, registry *workflow.Registry, cfg Config, exporter *metrics.Exporter) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Scheduler{
		store:    st,
		registry: registry,
		cfg:      cfg,
		exporter: exporter,
		wake:     make(chan struct{}, 1),
	}
}

// Wake requests an immediate pass. Safe to call from any goroutine;
// signals coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
		if err := s.Pass(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler pass failed", "error", err)
		}
	}
}

// Pass evaluates every Running pipeline once.
func (s *Scheduler) Pass(ctx context.Context) error {
	running := store.PipelineRunning
	pipelines, err := s.store.ListPipelineExecutions(ctx, &store.FindPipelineExecution{Status: &running})
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		if err := s.step(ctx, p); err != nil {
			slog.Error("failed to advance pipeline", "pipeline", p.ID, "workflow", p.WorkflowName, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) step(ctx context.Context, p *store.PipelineExecution) error {
	if s.cfg.PipelineTimeout > 0 && time.Since(p.StartedAt) > s.cfg.PipelineTimeout {
		slog.Warn("pipeline exceeded timeout", "pipeline", p.ID, "workflow", p.WorkflowName)
		return s.store.FailPipelineExecution(ctx, p.ID, "pipeline timeout exceeded")
	}

	def, err := s.registry.Get(p.WorkflowName)
	if err != nil {
		// The pipeline references a workflow this process no longer
		// knows; record it and fail with a distinct reason.
		_ = s.store.CreateRecoveryEvent(ctx, &store.RecoveryEvent{
			PipelineExecutionID: p.ID,
			EventType:           store.RecoveryWorkflowUnavailable,
			Details:             "workflow not in registry: " + p.WorkflowName,
		})
		return s.store.FailPipelineExecution(ctx, p.ID, "workflow unavailable: "+p.WorkflowName)
	}

	execs, err := s.store.ListTaskExecutions(ctx, p.ID)
	if err != nil {
		return err
	}

	decision := Evaluate(def, execs)

	if len(decision.Skip) > 0 {
		if err := s.store.SkipTasks(ctx, p.ID, decision.Skip); err != nil {
			return err
		}
	}
	if len(decision.Ready) > 0 {
		if err := s.store.MarkTasksReady(ctx, p.ID, decision.Ready); err != nil {
			return err
		}
	}
	if s.exporter != nil {
		s.exporter.RecordSchedulerPass(len(decision.Ready))
	}

	switch decision.Outcome {
	case OutcomeCompleted:
		finalContextID, err := s.finalContext(ctx, def, execs)
		if err != nil {
			return err
		}
		if err := s.store.CompletePipelineExecution(ctx, p.ID, finalContextID); err != nil {
			return err
		}
		if s.exporter != nil {
			s.exporter.RecordPipeline(string(store.PipelineCompleted))
		}
		slog.Info("pipeline completed", "pipeline", p.ID, "workflow", p.WorkflowName)
	case OutcomeFailed:
		msg := "task " + decision.FailedTask + " failed"
		if decision.FailedError != "" {
			msg += ": " + decision.FailedError
		}
		if err := s.store.FailPipelineExecution(ctx, p.ID, msg); err != nil {
			return err
		}
		if s.exporter != nil {
			s.exporter.RecordPipeline(string(store.PipelineFailed))
		}
		slog.Warn("pipeline failed", "pipeline", p.ID, "workflow", p.WorkflowName, "task", decision.FailedTask)
	}
	return nil
}

// finalContext merges the output contexts of the leaf tasks in
// ascending task-name order. A single leaf reuses its context row.
func (s *Scheduler) finalContext(ctx context.Context, def *workflow.Workflow, execs []*store.TaskExecution) (*uuid.UUID, error) {
	byName := make(map[string]*store.TaskExecution, len(execs))
	for _, te := range execs {
		byName[te.TaskName] = te
	}

	var withContext []*store.TaskExecution
	for _, leaf := range def.Leaves() {
		if te := byName[leaf]; te != nil && te.ContextID != nil {
			withContext = append(withContext, te)
		}
	}
	if len(withContext) == 0 {
		return nil, nil
	}
	if len(withContext) == 1 {
		return withContext[0].ContextID, nil
	}

	merged := task.NewContext()
	for _, te := range withContext {
		data, err := s.store.GetContext(ctx, *te.ContextID)
		if err != nil {
			return nil, err
		}
		c, err := task.ContextFromJSON(data)
		if err != nil {
			return nil, err
		}
		merged.Merge(c)
	}
	data, err := merged.ToJSON()
	if err != nil {
		return nil, err
	}
	id, err := s.store.CreateContext(ctx, data)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
