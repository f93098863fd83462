// Package recovery returns orphaned work to the queue after crashes.
// It runs at startup and on an interval, and is idempotent: re-running
// it against a stable database changes nothing.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/aqueduct/internal/metrics"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/workflow"
)

// Config tunes the recovery subsystem.
type Config struct {
	// Interval between periodic sweeps.
	Interval time.Duration
	// HeartbeatThreshold is how stale a Running task's started_at must
	// be before it counts as orphaned.
	HeartbeatThreshold time.Duration
	// MaxPipelineRecoveryAttempts bounds how often one pipeline may be
	// recovered before it is failed as unrecoverable.
	MaxPipelineRecoveryAttempts int
}

// Recovery scans for orphaned tasks and pipelines.
type Recovery struct {
	store    *store.Store
	registry *workflow.Registry
	cfg      Config
	exporter *metrics.Exporter
}

// New creates a recovery subsystem.
func New(st *store.Store, registry *workflow.Registry, cfg Config, exporter *metrics.Exporter) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = 5 * time.Minute
	}
	if cfg.MaxPipelineRecoveryAttempts <= 0 {
		cfg.MaxPipelineRecoveryAttempts = 3
	}
	return &Recovery{store: st, registry: registry, cfg: cfg, exporter: exporter}
}

// Run sweeps immediately, then on the configured interval.
func (r *Recovery) Run(ctx context.Context) error {
	if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		slog.Error("startup recovery sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one full recovery pass.
func (r *Recovery) Sweep(ctx context.Context) error {
	if err := r.recoverOrphanedTasks(ctx); err != nil {
		return err
	}
	return r.recoverOrphanedPipelines(ctx)
}

// recoverOrphanedTasks resets Running tasks whose worker stopped
// heartbeating. The attempt counter stays unchanged so a recovered task
// does not burn a retry.
func (r *Recovery) recoverOrphanedTasks(ctx context.Context) error {
	threshold := time.Now().UTC().Add(-r.cfg.HeartbeatThreshold)
	orphans, err := r.store.ListOrphanedTasks(ctx, threshold)
	if err != nil {
		return err
	}
	for _, te := range orphans {
		details := fmt.Sprintf("orphaned task %s reset after worker silence since %s", te.TaskName, te.StartedAt.UTC().Format(time.RFC3339))
		reset, err := r.store.ResetOrphanedTask(ctx, te.ID, details)
		if err != nil {
			slog.Error("failed to reset orphaned task", "task", te.TaskName, "error", err)
			continue
		}
		if reset {
			if r.exporter != nil {
				r.exporter.RecordRecoveredTask()
			}
			slog.Info("orphaned task returned to queue", "task", te.TaskName, "pipeline", te.PipelineExecutionID, "attempt", te.Attempt)
		}
	}
	return nil
}

// recoverOrphanedPipelines handles Running pipelines that cannot make
// progress: workflows gone from the registry, or pipelines recovered
// too many times.
func (r *Recovery) recoverOrphanedPipelines(ctx context.Context) error {
	running := store.PipelineRunning
	pipelines, err := r.store.ListPipelineExecutions(ctx, &store.FindPipelineExecution{Status: &running})
	if err != nil {
		return err
	}

	for _, p := range pipelines {
		if _, err := r.registry.Get(p.WorkflowName); err != nil {
			if err := r.store.CreateRecoveryEvent(ctx, &store.RecoveryEvent{
				PipelineExecutionID: p.ID,
				EventType:           store.RecoveryWorkflowUnavailable,
				Details:             "workflow not in registry: " + p.WorkflowName,
			}); err != nil {
				slog.Error("failed to record workflow-unavailable event", "pipeline", p.ID, "error", err)
			}
			if err := r.store.FailPipelineExecution(ctx, p.ID, "workflow unavailable: "+p.WorkflowName); err != nil {
				slog.Error("failed to fail pipeline with unavailable workflow", "pipeline", p.ID, "error", err)
			}
			continue
		}

		stalled, err := r.isStalled(ctx, p)
		if err != nil {
			slog.Error("failed to inspect pipeline", "pipeline", p.ID, "error", err)
			continue
		}
		if !stalled {
			continue
		}

		attempts, err := r.store.IncrementPipelineRecoveryAttempts(ctx, p.ID)
		if err != nil {
			slog.Error("failed to bump pipeline recovery attempts", "pipeline", p.ID, "error", err)
			continue
		}
		if attempts > r.cfg.MaxPipelineRecoveryAttempts {
			if err := r.store.CreateRecoveryEvent(ctx, &store.RecoveryEvent{
				PipelineExecutionID: p.ID,
				EventType:           store.RecoveryPipelineAbandoned,
				Details:             fmt.Sprintf("abandoned after %d recovery attempts", attempts),
			}); err != nil {
				slog.Error("failed to record abandonment", "pipeline", p.ID, "error", err)
			}
			if err := r.store.FailPipelineExecution(ctx, p.ID, "unrecoverable"); err != nil {
				slog.Error("failed to fail unrecoverable pipeline", "pipeline", p.ID, "error", err)
			}
			slog.Warn("pipeline abandoned as unrecoverable", "pipeline", p.ID, "attempts", attempts)
		}
	}
	return nil
}

// isStalled reports whether a Running pipeline has no task either in
// flight, claimable, or awaiting scheduling.
func (r *Recovery) isStalled(ctx context.Context, p *store.PipelineExecution) (bool, error) {
	execs, err := r.store.ListTaskExecutions(ctx, p.ID)
	if err != nil {
		return false, err
	}
	for _, te := range execs {
		switch te.Status {
		case store.TaskReady, store.TaskRunning, store.TaskNotStarted:
			return false, nil
		}
	}
	// Every task terminal but the pipeline still Running: the scheduler
	// pass that should have closed it was lost.
	return true, nil
}
