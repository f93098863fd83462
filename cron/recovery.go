package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/task"
)

// RecoveryConfig tunes the lost-execution replay loop.
type RecoveryConfig struct {
	// Interval between scans.
	Interval time.Duration
	// LostThreshold is how long a cron_execution may sit without a
	// linked pipeline before it counts as lost.
	LostThreshold time.Duration
	// MaxAge bounds how far back lost executions are replayed.
	MaxAge time.Duration
	// MaxAttempts bounds replays per row.
	MaxAttempts int
}

// Recovery replays cron executions that claimed a fire but never
// created their pipeline (crash between claim and create).
type Recovery struct {
	store   *store.Store
	creator PipelineCreator
	cfg     RecoveryConfig
}

// NewRecovery creates the cron recovery loop.
func NewRecovery(st *store.Store, creator PipelineCreator, cfg RecoveryConfig) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LostThreshold <= 0 {
		cfg.LostThreshold = 10 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Recovery{store: st, creator: creator, cfg: cfg}
}

// Run scans until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("cron recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep replays every lost execution within the age and attempt bounds.
func (r *Recovery) Sweep(ctx context.Context) error {
	lost, err := r.store.ListLostCronExecutions(ctx, r.cfg.LostThreshold, r.cfg.MaxAge, r.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	for _, exec := range lost {
		if _, err := r.store.IncrementCronExecutionRecovery(ctx, exec.ID); err != nil {
			slog.Error("failed to bump cron recovery attempts", "cron_execution", exec.ID, "error", err)
			continue
		}

		schedule, err := r.store.GetCronSchedule(ctx, exec.ScheduleID)
		if err != nil {
			slog.Error("failed to load schedule for lost execution", "cron_execution", exec.ID, "error", err)
			continue
		}

		pipelineID, err := r.creator.CreatePipeline(ctx, schedule.WorkflowName, task.NewContext())
		if err != nil {
			slog.Error("failed to replay lost cron execution", "cron_execution", exec.ID, "workflow", schedule.WorkflowName, "error", err)
			continue
		}
		if err := r.store.LinkCronExecutionPipeline(ctx, exec.ID, pipelineID); err != nil {
			slog.Error("failed to link replayed pipeline", "cron_execution", exec.ID, "error", err)
			continue
		}
		if err := r.store.CreateRecoveryEvent(ctx, &store.RecoveryEvent{
			PipelineExecutionID: pipelineID,
			EventType:           store.RecoveryCronReplayed,
			Details:             "replayed lost cron execution " + exec.ID.String(),
		}); err != nil {
			slog.Error("failed to record cron replay", "cron_execution", exec.ID, "error", err)
		}
		slog.Info("replayed lost cron execution", "cron_execution", exec.ID, "workflow", schedule.WorkflowName, "pipeline", pipelineID)
	}
	return nil
}
