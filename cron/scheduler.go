package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/aqueduct/internal/metrics"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/task"
	"github.com/hrygo/aqueduct/workflow"
)

// Config tunes the cron scheduler.
type Config struct {
	// PollInterval between due-schedule scans.
	PollInterval time.Duration
	// MaxCatchupExecutions bounds replayed fires per schedule per scan
	// when the catchup policy is "all". Catchup is bounded by count,
	// not by wall-clock window.
	MaxCatchupExecutions int
}

// PipelineCreator starts a pipeline for a workflow with an input
// context. The runner implements it; keeping it an interface breaks the
// cron→runner cycle.
type PipelineCreator interface {
	CreatePipeline(ctx context.Context, workflowName string, input *task.Context) (uuid.UUID, error)
}

// Scheduler claims due cron schedules and creates pipeline executions.
type Scheduler struct {
	store    *store.Store
	registry *workflow.Registry
	creator  PipelineCreator
	cfg      Config
	exporter *metrics.Exporter
}

// New creates a cron scheduler.
func New(st *store.Store, registry *workflow.Registry, creator PipelineCreator, cfg Config, exporter *metrics.Exporter) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxCatchupExecutions <= 0 {
		cfg.MaxCatchupExecutions = 100
	}
	return &Scheduler{store: st, registry: registry, creator: creator, cfg: cfg, exporter: exporter}
}

// Run polls for due schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				slog.Error("cron tick failed", "error", err)
			}
		}
	}
}

// Tick claims and fires every schedule due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.store.GetDueCronSchedules(ctx, now)
	if err != nil {
		return err
	}
	for _, schedule := range due {
		if err := s.fire(ctx, schedule, now); err != nil {
			slog.Error("failed to fire cron schedule", "schedule", schedule.ID, "workflow", schedule.WorkflowName, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, schedule *store.CronSchedule, now time.Time) error {
	evaluator, err := NewEvaluator(schedule.CronExpression, schedule.Timezone)
	if err != nil {
		return err
	}

	scheduledTime := schedule.NextRunAt
	var missed []time.Time
	if schedule.CatchupPolicy == store.CatchupAll {
		// Fires skipped while no worker ran, bounded by count.
		missed = evaluator.MissedBetween(scheduledTime, now, s.cfg.MaxCatchupExecutions)
	}
	nextRun := evaluator.Next(now)

	won, err := s.store.ClaimDueCronSchedule(ctx, schedule.ID, now, now, nextRun)
	if err != nil {
		return err
	}
	if s.exporter != nil {
		s.exporter.RecordCronClaim(won)
	}
	if !won {
		// Another instance claimed this fire.
		return nil
	}

	if err := s.execute(ctx, schedule, scheduledTime); err != nil {
		return err
	}
	for _, missedTime := range missed {
		if err := s.execute(ctx, schedule, missedTime); err != nil {
			slog.Error("failed to replay missed cron fire", "schedule", schedule.ID, "scheduled_time", missedTime, "error", err)
		}
	}
	return nil
}

// execute records the cron_execution audit row, creates the pipeline,
// and links the two. The unique (schedule, scheduled time) pair makes
// this idempotent across instances and recovery replays.
func (s *Scheduler) execute(ctx context.Context, schedule *store.CronSchedule, scheduledTime time.Time) error {
	cronExec, err := s.store.CreateCronExecution(ctx, schedule.ID, scheduledTime)
	if err != nil {
		var exists *store.ErrCronExecutionExists
		if errors.As(err, &exists) {
			return nil
		}
		return err
	}

	pipelineID, err := s.creator.CreatePipeline(ctx, schedule.WorkflowName, task.NewContext())
	if err != nil {
		// The audit row stays unlinked; the recovery loop replays it.
		return err
	}
	if s.exporter != nil {
		s.exporter.RecordCronFire(schedule.WorkflowName)
	}
	slog.Info("cron fired", "schedule", schedule.ID, "workflow", schedule.WorkflowName, "scheduled_time", scheduledTime, "pipeline", pipelineID)
	return s.store.LinkCronExecutionPipeline(ctx, cronExec.ID, pipelineID)
}
