package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/aqueduct/cron"
	"github.com/hrygo/aqueduct/executor"
	"github.com/hrygo/aqueduct/internal/metrics"
	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/internal/util"
	"github.com/hrygo/aqueduct/recovery"
	"github.com/hrygo/aqueduct/registry"
	"github.com/hrygo/aqueduct/scheduler"
	"github.com/hrygo/aqueduct/security"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/store/db"
	"github.com/hrygo/aqueduct/store/db/postgres"
	"github.com/hrygo/aqueduct/task"
	"github.com/hrygo/aqueduct/trigger"
	"github.com/hrygo/aqueduct/workflow"
)

// PipelineResult is the caller-visible outcome of one pipeline
// execution, delivered once the pipeline reaches a terminal state.
type PipelineResult struct {
	PipelineID   uuid.UUID
	Status       store.PipelineStatus
	StartTime    time.Time
	EndTime      *time.Time
	FinalContext *task.Context
	ErrorMessage string
}

// Runner owns the engine lifecycle for one worker process.
type Runner struct {
	profile *profile.Profile
	cfg     Config

	store     *store.Store
	tasks     *task.Registry
	workflows *workflow.Registry
	registry  *registry.WorkflowRegistry
	backends  *executor.BackendRegistry
	exporter  *metrics.Exporter

	scheduler  *scheduler.Scheduler
	dispatcher *executor.Dispatcher
	recovery   *recovery.Recovery
	cron       *cron.Scheduler
	cronRec    *cron.Recovery
	trigger    *trigger.Scheduler
	reconciler *registry.Reconciler

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires a runner from a profile, config, and security policy. The
// package verifier reads signatures and trusted keys from the engine
// database.
func New(p *profile.Profile, cfg Config, securityCfg security.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RunnerID == "" {
		cfg.RunnerID = util.GenShortUUID()
	}

	driver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	if pg, ok := driver.(*postgres.DB); ok {
		pg.SetPoolSize(cfg.DBPoolSize)
	}
	st := store.New(driver, p)
	verifier := NewStoreVerifier(securityCfg, st)

	tasks := task.NewRegistry()
	workflows := workflow.NewRegistry()
	exporter := metrics.NewExporter(metrics.DefaultConfig())

	packages, err := packageStore(p, st, cfg)
	if err != nil {
		return nil, err
	}
	wfRegistry := registry.New(packages, workflows, tasks, verifier, task.DefaultTenant)

	r := &Runner{
		profile:   p,
		cfg:       cfg,
		store:     st,
		tasks:     tasks,
		workflows: workflows,
		registry:  wfRegistry,
		backends:  executor.NewBackendRegistry(tasks),
		exporter:  exporter,
	}

	r.scheduler = scheduler.New(st, workflows, scheduler.Config{
		PollInterval:    cfg.SchedulerPollInterval,
		PipelineTimeout: cfg.PipelineTimeout,
	}, exporter)

	r.dispatcher, err = executor.New(st, workflows, r.backends, cfg.RoutingConfig, executor.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		PollInterval:       cfg.SchedulerPollInterval,
		TaskTimeout:        cfg.TaskTimeout,
		WorkerID:           cfg.RunnerID,
	}, exporter, func() {
		// Task completion wakes both loops: the scheduler to advance the
		// DAG and the dispatcher to pick up the newly ready work.
		r.scheduler.Wake()
		r.dispatcher.Wake()
	})
	if err != nil {
		return nil, err
	}

	if cfg.EnableRecovery {
		r.recovery = recovery.New(st, workflows, recovery.Config{
			Interval:           time.Minute,
			HeartbeatThreshold: 2 * cfg.TaskTimeout,
		}, exporter)
	}

	if cfg.EnableCronScheduling {
		r.cron = cron.New(st, workflows, r, cron.Config{
			PollInterval:         cfg.CronPollInterval,
			MaxCatchupExecutions: cfg.CronMaxCatchupExecutions,
		}, exporter)
		if cfg.CronEnableRecovery {
			r.cronRec = cron.NewRecovery(st, r, cron.RecoveryConfig{
				Interval:      cfg.CronRecoveryInterval,
				LostThreshold: time.Duration(cfg.CronLostThresholdMinutes) * time.Minute,
				MaxAge:        cfg.CronMaxRecoveryAge,
				MaxAttempts:   cfg.CronMaxRecoveryAttempts,
			})
		}
	}

	if cfg.EnableTriggerScheduling {
		r.trigger, err = trigger.New(st, r, trigger.Config{
			BasePollInterval: cfg.TriggerBasePollInterval,
			PollTimeout:      cfg.TriggerPollTimeout,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.EnableRegistryReconciler {
		r.reconciler = registry.NewReconciler(wfRegistry, cfg.RegistryReconcileInterval, true)
	}

	return r, nil
}

// packageStore resolves the configured registry storage backend.
func packageStore(p *profile.Profile, st *store.Store, cfg Config) (registry.PackageStore, error) {
	backend := cfg.RegistryStorageBackend
	if backend == "" {
		backend = p.Driver
	}
	switch backend {
	case "filesystem":
		return &registry.FSPackageStore{Root: cfg.RegistryStoragePath}, nil
	case "sqlite", "postgres":
		if backend != p.Driver {
			return nil, errors.Errorf("registry storage backend %s does not match database driver %s", backend, p.Driver)
		}
		return &registry.DBPackageStore{Store: st}, nil
	default:
		return nil, errors.Errorf("unsupported registry storage backend: %s", backend)
	}
}

// Store exposes the underlying store for admin operations.
func (r *Runner) Store() *store.Store { return r.store }

// Tasks exposes the task registry for embedded task registration.
func (r *Runner) Tasks() *task.Registry { return r.tasks }

// Workflows exposes the workflow registry.
func (r *Runner) Workflows() *workflow.Registry { return r.workflows }

// Registry exposes the package registry.
func (r *Runner) Registry() *registry.WorkflowRegistry { return r.registry }

// Backends exposes the executor backend registry for plugging custom
// backends before Start.
func (r *Runner) Backends() *executor.BackendRegistry { return r.backends }

// Metrics exposes the Prometheus exporter.
func (r *Runner) Metrics() *metrics.Exporter { return r.exporter }

// AddTriggerRule installs a trigger rule; trigger scheduling must be
// enabled.
func (r *Runner) AddTriggerRule(rule trigger.Rule) error {
	if r.trigger == nil {
		return errors.New("trigger scheduling is not enabled")
	}
	return r.trigger.AddRule(rule)
}

// Start migrates the schema and launches all background loops.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.store.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	r.cancel = cancel
	r.group = group

	group.Go(func() error { return swallowCancel(r.scheduler.Run(runCtx)) })
	group.Go(func() error { return swallowCancel(r.dispatcher.Run(runCtx)) })
	if r.recovery != nil {
		group.Go(func() error { return swallowCancel(r.recovery.Run(runCtx)) })
	}
	if r.cron != nil {
		group.Go(func() error { return swallowCancel(r.cron.Run(runCtx)) })
	}
	if r.cronRec != nil {
		group.Go(func() error { return swallowCancel(r.cronRec.Run(runCtx)) })
	}
	if r.trigger != nil {
		group.Go(func() error { return swallowCancel(r.trigger.Run(runCtx)) })
	}
	if r.reconciler != nil {
		group.Go(func() error { return swallowCancel(r.reconciler.Run(runCtx)) })
	}

	slog.Info("runner started",
		"runner_id", r.cfg.RunnerID,
		"runner_name", r.cfg.RunnerName,
		"driver", r.profile.Driver,
		"max_concurrent_tasks", r.cfg.MaxConcurrentTasks)
	return nil
}

// Shutdown stops all loops and waits for in-flight tasks to finish
// their current attempt.
func (r *Runner) Shutdown() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	err := r.group.Wait()
	closeErr := r.store.Close()
	slog.Info("runner stopped", "runner_id", r.cfg.RunnerID)
	if err != nil {
		return err
	}
	return closeErr
}

func swallowCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CreatePipeline starts a pipeline execution for a registered workflow.
// It implements the PipelineCreator contract used by the cron and
// trigger schedulers.
func (r *Runner) CreatePipeline(ctx context.Context, workflowName string, input *task.Context) (uuid.UUID, error) {
	def, err := r.workflows.Get(workflowName)
	if err != nil {
		return uuid.Nil, err
	}

	var contextJSON []byte
	if input != nil && !input.IsEmpty() {
		contextJSON, err = input.Clone().ToJSON()
		if err != nil {
			return uuid.Nil, err
		}
	}

	pipeline, err := r.store.CreatePipelineExecution(ctx, &store.CreatePipelineExecution{
		WorkflowName:    workflowName,
		WorkflowVersion: def.Version,
		ContextJSON:     contextJSON,
		TaskNames:       def.TaskIDs(),
	})
	if err != nil {
		return uuid.Nil, err
	}
	r.scheduler.Wake()
	return pipeline.ID, nil
}

// ExecuteAsync starts a pipeline and returns its id immediately.
func (r *Runner) ExecuteAsync(ctx context.Context, workflowName string, input *task.Context) (uuid.UUID, error) {
	return r.CreatePipeline(ctx, workflowName, input)
}

// Execute starts a pipeline and blocks until it reaches a terminal
// state, returning the result.
func (r *Runner) Execute(ctx context.Context, workflowName string, input *task.Context) (*PipelineResult, error) {
	id, err := r.CreatePipeline(ctx, workflowName, input)
	if err != nil {
		return nil, err
	}
	return r.WaitForPipeline(ctx, id)
}

// WaitForPipeline blocks until the pipeline reaches a terminal state.
func (r *Runner) WaitForPipeline(ctx context.Context, id uuid.UUID) (*PipelineResult, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		p, err := r.store.GetPipelineExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status.IsTerminal() {
			return r.result(ctx, p)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests pipeline cancellation and returns immediately; the
// pipeline transitions asynchronously, and running tasks finish their
// current attempt first.
func (r *Runner) Cancel(ctx context.Context, id uuid.UUID) error {
	return r.store.CancelPipelineExecution(ctx, id)
}

// PruneEventsOlderThan deletes audit events past the retention cutoff,
// returning the deleted count.
func (r *Runner) PruneEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.store.DeleteExecutionEventsOlderThan(ctx, cutoff)
}

// CountEventsOlderThan supports retention dry runs.
func (r *Runner) CountEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.store.CountExecutionEventsOlderThan(ctx, cutoff)
}

func (r *Runner) result(ctx context.Context, p *store.PipelineExecution) (*PipelineResult, error) {
	result := &PipelineResult{
		PipelineID: p.ID,
		Status:     p.Status,
		StartTime:  p.StartedAt,
		EndTime:    p.CompletedAt,
	}
	if p.ErrorDetails != nil {
		result.ErrorMessage = *p.ErrorDetails
	}
	if p.FinalContextID != nil {
		data, err := r.store.GetContext(ctx, *p.FinalContextID)
		if err != nil {
			return nil, err
		}
		final, err := task.ContextFromJSON(data)
		if err != nil {
			return nil, err
		}
		result.FinalContext = final
	}
	return result, nil
}
