// Package runner assembles the engine: store, registries, scheduler,
// dispatcher, recovery, cron and trigger loops, behind one lifecycle.
package runner

import (
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/executor"
)

// Config is the single options record for a runner instance.
type Config struct {
	// MaxConcurrentTasks bounds the executor worker pool.
	MaxConcurrentTasks int
	// SchedulerPollInterval bounds scheduler latency without wakes.
	SchedulerPollInterval time.Duration
	// TaskTimeout is the per-attempt execution budget.
	TaskTimeout time.Duration
	// PipelineTimeout fails pipelines exceeding it; zero disables.
	PipelineTimeout time.Duration
	// DBPoolSize bounds database connections (Postgres).
	DBPoolSize int

	// EnableRecovery runs the orphan recovery subsystem.
	EnableRecovery bool

	// EnableCronScheduling runs the cron scheduler.
	EnableCronScheduling bool
	CronPollInterval     time.Duration
	// CronMaxCatchupExecutions bounds catchup fires per schedule per
	// scan; catchup is count-bounded.
	CronMaxCatchupExecutions int
	CronEnableRecovery       bool
	CronRecoveryInterval     time.Duration
	CronLostThresholdMinutes int
	CronMaxRecoveryAge       time.Duration
	CronMaxRecoveryAttempts  int

	// EnableTriggerScheduling runs the condition-based scheduler.
	EnableTriggerScheduling bool
	TriggerBasePollInterval time.Duration
	TriggerPollTimeout      time.Duration

	// EnableRegistryReconciler re-syncs stored packages periodically.
	EnableRegistryReconciler  bool
	RegistryReconcileInterval time.Duration
	// RegistryStorageBackend is "filesystem", "sqlite", or "postgres".
	// Empty follows the database driver.
	RegistryStorageBackend string
	// RegistryStoragePath is the filesystem backend root.
	RegistryStoragePath string

	// RunnerID identifies this worker in claims and events; generated
	// when empty. RunnerName is a human label for logs.
	RunnerID   string
	RunnerName string

	// RoutingConfig maps namespace patterns to executor backends.
	RoutingConfig executor.RoutingConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:    4,
		SchedulerPollInterval: 100 * time.Millisecond,
		TaskTimeout:           300 * time.Second,
		PipelineTimeout:       time.Hour,
		DBPoolSize:            10,

		EnableRecovery: true,

		EnableCronScheduling:     true,
		CronPollInterval:         30 * time.Second,
		CronMaxCatchupExecutions: 100,
		CronEnableRecovery:       true,
		CronRecoveryInterval:     300 * time.Second,
		CronLostThresholdMinutes: 10,
		CronMaxRecoveryAge:       24 * time.Hour,
		CronMaxRecoveryAttempts:  3,

		EnableTriggerScheduling: false,
		TriggerBasePollInterval: time.Second,
		TriggerPollTimeout:      30 * time.Second,

		EnableRegistryReconciler:  true,
		RegistryReconcileInterval: 60 * time.Second,
		RegistryStorageBackend:    "",
		RegistryStoragePath:       "",

		RoutingConfig: executor.DefaultRoutingConfig(),
	}
}

// Validate checks config consistency.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return errors.New("max_concurrent_tasks must be positive")
	}
	if c.SchedulerPollInterval <= 0 {
		return errors.New("scheduler_poll_interval must be positive")
	}
	if c.TaskTimeout <= 0 {
		return errors.New("task_timeout must be positive")
	}
	if c.DBPoolSize <= 0 {
		return errors.New("db_pool_size must be positive")
	}
	switch c.RegistryStorageBackend {
	case "", "filesystem", "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported registry storage backend: %s", c.RegistryStorageBackend)
	}
	if c.RegistryStorageBackend == "filesystem" && c.RegistryStoragePath == "" {
		return errors.New("registry_storage_path required for filesystem backend")
	}
	return c.RoutingConfig.Validate()
}

// Builder-style setters, so call sites read like the options record
// they configure.

func (c Config) WithMaxConcurrentTasks(n int) Config { c.MaxConcurrentTasks = n; return c }

func (c Config) WithSchedulerPollInterval(d time.Duration) Config {
	c.SchedulerPollInterval = d
	return c
}

func (c Config) WithTaskTimeout(d time.Duration) Config { c.TaskTimeout = d; return c }

func (c Config) WithPipelineTimeout(d time.Duration) Config { c.PipelineTimeout = d; return c }

func (c Config) WithRecovery(enabled bool) Config { c.EnableRecovery = enabled; return c }

func (c Config) WithCronScheduling(enabled bool) Config { c.EnableCronScheduling = enabled; return c }

func (c Config) WithTriggerScheduling(enabled bool) Config {
	c.EnableTriggerScheduling = enabled
	return c
}

func (c Config) WithRegistryReconciler(enabled bool) Config {
	c.EnableRegistryReconciler = enabled
	return c
}

func (c Config) WithRouting(routing executor.RoutingConfig) Config {
	c.RoutingConfig = routing
	return c
}
