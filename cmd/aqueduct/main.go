package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/internal/version"
	"github.com/hrygo/aqueduct/runner"
	"github.com/hrygo/aqueduct/security"
)

var rootCmd = &cobra.Command{
	Use:   "aqueduct",
	Short: `A durable, multi-tenant workflow execution engine. Define task DAGs, run them exactly once, survive crashes.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution (not when running
		// as a systemd service, which injects environment itself).
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := loadProfile()

		cfg := runner.DefaultConfig()
		cfg.MaxConcurrentTasks = viper.GetInt("max-concurrent-tasks")
		cfg.RunnerName = instanceProfile.RunnerName
		if path := viper.GetString("registry-storage-path"); path != "" {
			cfg.RegistryStorageBackend = "filesystem"
			cfg.RegistryStoragePath = path
		}

		securityCfg := security.Development()
		if instanceProfile.Mode == "prod" {
			securityCfg = security.RequireSignatures(viper.GetString("organization"))
		}

		r, err := runner.New(instanceProfile, cfg, securityCfg)
		if err != nil {
			slog.Error("failed to create runner", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := r.Start(ctx); err != nil {
			slog.Error("failed to start runner", "error", err)
			os.Exit(1)
		}
		printGreetings(instanceProfile)

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM. SIGTERM is
		// what systemd and Kubernetes send first.
		signal.Notify(c, terminationSignals...)
		<-c

		cancel()
		if err := r.Shutdown(); err != nil {
			slog.Error("shutdown finished with errors", "error", err)
		}
	},
}

func loadProfile() *profile.Profile {
	instanceProfile := &profile.Profile{
		Mode:       viper.GetString("mode"),
		Driver:     viper.GetString("driver"),
		DSN:        viper.GetString("dsn"),
		Schema:     viper.GetString("schema"),
		Data:       viper.GetString("data"),
		RunnerName: viper.GetString("runner-name"),
		Version:    version.GetCurrentVersion(viper.GetString("mode")),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	return instanceProfile
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("max-concurrent-tasks", 4)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the worker, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("schema", "", "tenant schema (postgres only)")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("runner-name", "", "human-readable name for this worker")
	rootCmd.PersistentFlags().Int("max-concurrent-tasks", 4, "executor worker pool size")
	rootCmd.PersistentFlags().String("registry-storage-path", "", "filesystem package storage root (enables filesystem backend)")
	rootCmd.PersistentFlags().String("organization", "", "organization for trusted-key lookups")

	for _, flag := range []string{"mode", "driver", "dsn", "schema", "data", "runner-name", "max-concurrent-tasks", "registry-storage-path", "organization"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("aqueduct")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(versionCmd, tenantCmd, signCmd, verifyCmd)
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Aqueduct %s started successfully!\n", p.Version)
	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}
	fmt.Printf("Database driver: %s\n", p.Driver)
	if p.Schema != "" {
		fmt.Printf("Tenant schema: %s\n", p.Schema)
	}
	fmt.Printf("Mode: %s\n", p.Mode)
}

// isRunningAsSystemdService detects if the process runs under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
