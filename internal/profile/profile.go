package profile

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start a worker process.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo".
	Mode string
	// Driver is the database driver, "postgres" or "sqlite".
	Driver string
	// DSN points to the shared database. For SQLite this is a file path;
	// multi-tenant SQLite deployments use one file per tenant.
	DSN string
	// Schema is the Postgres tenant schema. Empty means "public".
	Schema string
	// Data is the directory for local state (SQLite files, package storage).
	Data string
	// RunnerName is a human-readable label for this worker process.
	RunnerName string
	// Version is the current engine version.
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	if p.Driver == "" {
		p.Driver = getEnvOrDefault("AQUEDUCT_DRIVER", "sqlite")
	}
	if p.DSN == "" {
		p.DSN = getEnvOrDefault("AQUEDUCT_DSN", "")
	}
	if p.Schema == "" {
		p.Schema = getEnvOrDefault("AQUEDUCT_SCHEMA", "")
	}
	if p.RunnerName == "" {
		p.RunnerName = getEnvOrDefault("AQUEDUCT_RUNNER_NAME", "")
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "aqueduct")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					return errors.Wrapf(err, "failed to create data directory %s", p.Data)
				}
			}
		} else {
			p.Data = "/var/opt/aqueduct"
		}
	}

	if p.Data != "" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
	}

	if p.Driver != "postgres" && p.Driver != "sqlite" {
		return errors.Errorf("unsupported database driver: %s", p.Driver)
	}

	if p.Driver == "sqlite" && p.DSN == "" {
		dataDir := p.Data
		if dataDir == "" {
			dataDir = "."
		}
		p.DSN = filepath.Join(dataDir, "aqueduct_"+p.Mode+".db")
	}

	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn required for postgres driver")
	}

	return nil
}
