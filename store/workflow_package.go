package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// WorkflowPackage is the metadata row of a registered package. The
// binary bytes live in a separate registry table keyed by RegistryID;
// Version is the workflow fingerprint when present.
type WorkflowPackage struct {
	ID          uuid.UUID
	RegistryID  uuid.UUID
	PackageName string
	Version     string
	Description string
	Author      string
	Metadata    []byte
	CreatedAt   int64
	UpdatedAt   int64
}

// ErrPackageExists is returned when registering a (name, version) pair
// that already exists.
type ErrPackageExists struct {
	Name    string
	Version string
}

func (e *ErrPackageExists) Error() string {
	return fmt.Sprintf("package already exists: %s@%s", e.Name, e.Version)
}

// ErrPackageNotFound is returned when a package lookup misses.
type ErrPackageNotFound struct {
	Name    string
	Version string
}

func (e *ErrPackageNotFound) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("package not found: %s", e.Name)
	}
	return fmt.Sprintf("package not found: %s@%s", e.Name, e.Version)
}

// CreateWorkflowPackage registers a package transactionally: the
// binary row and the metadata row commit together or not at all.
func (s *Store) CreateWorkflowPackage(ctx context.Context, pkg *WorkflowPackage, data []byte) (*WorkflowPackage, error) {
	return s.driver.CreateWorkflowPackage(ctx, pkg, data)
}

// GetWorkflowPackage fetches metadata and binary. Empty version selects
// the most recently updated version of the package.
func (s *Store) GetWorkflowPackage(ctx context.Context, name, version string) (*WorkflowPackage, []byte, error) {
	return s.driver.GetWorkflowPackage(ctx, name, version)
}

func (s *Store) ListWorkflowPackages(ctx context.Context) ([]*WorkflowPackage, error) {
	return s.driver.ListWorkflowPackages(ctx)
}

func (s *Store) DeleteWorkflowPackage(ctx context.Context, name, version string) error {
	return s.driver.DeleteWorkflowPackage(ctx, name, version)
}
