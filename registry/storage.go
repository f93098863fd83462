// Package registry ingests signed workflow packages, keeps the
// in-process workflow and task registries in sync with package storage,
// and reconciles them on an interval.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/store"
)

// PackageStore persists package binaries with their metadata. The
// database implementation rides the store driver ("sqlite"/"postgres"
// storage backends); the filesystem implementation serves air-gapped
// and development setups.
type PackageStore interface {
	Save(ctx context.Context, pkg *store.WorkflowPackage, data []byte) (*store.WorkflowPackage, error)
	Load(ctx context.Context, name, version string) (*store.WorkflowPackage, []byte, error)
	List(ctx context.Context) ([]*store.WorkflowPackage, error)
	Delete(ctx context.Context, name, version string) error
}

// DBPackageStore stores packages in the engine database.
type DBPackageStore struct {
	Store *store.Store
}

func (s *DBPackageStore) Save(ctx context.Context, pkg *store.WorkflowPackage, data []byte) (*store.WorkflowPackage, error) {
	return s.Store.CreateWorkflowPackage(ctx, pkg, data)
}

func (s *DBPackageStore) Load(ctx context.Context, name, version string) (*store.WorkflowPackage, []byte, error) {
	return s.Store.GetWorkflowPackage(ctx, name, version)
}

func (s *DBPackageStore) List(ctx context.Context) ([]*store.WorkflowPackage, error) {
	return s.Store.ListWorkflowPackages(ctx)
}

func (s *DBPackageStore) Delete(ctx context.Context, name, version string) error {
	return s.Store.DeleteWorkflowPackage(ctx, name, version)
}

// FSPackageStore stores packages under root as
// <name>/<version>/{package.bin,metadata.json}.
type FSPackageStore struct {
	Root string
}

type fsMetadata struct {
	ID          uuid.UUID `json:"id"`
	RegistryID  uuid.UUID `json:"registry_id"`
	PackageName string    `json:"package_name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Author      string    `json:"author"`
	Metadata    []byte    `json:"metadata,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

func (s *FSPackageStore) dir(name, version string) string {
	return filepath.Join(s.Root, name, version)
}

func (s *FSPackageStore) Save(_ context.Context, pkg *store.WorkflowPackage, data []byte) (*store.WorkflowPackage, error) {
	if pkg.ID == uuid.Nil {
		pkg.ID = uuid.New()
	}
	if pkg.RegistryID == uuid.Nil {
		pkg.RegistryID = uuid.New()
	}

	dir := s.dir(pkg.PackageName, pkg.Version)
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err == nil {
		return nil, &store.ErrPackageExists{Name: pkg.PackageName, Version: pkg.Version}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create package dir %s", dir)
	}

	if err := os.WriteFile(filepath.Join(dir, "package.bin"), data, 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write package binary")
	}
	meta := fsMetadata{
		ID:          pkg.ID,
		RegistryID:  pkg.RegistryID,
		PackageName: pkg.PackageName,
		Version:     pkg.Version,
		Description: pkg.Description,
		Author:      pkg.Author,
		Metadata:    pkg.Metadata,
		CreatedAt:   pkg.CreatedAt,
		UpdatedAt:   pkg.UpdatedAt,
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal package metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), encoded, 0644); err != nil {
		// Keep the save atomic from the reader's perspective: without
		// metadata the binary is invisible to Load/List.
		_ = os.Remove(filepath.Join(dir, "package.bin"))
		return nil, errors.Wrap(err, "failed to write package metadata")
	}
	return pkg, nil
}

func (s *FSPackageStore) Load(_ context.Context, name, version string) (*store.WorkflowPackage, []byte, error) {
	if version == "" {
		versions, err := os.ReadDir(filepath.Join(s.Root, name))
		if err != nil || len(versions) == 0 {
			return nil, nil, &store.ErrPackageNotFound{Name: name}
		}
		// Directory names sort lexicographically; the newest version is
		// resolved by metadata updated_at below.
		var newest *fsMetadata
		for _, entry := range versions {
			meta, err := s.readMetadata(name, entry.Name())
			if err != nil {
				continue
			}
			if newest == nil || meta.UpdatedAt > newest.UpdatedAt {
				newest = meta
			}
		}
		if newest == nil {
			return nil, nil, &store.ErrPackageNotFound{Name: name}
		}
		version = newest.Version
	}

	meta, err := s.readMetadata(name, version)
	if err != nil {
		return nil, nil, &store.ErrPackageNotFound{Name: name, Version: version}
	}
	data, err := os.ReadFile(filepath.Join(s.dir(name, version), "package.bin"))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "package %s@%s has metadata but no binary", name, version)
	}
	return meta.toPackage(), data, nil
}

func (s *FSPackageStore) readMetadata(name, version string) (*fsMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(name, version), "metadata.json"))
	if err != nil {
		return nil, err
	}
	var meta fsMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *fsMetadata) toPackage() *store.WorkflowPackage {
	return &store.WorkflowPackage{
		ID:          m.ID,
		RegistryID:  m.RegistryID,
		PackageName: m.PackageName,
		Version:     m.Version,
		Description: m.Description,
		Author:      m.Author,
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (s *FSPackageStore) List(_ context.Context) ([]*store.WorkflowPackage, error) {
	names, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read package root %s", s.Root)
	}

	var out []*store.WorkflowPackage
	for _, nameEntry := range names {
		if !nameEntry.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(s.Root, nameEntry.Name()))
		if err != nil {
			continue
		}
		for _, versionEntry := range versions {
			meta, err := s.readMetadata(nameEntry.Name(), versionEntry.Name())
			if err != nil {
				continue
			}
			out = append(out, meta.toPackage())
		}
	}
	return out, nil
}

func (s *FSPackageStore) Delete(_ context.Context, name, version string) error {
	if version == "" {
		return os.RemoveAll(filepath.Join(s.Root, name))
	}
	return os.RemoveAll(s.dir(name, version))
}
