package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/store"
)

func (d *DB) CreateWorkflowPackage(ctx context.Context, pkg *store.WorkflowPackage, data []byte) (*store.WorkflowPackage, error) {
	if pkg.ID == uuid.Nil {
		pkg.ID = uuid.New()
	}
	if pkg.RegistryID == uuid.Nil {
		pkg.RegistryID = uuid.New()
	}
	now := time.Now().UTC()
	pkg.CreatedAt = now.Unix()
	pkg.UpdatedAt = now.Unix()

	err := d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_registry (id, data, created_at) VALUES (?, ?, ?)`,
			uuidValue(pkg.RegistryID), data, timeValue(now),
		); err != nil {
			return errors.Wrap(err, "failed to store package binary")
		}

		var metadata any
		if len(pkg.Metadata) > 0 {
			metadata = string(pkg.Metadata)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_packages (id, registry_id, package_name, version, description, author, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuidValue(pkg.ID), uuidValue(pkg.RegistryID), pkg.PackageName, pkg.Version,
			pkg.Description, pkg.Author, metadata, pkg.CreatedAt, pkg.UpdatedAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return &store.ErrPackageExists{Name: pkg.PackageName, Version: pkg.Version}
			}
			return errors.Wrap(err, "failed to store package metadata")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

const packageColumns = `
	p.id, p.registry_id, p.package_name, p.version, p.description, p.author, p.metadata,
	p.created_at, p.updated_at
`

func scanPackage(row interface{ Scan(...any) error }) (*store.WorkflowPackage, error) {
	var p store.WorkflowPackage
	var id, registryID blobUUID
	var metadata sql.NullString
	if err := row.Scan(
		&id,
		&registryID,
		&p.PackageName,
		&p.Version,
		&p.Description,
		&p.Author,
		&metadata,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.ID = id.UUID
	p.RegistryID = registryID.UUID
	if metadata.Valid {
		p.Metadata = []byte(metadata.String)
	}
	return &p, nil
}

func (d *DB) GetWorkflowPackage(ctx context.Context, name, version string) (*store.WorkflowPackage, []byte, error) {
	query := `SELECT ` + packageColumns + ` FROM workflow_packages p WHERE p.package_name = ?`
	args := []any{name}
	if version != "" {
		query += ` AND p.version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY p.updated_at DESC LIMIT 1`

	pkg, err := scanPackage(d.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil, &store.ErrPackageNotFound{Name: name, Version: version}
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get workflow_package")
	}

	var data []byte
	err = d.db.QueryRowContext(ctx,
		`SELECT data FROM workflow_registry WHERE id = ?`, uuidValue(pkg.RegistryID),
	).Scan(&data)
	if err == sql.ErrNoRows {
		// Metadata without binary is a broken registration.
		return nil, nil, errors.Errorf("package %s@%s has metadata but no binary", name, pkg.Version)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get package binary")
	}
	return pkg, data, nil
}

func (d *DB) ListWorkflowPackages(ctx context.Context) ([]*store.WorkflowPackage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM workflow_packages p ORDER BY p.package_name ASC, p.version ASC`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflow_packages")
	}
	defer rows.Close()

	var out []*store.WorkflowPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow_package")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) DeleteWorkflowPackage(ctx context.Context, name, version string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT registry_id FROM workflow_packages WHERE package_name = ?`
		args := []any{name}
		if version != "" {
			query += ` AND version = ?`
			args = append(args, version)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, "failed to find workflow_packages")
		}
		var registryIDs [][]byte
		for rows.Next() {
			var id []byte
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan registry id")
			}
			registryIDs = append(registryIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		deleteQuery := `DELETE FROM workflow_packages WHERE package_name = ?`
		if version != "" {
			deleteQuery += ` AND version = ?`
		}
		if _, err := tx.ExecContext(ctx, deleteQuery, args...); err != nil {
			return errors.Wrap(err, "failed to delete workflow_package")
		}
		for _, id := range registryIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_registry WHERE id = ?`, id); err != nil {
				return errors.Wrap(err, "failed to delete package binary")
			}
		}
		return nil
	})
}
