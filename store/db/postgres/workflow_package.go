package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hrygo/aqueduct/store"
)

// CreateWorkflowPackage inserts the binary and its metadata in one
// transaction: either both rows commit or neither does.
func (d *DB) CreateWorkflowPackage(ctx context.Context, pkg *store.WorkflowPackage, data []byte) (*store.WorkflowPackage, error) {
	if pkg.ID == uuid.Nil {
		pkg.ID = uuid.New()
	}
	if pkg.RegistryID == uuid.Nil {
		pkg.RegistryID = uuid.New()
	}

	err := d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_registry (id, data) VALUES ($1, $2)`,
			pkg.RegistryID, data,
		); err != nil {
			return fmt.Errorf("failed to store package binary: %w", err)
		}

		var metadata any
		if len(pkg.Metadata) > 0 {
			metadata = pkg.Metadata
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_packages (id, registry_id, package_name, version, description, author, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			pkg.ID, pkg.RegistryID, pkg.PackageName, pkg.Version, pkg.Description, pkg.Author, metadata,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return &store.ErrPackageExists{Name: pkg.PackageName, Version: pkg.Version}
			}
			return fmt.Errorf("failed to store package metadata: %w", err)
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
	EXTRACT(EPOCH FROM p.created_at)::bigint, EXTRACT(EPOCH FROM p.updated_at)::bigint
`

func scanPackage(row interface{ Scan(...any) error }) (*store.WorkflowPackage, error) {
	var p store.WorkflowPackage
	var metadata []byte
	if err := row.Scan(
		&p.ID,
		&p.RegistryID,
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
	p.Metadata = metadata
	return &p, nil
}

func (d *DB) GetWorkflowPackage(ctx context.Context, name, version string) (*store.WorkflowPackage, []byte, error) {
	query := `SELECT ` + packageColumns + ` FROM workflow_packages p WHERE p.package_name = $1`
	args := []any{name}
	if version != "" {
		query += ` AND p.version = $2`
		args = append(args, version)
	}
	query += ` ORDER BY p.updated_at DESC LIMIT 1`

	pkg, err := scanPackage(d.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil, &store.ErrPackageNotFound{Name: name, Version: version}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get workflow_package: %w", err)
	}

	var data []byte
	err = d.db.QueryRowContext(ctx,
		`SELECT data FROM workflow_registry WHERE id = $1`, pkg.RegistryID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		// Metadata without binary is a broken registration.
		return nil, nil, fmt.Errorf("package %s@%s has metadata but no binary", name, pkg.Version)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get package binary: %w", err)
	}
	return pkg, data, nil
}

func (d *DB) ListWorkflowPackages(ctx context.Context) ([]*store.WorkflowPackage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM workflow_packages p ORDER BY p.package_name ASC, p.version ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow_packages: %w", err)
	}
	defer rows.Close()

	var out []*store.WorkflowPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow_package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) DeleteWorkflowPackage(ctx context.Context, name, version string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		query := `DELETE FROM workflow_packages WHERE package_name = $1`
		args := []any{name}
		if version != "" {
			query += ` AND version = $2`
			args = append(args, version)
		}
		query += ` RETURNING registry_id`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete workflow_package: %w", err)
		}
		var registryIDs []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan registry id: %w", err)
			}
			registryIDs = append(registryIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(registryIDs) > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM workflow_registry WHERE id = ANY($1)`, pq.Array(registryIDs),
			); err != nil {
				return fmt.Errorf("failed to delete package binaries: %w", err)
			}
		}
		return nil
	})
}
