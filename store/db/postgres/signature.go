package postgres

import (
	"context"
	"fmt"

	"github.com/hrygo/aqueduct/store"
)

func (d *DB) StorePackageSignature(ctx context.Context, sig *store.PackageSignature) error {
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO package_signatures (package_hash, key_fingerprint, signature, signed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (package_hash)
		DO UPDATE SET key_fingerprint = EXCLUDED.key_fingerprint, signature = EXCLUDED.signature, signed_at = EXCLUDED.signed_at`,
		sig.PackageHash, sig.KeyFingerprint, sig.Signature, sig.SignedAt,
	); err != nil {
		return fmt.Errorf("failed to store package signature: %w", err)
	}
	return nil
}

func (d *DB) GetPackageSignature(ctx context.Context, packageHash string) (*store.PackageSignature, error) {
	var sig store.PackageSignature
	err := d.db.QueryRowContext(ctx, `
		SELECT package_hash, key_fingerprint, signature, signed_at
		FROM package_signatures WHERE package_hash = $1`,
		packageHash,
	).Scan(&sig.PackageHash, &sig.KeyFingerprint, &sig.Signature, &sig.SignedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get package signature: %w", err)
	}
	return &sig, nil
}

func (d *DB) StoreSigningKey(ctx context.Context, key *store.SigningKey) error {
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO signing_keys (name, public_key, private_key_encrypted, fingerprint)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name)
		DO UPDATE SET public_key = EXCLUDED.public_key, private_key_encrypted = EXCLUDED.private_key_encrypted, fingerprint = EXCLUDED.fingerprint`,
		key.Name, key.PublicKey, key.PrivateKeyEncrypted, key.Fingerprint,
	); err != nil {
		return fmt.Errorf("failed to store signing key: %w", err)
	}
	return nil
}

func (d *DB) GetSigningKey(ctx context.Context, name string) (*store.SigningKey, error) {
	var key store.SigningKey
	err := d.db.QueryRowContext(ctx, `
		SELECT name, public_key, private_key_encrypted, fingerprint, created_at
		FROM signing_keys WHERE name = $1`,
		name,
	).Scan(&key.Name, &key.PublicKey, &key.PrivateKeyEncrypted, &key.Fingerprint, &key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}
	return &key, nil
}

func (d *DB) StoreTrustedKey(ctx context.Context, key *store.TrustedKey) error {
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO trusted_keys (organization, fingerprint, public_key, comment, revoked)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization, fingerprint)
		DO UPDATE SET public_key = EXCLUDED.public_key, comment = EXCLUDED.comment, revoked = EXCLUDED.revoked`,
		key.Organization, key.Fingerprint, key.PublicKey, key.Comment, key.Revoked,
	); err != nil {
		return fmt.Errorf("failed to store trusted key: %w", err)
	}
	return nil
}

func (d *DB) GetTrustedKeyByFingerprint(ctx context.Context, org, fingerprint string) (*store.TrustedKey, error) {
	var key store.TrustedKey
	err := d.db.QueryRowContext(ctx, `
		SELECT organization, fingerprint, public_key, comment, revoked, created_at
		FROM trusted_keys
		WHERE organization = $1 AND fingerprint = $2 AND NOT revoked`,
		org, fingerprint,
	).Scan(&key.Organization, &key.Fingerprint, &key.PublicKey, &key.Comment, &key.Revoked, &key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get trusted key: %w", err)
	}
	return &key, nil
}

func (d *DB) RevokeTrustedKey(ctx context.Context, org, fingerprint string) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE trusted_keys SET revoked = TRUE
		WHERE organization = $1 AND fingerprint = $2`,
		org, fingerprint,
	); err != nil {
		return fmt.Errorf("failed to revoke trusted key: %w", err)
	}
	return nil
}

func (d *DB) ListTrustedKeys(ctx context.Context, org string) ([]*store.TrustedKey, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT organization, fingerprint, public_key, comment, revoked, created_at
		FROM trusted_keys WHERE organization = $1 ORDER BY created_at ASC`,
		org,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted keys: %w", err)
	}
	defer rows.Close()

	var out []*store.TrustedKey
	for rows.Next() {
		var key store.TrustedKey
		if err := rows.Scan(&key.Organization, &key.Fingerprint, &key.PublicKey, &key.Comment, &key.Revoked, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trusted key: %w", err)
		}
		out = append(out, &key)
	}
	return out, rows.Err()
}
