package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/store"
)

func (d *DB) StorePackageSignature(ctx context.Context, sig *store.PackageSignature) error {
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO package_signatures (package_hash, key_fingerprint, signature, signed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (package_hash)
		DO UPDATE SET key_fingerprint = excluded.key_fingerprint, signature = excluded.signature, signed_at = excluded.signed_at`,
		sig.PackageHash, sig.KeyFingerprint, sig.Signature, timeValue(sig.SignedAt),
	); err != nil {
		return errors.Wrap(err, "failed to store package signature")
	}
	return nil
}

func (d *DB) GetPackageSignature(ctx context.Context, packageHash string) (*store.PackageSignature, error) {
	var sig store.PackageSignature
	var signedAt isoTime
	err := d.db.QueryRowContext(ctx, `
		SELECT package_hash, key_fingerprint, signature, signed_at
		FROM package_signatures WHERE package_hash = ?`,
		packageHash,
	).Scan(&sig.PackageHash, &sig.KeyFingerprint, &sig.Signature, &signedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get package signature")
	}
	sig.SignedAt = signedAt.Time
	return &sig, nil
}

func (d *DB) StoreSigningKey(ctx context.Context, key *store.SigningKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO signing_keys (name, public_key, private_key_encrypted, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name)
		DO UPDATE SET public_key = excluded.public_key, private_key_encrypted = excluded.private_key_encrypted, fingerprint = excluded.fingerprint`,
		key.Name, key.PublicKey, key.PrivateKeyEncrypted, key.Fingerprint, timeValue(key.CreatedAt),
	); err != nil {
		return errors.Wrap(err, "failed to store signing key")
	}
	return nil
}

func (d *DB) GetSigningKey(ctx context.Context, name string) (*store.SigningKey, error) {
	var key store.SigningKey
	var createdAt isoTime
	err := d.db.QueryRowContext(ctx, `
		SELECT name, public_key, private_key_encrypted, fingerprint, created_at
		FROM signing_keys WHERE name = ?`,
		name,
	).Scan(&key.Name, &key.PublicKey, &key.PrivateKeyEncrypted, &key.Fingerprint, &createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get signing key")
	}
	key.CreatedAt = createdAt.Time
	return &key, nil
}

func (d *DB) StoreTrustedKey(ctx context.Context, key *store.TrustedKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO trusted_keys (organization, fingerprint, public_key, comment, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization, fingerprint)
		DO UPDATE SET public_key = excluded.public_key, comment = excluded.comment, revoked = excluded.revoked`,
		key.Organization, key.Fingerprint, key.PublicKey, key.Comment, key.Revoked, timeValue(key.CreatedAt),
	); err != nil {
		return errors.Wrap(err, "failed to store trusted key")
	}
	return nil
}

func (d *DB) GetTrustedKeyByFingerprint(ctx context.Context, org, fingerprint string) (*store.TrustedKey, error) {
	var key store.TrustedKey
	var createdAt isoTime
	err := d.db.QueryRowContext(ctx, `
		SELECT organization, fingerprint, public_key, comment, revoked, created_at
		FROM trusted_keys
		WHERE organization = ? AND fingerprint = ? AND NOT revoked`,
		org, fingerprint,
	).Scan(&key.Organization, &key.Fingerprint, &key.PublicKey, &key.Comment, &key.Revoked, &createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get trusted key")
	}
	key.CreatedAt = createdAt.Time
	return &key, nil
}

func (d *DB) RevokeTrustedKey(ctx context.Context, org, fingerprint string) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE trusted_keys SET revoked = 1 WHERE organization = ? AND fingerprint = ?`,
		org, fingerprint,
	); err != nil {
		return errors.Wrap(err, "failed to revoke trusted key")
	}
	return nil
}

func (d *DB) ListTrustedKeys(ctx context.Context, org string) ([]*store.TrustedKey, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT organization, fingerprint, public_key, comment, revoked, created_at
		FROM trusted_keys WHERE organization = ? ORDER BY created_at ASC`,
		org,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list trusted keys")
	}
	defer rows.Close()

	var out []*store.TrustedKey
	for rows.Next() {
		var key store.TrustedKey
		var createdAt isoTime
		if err := rows.Scan(&key.Organization, &key.Fingerprint, &key.PublicKey, &key.Comment, &key.Revoked, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan trusted key")
		}
		key.CreatedAt = createdAt.Time
		out = append(out, &key)
	}
	return out, rows.Err()
}
