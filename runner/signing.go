package runner

import (
	"context"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/hrygo/aqueduct/security"
	"github.com/hrygo/aqueduct/store"
)

// CreateSigningKey generates an Ed25519 key pair, encrypts the private
// key under the master key, and stores both. Returns the public key
// fingerprint.
func (r *Runner) CreateSigningKey(ctx context.Context, name string, masterKey []byte) (string, error) {
	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	encrypted, err := security.EncryptKey(priv, masterKey)
	if err != nil {
		return "", err
	}
	fingerprint := security.KeyFingerprint(pub)
	if err := r.store.StoreSigningKey(ctx, &store.SigningKey{
		Name:                name,
		PublicKey:           pub,
		PrivateKeyEncrypted: encrypted,
		Fingerprint:         fingerprint,
	}); err != nil {
		return "", err
	}
	return fingerprint, nil
}

// SignPackageWithStoredKey signs package bytes with a stored key and
// records the signature in the database, where verification finds it
// by package hash.
func (r *Runner) SignPackageWithStoredKey(ctx context.Context, keyName string, masterKey []byte, data []byte) (*security.SignatureInfo, error) {
	key, err := r.store.GetSigningKey(ctx, keyName)
	if err != nil {
		return nil, err
	}
	raw, err := security.DecryptKey(key.PrivateKeyEncrypted, masterKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("stored key %s has unexpected size %d", keyName, len(raw))
	}

	info, err := security.SignPackage(data, ed25519.PrivateKey(raw))
	if err != nil {
		return nil, err
	}
	if err := r.store.StorePackageSignature(ctx, &store.PackageSignature{
		PackageHash:    info.PackageHash,
		KeyFingerprint: info.KeyFingerprint,
		Signature:      info.Signature,
		SignedAt:       info.SignedAt,
	}); err != nil {
		return nil, err
	}
	return info, nil
}

// TrustKey marks a public key as trusted for an organization, making
// packages signed by it loadable under RequireSignatures.
func (r *Runner) TrustKey(ctx context.Context, org string, publicKey ed25519.PublicKey, comment string) error {
	return r.store.StoreTrustedKey(ctx, &store.TrustedKey{
		Organization: org,
		Fingerprint:  security.KeyFingerprint(publicKey),
		PublicKey:    publicKey,
		Comment:      comment,
	})
}
