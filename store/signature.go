package store

import (
	"context"
	"time"
)

// PackageSignature is an Ed25519 signature over the SHA-256 of a
// package's bytes, keyed by the hex package hash.
type PackageSignature struct {
	PackageHash    string
	KeyFingerprint string
	Signature      []byte
	SignedAt       time.Time
}

// SigningKey is a stored Ed25519 key pair. The private key is encrypted
// at rest with AES-256-GCM under the master key; PrivateKeyEncrypted
// holds nonce||ciphertext.
type SigningKey struct {
	Name                string
	PublicKey           []byte
	PrivateKeyEncrypted []byte
	Fingerprint         string
	CreatedAt           time.Time
}

// TrustedKey is a public key an organization accepts signatures from.
type TrustedKey struct {
	Organization string
	Fingerprint  string
	PublicKey    []byte
	Comment      string
	Revoked      bool
	CreatedAt    time.Time
}

func (s *Store) StorePackageSignature(ctx context.Context, sig *PackageSignature) error {
	return s.driver.StorePackageSignature(ctx, sig)
}

func (s *Store) GetPackageSignature(ctx context.Context, packageHash string) (*PackageSignature, error) {
	return s.driver.GetPackageSignature(ctx, packageHash)
}

func (s *Store) StoreSigningKey(ctx context.Context, key *SigningKey) error {
	return s.driver.StoreSigningKey(ctx, key)
}

func (s *Store) GetSigningKey(ctx context.Context, name string) (*SigningKey, error) {
	return s.driver.GetSigningKey(ctx, name)
}

func (s *Store) StoreTrustedKey(ctx context.Context, key *TrustedKey) error {
	return s.driver.StoreTrustedKey(ctx, key)
}

// GetTrustedKeyByFingerprint resolves a non-revoked trusted key for the
// organization.
func (s *Store) GetTrustedKeyByFingerprint(ctx context.Context, org, fingerprint string) (*TrustedKey, error) {
	return s.driver.GetTrustedKeyByFingerprint(ctx, org, fingerprint)
}

func (s *Store) RevokeTrustedKey(ctx context.Context, org, fingerprint string) error {
	return s.driver.RevokeTrustedKey(ctx, org, fingerprint)
}

func (s *Store) ListTrustedKeys(ctx context.Context, org string) ([]*TrustedKey, error) {
	return s.driver.ListTrustedKeys(ctx, org)
}
