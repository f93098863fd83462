package security

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
)

// Config toggles signature enforcement. Development permits unsigned
// packages; production rejects them.
type Config struct {
	// RequireSignatures rejects packages without a valid signature.
	RequireSignatures bool
	// Organization scopes trusted-key lookups.
	Organization string
	// MasterKey decrypts stored signing keys; nil when only verifying.
	MasterKey []byte
}

// RequireSignatures returns a production configuration.
func RequireSignatures(org string) Config {
	return Config{RequireSignatures: true, Organization: org}
}

// Development returns a configuration permitting unsigned packages.
func Development() Config {
	return Config{RequireSignatures: false}
}

// TamperedPackageError means the package bytes do not match the signed
// hash.
type TamperedPackageError struct {
	Expected string
	Actual   string
}

func (e *TamperedPackageError) Error() string {
	return fmt.Sprintf("tampered package: signed hash %s does not match computed hash %s", e.Expected, e.Actual)
}

// UntrustedSignerError means no trusted key matches the signature's
// fingerprint.
type UntrustedSignerError struct {
	Fingerprint string
}

func (e *UntrustedSignerError) Error() string {
	return fmt.Sprintf("untrusted signer: no trusted key with fingerprint %s", e.Fingerprint)
}

// InvalidSignatureError means cryptographic verification failed.
type InvalidSignatureError struct{}

func (e *InvalidSignatureError) Error() string {
	return "invalid signature: cryptographic verification failed"
}

// UnsignedPackageError means no signature was found and the
// configuration requires one.
type UnsignedPackageError struct {
	PackageHash string
}

func (e *UnsignedPackageError) Error() string {
	return fmt.Sprintf("unsigned package: no signature found for hash %s", e.PackageHash)
}

// SignatureResolver fetches a stored signature by package hash. The
// store layer implements it; sidecar files are adapted through
// SidecarResolver.
type SignatureResolver interface {
	ResolveSignature(ctx context.Context, packageHash string) (*SignatureInfo, error)
}

// TrustedKeyResolver fetches a non-revoked trusted public key by
// fingerprint for an organization.
type TrustedKeyResolver interface {
	ResolveTrustedKey(ctx context.Context, org, fingerprint string) (ed25519.PublicKey, error)
}

// Verifier checks package integrity and provenance.
type Verifier struct {
	cfg        Config
	signatures SignatureResolver
	keys       TrustedKeyResolver
}

// NewVerifier builds a verifier over the given resolvers.
func NewVerifier(cfg Config, signatures SignatureResolver, keys TrustedKeyResolver) *Verifier {
	return &Verifier{cfg: cfg, signatures: signatures, keys: keys}
}

// VerifyPackage checks the package bytes: hash, signature lookup, hash
// equality, trusted-key resolution, and Ed25519 verification. Every
// outcome is audit-logged.
func (v *Verifier) VerifyPackage(ctx context.Context, data []byte) error {
	hash := PackageHash(data)

	sig, err := v.signatures.ResolveSignature(ctx, hash)
	if err != nil || sig == nil {
		if !v.cfg.RequireSignatures {
			slog.Info("package verification skipped: unsigned package permitted",
				"package_hash", hash, "org", v.cfg.Organization)
			return nil
		}
		verr := &UnsignedPackageError{PackageHash: hash}
		v.audit(hash, "", verr)
		return verr
	}

	if sig.PackageHash != hash {
		verr := &TamperedPackageError{Expected: sig.PackageHash, Actual: hash}
		v.audit(hash, sig.KeyFingerprint, verr)
		return verr
	}

	publicKey, err := v.keys.ResolveTrustedKey(ctx, v.cfg.Organization, sig.KeyFingerprint)
	if err != nil || publicKey == nil {
		verr := &UntrustedSignerError{Fingerprint: sig.KeyFingerprint}
		v.audit(hash, sig.KeyFingerprint, verr)
		return verr
	}

	if !VerifyHashSignature(publicKey, hash, sig.Signature) {
		verr := &InvalidSignatureError{}
		v.audit(hash, sig.KeyFingerprint, verr)
		return verr
	}

	v.audit(hash, sig.KeyFingerprint, nil)
	return nil
}

func (v *Verifier) audit(hash, fingerprint string, verr error) {
	if verr == nil {
		slog.Info("package verification succeeded",
			"package_hash", hash, "key_fingerprint", fingerprint, "org", v.cfg.Organization)
		return
	}
	slog.Warn("package verification failed",
		"package_hash", hash, "key_fingerprint", fingerprint, "org", v.cfg.Organization, "error", verr)
}

// SidecarResolver resolves signatures from a detached sidecar document
// instead of the database.
type SidecarResolver struct {
	Signature *DetachedSignature
}

func (r *SidecarResolver) ResolveSignature(_ context.Context, packageHash string) (*SignatureInfo, error) {
	if r.Signature == nil {
		return nil, nil
	}
	info, err := r.Signature.Info()
	if err != nil {
		return nil, err
	}
	_ = packageHash // hash equality is checked by the verifier
	return info, nil
}

// StaticKeyResolver trusts a fixed key set; used for offline
// verification against an explicitly provided public key.
type StaticKeyResolver struct {
	Keys map[string]ed25519.PublicKey
}

func (r *StaticKeyResolver) ResolveTrustedKey(_ context.Context, _ string, fingerprint string) (ed25519.PublicKey, error) {
	key, ok := r.Keys[fingerprint]
	if !ok {
		return nil, &UntrustedSignerError{Fingerprint: fingerprint}
	}
	return key, nil
}

// VerifyPackageOffline verifies a package against a sidecar signature
// and an explicit public key, no database required.
func VerifyPackageOffline(data []byte, sidecar *DetachedSignature, publicKey ed25519.PublicKey) error {
	verifier := NewVerifier(
		RequireSignatures(""),
		&SidecarResolver{Signature: sidecar},
		&StaticKeyResolver{Keys: map[string]ed25519.PublicKey{KeyFingerprint(publicKey): publicKey}},
	)
	return verifier.VerifyPackage(context.Background(), data)
}
