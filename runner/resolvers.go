package runner

import (
	"context"
	"crypto/ed25519"

	"github.com/hrygo/aqueduct/security"
	"github.com/hrygo/aqueduct/store"
)

// StoreSignatureResolver resolves package signatures from the database.
type StoreSignatureResolver struct {
	Store *store.Store
}

func (r *StoreSignatureResolver) ResolveSignature(ctx context.Context, packageHash string) (*security.SignatureInfo, error) {
	sig, err := r.Store.GetPackageSignature(ctx, packageHash)
	if err != nil {
		// Missing signatures are a policy decision for the verifier,
		// not an error here.
		return nil, nil
	}
	return &security.SignatureInfo{
		PackageHash:    sig.PackageHash,
		KeyFingerprint: sig.KeyFingerprint,
		Signature:      sig.Signature,
		SignedAt:       sig.SignedAt,
	}, nil
}

// StoreTrustedKeyResolver resolves non-revoked trusted keys from the
// database.
type StoreTrustedKeyResolver struct {
	Store *store.Store
}

func (r *StoreTrustedKeyResolver) ResolveTrustedKey(ctx context.Context, org, fingerprint string) (ed25519.PublicKey, error) {
	key, err := r.Store.GetTrustedKeyByFingerprint(ctx, org, fingerprint)
	if err != nil {
		return nil, &security.UntrustedSignerError{Fingerprint: fingerprint}
	}
	return ed25519.PublicKey(key.PublicKey), nil
}

// NewStoreVerifier builds a verifier over database-held signatures and
// trusted keys.
func NewStoreVerifier(cfg security.Config, st *store.Store) *security.Verifier {
	return security.NewVerifier(cfg, &StoreSignatureResolver{Store: st}, &StoreTrustedKeyResolver{Store: st})
}
