package security

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("package contents")
	info, err := SignPackage(data, priv)
	require.NoError(t, err)

	assert.Equal(t, PackageHash(data), info.PackageHash)
	assert.Equal(t, KeyFingerprint(pub), info.KeyFingerprint)
	assert.Len(t, info.Signature, ed25519.SignatureSize)
	assert.True(t, VerifyHashSignature(pub, info.PackageHash, info.Signature))
}

func TestVerifyFailsOnFlippedDataBit(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("package contents")
	info, err := SignPackage(data, priv)
	require.NoError(t, err)

	tampered := make([]byte, len(data))
	copy(tampered, data)
	tampered[3] ^= 0x01

	assert.False(t, VerifyHashSignature(pub, PackageHash(tampered), info.Signature))
}

func TestVerifyFailsOnFlippedSignatureBit(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("package contents")
	info, err := SignPackage(data, priv)
	require.NoError(t, err)

	info.Signature[10] ^= 0x01
	assert.False(t, VerifyHashSignature(pub, info.PackageHash, info.Signature))
}

func TestDetachedSignatureRoundtrip(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("package contents")
	info, err := SignPackage(data, priv)
	require.NoError(t, err)

	sidecar := info.Detached()
	assert.Equal(t, 1, sidecar.Version)
	assert.Equal(t, "ed25519", sidecar.Algorithm)

	encoded, err := json.Marshal(sidecar)
	require.NoError(t, err)
	parsed, err := ParseDetachedSignature(encoded)
	require.NoError(t, err)

	restored, err := parsed.Info()
	require.NoError(t, err)
	assert.Equal(t, info.PackageHash, restored.PackageHash)
	assert.Equal(t, info.KeyFingerprint, restored.KeyFingerprint)
	assert.Equal(t, info.Signature, restored.Signature)
}

func TestParseDetachedSignatureRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `nope`},
		{"wrong version", `{"version":2,"algorithm":"ed25519","package_hash":"ab","key_fingerprint":"cd","signature":"ZZ","signed_at":"2026-01-01T00:00:00Z"}`},
		{"wrong algorithm", `{"version":1,"algorithm":"rsa","package_hash":"ab","key_fingerprint":"cd","signature":"ZZ","signed_at":"2026-01-01T00:00:00Z"}`},
		{"missing fields", `{"version":1,"algorithm":"ed25519"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDetachedSignature([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestVerifyPackageOffline(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("the package")
	info, err := SignPackage(data, priv)
	require.NoError(t, err)
	sidecar := info.Detached()

	require.NoError(t, VerifyPackageOffline(data, sidecar, pub))

	tampered := append([]byte{}, data...)
	tampered[0] ^= 0xFF
	err = VerifyPackageOffline(tampered, sidecar, pub)
	var tamperedErr *TamperedPackageError
	require.ErrorAs(t, err, &tamperedErr)
}

func TestVerifierUntrustedSigner(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	otherPub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("the package")
	info, err := SignPackage(data, priv)
	require.NoError(t, err)

	verifier := NewVerifier(
		RequireSignatures("acme"),
		&SidecarResolver{Signature: info.Detached()},
		&StaticKeyResolver{Keys: map[string]ed25519.PublicKey{KeyFingerprint(otherPub): otherPub}},
	)
	err = verifier.VerifyPackage(context.Background(), data)
	var untrusted *UntrustedSignerError
	require.ErrorAs(t, err, &untrusted)
}

func TestVerifierInvalidSignature(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("the package")
	info, err := SignPackage(data, priv)
	require.NoError(t, err)
	info.Signature[0] ^= 0x01

	verifier := NewVerifier(
		RequireSignatures("acme"),
		&staticSignatureResolver{info: info},
		&StaticKeyResolver{Keys: map[string]ed25519.PublicKey{KeyFingerprint(pub): pub}},
	)
	err = verifier.VerifyPackage(context.Background(), data)
	var invalid *InvalidSignatureError
	require.ErrorAs(t, err, &invalid)
}

func TestVerifierUnsignedPackagePolicy(t *testing.T) {
	data := []byte("unsigned")

	dev := NewVerifier(Development(), &SidecarResolver{}, &StaticKeyResolver{})
	require.NoError(t, dev.VerifyPackage(context.Background(), data))

	prod := NewVerifier(RequireSignatures("acme"), &SidecarResolver{}, &StaticKeyResolver{})
	err := prod.VerifyPackage(context.Background(), data)
	var unsigned *UnsignedPackageError
	require.ErrorAs(t, err, &unsigned)
}

func TestEncryptDecryptKey(t *testing.T) {
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}

	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encrypted, err := EncryptKey(priv, masterKey)
	require.NoError(t, err)
	assert.NotEqual(t, []byte(priv), encrypted)

	decrypted, err := DecryptKey(encrypted, masterKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(priv), decrypted)
}

func TestEncryptKeyRejectsShortMasterKey(t *testing.T) {
	_, err := EncryptKey([]byte("secret"), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecryptKeyRejectsGarbage(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := DecryptKey([]byte("tiny"), masterKey)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	garbage := make([]byte, 64)
	_, err = DecryptKey(garbage, masterKey)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

type staticSignatureResolver struct {
	info *SignatureInfo
}

func (r *staticSignatureResolver) ResolveSignature(_ context.Context, _ string) (*SignatureInfo, error) {
	return r.info, nil
}

func TestSignedAtIsRecent(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	info, err := SignPackage([]byte("x"), priv)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), info.SignedAt, time.Minute)
}
