package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// SignatureInfo is a package signature with all metadata.
type SignatureInfo struct {
	// PackageHash is the hex SHA-256 of the package bytes.
	PackageHash string
	// KeyFingerprint is the hex SHA-256 of the signing public key.
	KeyFingerprint string
	// Signature is the 64-byte Ed25519 signature over the hash bytes.
	Signature []byte
	// SignedAt is when the package was signed.
	SignedAt time.Time
}

// DetachedSignatureVersion is the current sidecar file format version.
const DetachedSignatureVersion = 1

// DetachedSignature is the JSON sidecar format written next to a
// package file.
type DetachedSignature struct {
	Version        int    `json:"version"`
	Algorithm      string `json:"algorithm"`
	PackageHash    string `json:"package_hash"`
	KeyFingerprint string `json:"key_fingerprint"`
	Signature      string `json:"signature"`
	SignedAt       string `json:"signed_at"`
}

// SignPackage signs package bytes with an Ed25519 private key.
func SignPackage(data []byte, privateKey ed25519.PrivateKey) (*SignatureInfo, error) {
	hash := PackageHash(data)
	signature, err := SignHash(privateKey, hash)
	if err != nil {
		return nil, err
	}
	publicKey, ok := privateKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("private key has no ed25519 public key")
	}
	return &SignatureInfo{
		PackageHash:    hash,
		KeyFingerprint: KeyFingerprint(publicKey),
		Signature:      signature,
		SignedAt:       time.Now().UTC(),
	}, nil
}

// SignPackageFile signs a package on disk.
func SignPackageFile(path string, privateKey ed25519.PrivateKey) (*SignatureInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read package %s", path)
	}
	return SignPackage(data, privateKey)
}

// Detached converts the signature into its sidecar representation.
func (s *SignatureInfo) Detached() *DetachedSignature {
	return &DetachedSignature{
		Version:        DetachedSignatureVersion,
		Algorithm:      "ed25519",
		PackageHash:    s.PackageHash,
		KeyFingerprint: s.KeyFingerprint,
		Signature:      base64.StdEncoding.EncodeToString(s.Signature),
		SignedAt:       s.SignedAt.Format(time.RFC3339),
	}
}

// ParseDetachedSignature parses and validates a sidecar document.
func ParseDetachedSignature(data []byte) (*DetachedSignature, error) {
	var sig DetachedSignature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, errors.Wrap(err, "malformed signature file")
	}
	if sig.Version != DetachedSignatureVersion {
		return nil, errors.Errorf("unsupported signature version %d", sig.Version)
	}
	if sig.Algorithm != "ed25519" {
		return nil, errors.Errorf("unsupported signature algorithm %q", sig.Algorithm)
	}
	if sig.PackageHash == "" || sig.KeyFingerprint == "" || sig.Signature == "" {
		return nil, errors.New("signature file missing required fields")
	}
	return &sig, nil
}

// SignatureBytes decodes the base64 signature.
func (d *DetachedSignature) SignatureBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "malformed signature encoding")
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, errors.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(raw))
	}
	return raw, nil
}

// Info converts the sidecar document back into SignatureInfo.
func (d *DetachedSignature) Info() (*SignatureInfo, error) {
	raw, err := d.SignatureBytes()
	if err != nil {
		return nil, err
	}
	signedAt, err := time.Parse(time.RFC3339, d.SignedAt)
	if err != nil {
		return nil, errors.Wrap(err, "malformed signed_at timestamp")
	}
	return &SignatureInfo{
		PackageHash:    d.PackageHash,
		KeyFingerprint: d.KeyFingerprint,
		Signature:      raw,
		SignedAt:       signedAt,
	}, nil
}

// WriteFile writes the sidecar next to the given package path, as
// <package>.sig.
func (d *DetachedSignature) WriteFile(packagePath string) (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal signature")
	}
	sigPath := packagePath + ".sig"
	if err := os.WriteFile(sigPath, data, 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write signature file %s", sigPath)
	}
	return sigPath, nil
}

// ReadDetachedSignature loads the sidecar for a package path, trying
// <package>.sig.
func ReadDetachedSignature(packagePath string) (*DetachedSignature, error) {
	sigPath := packagePath + ".sig"
	data, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read signature file %s", filepath.Base(sigPath))
	}
	return ParseDetachedSignature(data)
}
