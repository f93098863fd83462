package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/security"
)

func manifestPackage() []byte {
	return []byte(`{
		"task_count": 1,
		"tasks": [
			{"index": 0, "local_id": "report", "namespaced_id_template": "public::reports::daily::report", "dependencies_json": "[]"}
		],
		"package_name": "reports",
		"package_description": "daily report",
		"package_author": "data-eng",
		"workflow_fingerprint": "fp-9",
		"graph_data_json": ""
	}`)
}

func newSecureRunner(t *testing.T) *Runner {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "engine.db"),
	}
	cfg := DefaultConfig().
		WithSchedulerPollInterval(20 * time.Millisecond).
		WithCronScheduling(false).
		WithRecovery(false).
		WithRegistryReconciler(false)

	r, err := New(p, cfg, security.RequireSignatures("acme"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = r.Shutdown()
	})
	return r
}

func TestSignedPackageAcceptedTamperedRejected(t *testing.T) {
	r := newSecureRunner(t)
	ctx := context.Background()

	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i * 7)
	}

	// Unsigned registration is rejected under RequireSignatures.
	_, err := r.Registry().RegisterPackage(ctx, manifestPackage())
	var unsigned *security.UnsignedPackageError
	require.ErrorAs(t, err, &unsigned)

	// Create a key, trust it, sign the package, register again.
	fingerprint, err := r.CreateSigningKey(ctx, "release", masterKey)
	require.NoError(t, err)

	key, err := r.Store().GetSigningKey(ctx, "release")
	require.NoError(t, err)
	assert.Equal(t, fingerprint, key.Fingerprint)
	require.NoError(t, r.TrustKey(ctx, "acme", key.PublicKey, "release key"))

	info, err := r.SignPackageWithStoredKey(ctx, "release", masterKey, manifestPackage())
	require.NoError(t, err)
	assert.Equal(t, fingerprint, info.KeyFingerprint)

	_, err = r.Registry().RegisterPackage(ctx, manifestPackage())
	require.NoError(t, err)

	wf, err := r.Workflows().Get("daily")
	require.NoError(t, err)
	assert.Equal(t, "fp-9", wf.Version)

	// A single flipped byte invalidates the hash lookup and the package
	// is rejected.
	tampered := manifestPackage()
	tampered[len(tampered)-10] ^= 0x01
	_, err = r.Registry().RegisterPackage(ctx, tampered)
	require.Error(t, err)
}

func TestSignPackageWithWrongMasterKey(t *testing.T) {
	r := newSecureRunner(t)
	ctx := context.Background()

	masterKey := make([]byte, 32)
	_, err := r.CreateSigningKey(ctx, "release", masterKey)
	require.NoError(t, err)

	wrong := make([]byte, 32)
	wrong[0] = 0xFF
	_, err = r.SignPackageWithStoredKey(ctx, "release", wrong, []byte("data"))
	require.Error(t, err)
}
