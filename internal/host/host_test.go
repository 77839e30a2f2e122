// Copyright 2025 James Ross
package host

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/config"
)

func testConfig(t *testing.T, pluginsRoot string) *config.Config {
	t.Helper()
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Plugins.Root = pluginsRoot
	cfg.Plugins.RequireSignature = false
	cfg.Observability.MetricsPort = 0
	return cfg
}

func TestNewWithoutTrustedKeysPathUsesNilTrustStore(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	h, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, h.Manager)
}

func TestLoadTrustStoreParsesKeysFile(t *testing.T) {
	_, pub, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "trusted-keys.json")
	raw, err := json.Marshal([]trustedKey{
		{KeyID: "prod-2026", PublicKey: base64.StdEncoding.EncodeToString(pub)},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg := testConfig(t, t.TempDir())
	cfg.Plugins.TrustedKeysPath = path

	store, err := loadTrustStore(cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestLoadTrustStoreRejectsBadKeyLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted-keys.json")
	raw, err := json.Marshal([]trustedKey{{KeyID: "short", PublicKey: base64.StdEncoding.EncodeToString([]byte("too-short"))}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg := testConfig(t, t.TempDir())
	cfg.Plugins.TrustedKeysPath = path

	_, err = loadTrustStore(cfg)
	require.Error(t, err)
}

func TestHostStartStop(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	h, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
}
