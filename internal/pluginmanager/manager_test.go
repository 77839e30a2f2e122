// Copyright 2025 James Ross
package pluginmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/jsvm"
	"github.com/flyingrobots/pluginhost/internal/plugin"
	"github.com/flyingrobots/pluginhost/internal/reliability/ratelimit"
	"github.com/flyingrobots/pluginhost/internal/reliability/retry"
)

// buildTestZip writes an in-memory zip archive to a temp file and returns
// its path.
func buildTestZip(t *testing.T, files map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func testConfig(t *testing.T, root string) Config {
	t.Helper()
	return Config{
		PluginsRoot:          root,
		RequireSignature:     false,
		MaxBundleBytes:       1 << 20,
		JSVMLimits:           jsvm.Limits{MemoryBytes: 16 * 1024 * 1024, StackBytes: 512 * 1024, Timeout: 2 * time.Second},
		SchedulerConcurrency: 2,
		SchedulerQueueSize:   10,
		RateLimitGlobal:      ratelimit.Config{RatePerSecond: 1000, Burst: 1000},
		RateLimitPlugin:      ratelimit.Config{RatePerSecond: 1000, Burst: 1000},
		CacheTTL:             time.Minute,
		CacheTTI:             time.Minute,
		RetryConfig:          retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1, JitterFactor: 0},
		FetchDisabled:        true,
	}
}

func newTestManager(t *testing.T, root string) *Manager {
	t.Helper()
	m, err := New(testConfig(t, root), nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

// writePlugin materializes a plugin directory with a manifest.json and an
// entry script, under root/<manifest.ID>.
func writePlugin(t *testing.T, root string, manifest plugin.Manifest, entry string) string {
	t.Helper()
	if manifest.Entry == "" {
		manifest.Entry = "plugin.js"
	}
	dir := filepath.Join(root, manifest.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.Entry), []byte(entry), 0o644))
	return dir
}

func basicManifest(id string) plugin.Manifest {
	return plugin.Manifest{
		ID:         id,
		Name:       id,
		Version:    "1.0.0",
		APIVersion: "1",
		PluginType: plugin.PluginTypeData,
		Entry:      "plugin.js",
	}
}

func TestNewRejectsEmptyPluginsRoot(t *testing.T) {
	_, err := New(Config{}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestStartDiscoversPluginsOnDisk(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, basicManifest("weather"), "function refresh() { return {}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	list := m.List()
	require.Len(t, list, 1)
	require.Equal(t, "weather", list[0].ID)
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)
}

func TestStopWithoutStartReturnsNotRunning(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	require.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestEnableDisableUnknownPluginReturnsNotFound(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	require.ErrorIs(t, m.Enable("nope"), ErrPluginNotFound)
	require.ErrorIs(t, m.Disable("nope"), ErrPluginNotFound)
}

func TestEnableDisableTogglesInstanceState(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, basicManifest("weather"), "function refresh() { return {}; }")
	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.Enable("weather"))
	inst, err := m.Get("weather")
	require.NoError(t, err)
	require.True(t, inst.Enabled())

	require.NoError(t, m.Disable("weather"))
	require.False(t, inst.Enabled())
}

func TestConfigRoundTrip(t *testing.T) {
	root := t.TempDir()
	manifest := basicManifest("billing")
	manifest.ConfigSchema = map[string]plugin.FieldSchema{
		"apiKey": {Type: "string", Required: true},
	}
	writePlugin(t, root, manifest, "function refresh() { return {}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Error(t, m.ValidateConfig("billing", map[string]interface{}{}))
	require.NoError(t, m.ValidateConfig("billing", map[string]interface{}{"apiKey": "secret"}))

	require.NoError(t, m.SetConfig("billing", map[string]interface{}{"apiKey": "secret"}))
	cfg, err := m.GetConfig("billing")
	require.NoError(t, err)
	require.Equal(t, "secret", cfg["apiKey"])
}

func TestUninstallRemovesDirectoryAndIndex(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, basicManifest("weather"), "function refresh() { return {}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.Uninstall("weather"))
	_, err := m.Get("weather")
	require.ErrorIs(t, err, ErrPluginNotFound)

	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr))
}

func TestReloadPreservesConfigAndEnabledState(t *testing.T) {
	root := t.TempDir()
	manifest := basicManifest("weather")
	manifest.ConfigSchema = map[string]plugin.FieldSchema{"units": {Type: "string"}}
	writePlugin(t, root, manifest, "function refresh() { return {}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.Enable("weather"))
	require.NoError(t, m.SetConfig("weather", map[string]interface{}{"units": "metric"}))

	require.NoError(t, m.Reload("weather"))

	inst, err := m.Get("weather")
	require.NoError(t, err)
	require.True(t, inst.Enabled())
	require.Equal(t, "metric", inst.Config()["units"])
}

func TestReloadFailureLeavesRunningInstanceUntouched(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, basicManifest("weather"), "function refresh() { return {}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	original, err := m.Get("weather")
	require.NoError(t, err)

	// Corrupt the on-disk manifest so the reload's re-verification fails.
	require.NoError(t, os.WriteFile(filepath.Join(root, "weather", "manifest.json"), []byte("not json"), 0o644))

	require.Error(t, m.Reload("weather"))

	stillThere, err := m.Get("weather")
	require.NoError(t, err)
	require.Same(t, original, stillThere)
}

func TestPeekManifestIDReadsIDFromArchive(t *testing.T) {
	archive := buildTestZip(t, map[string][]byte{
		"manifest.json": []byte(`{"id":"foo","name":"Foo","version":"1.0.0"}`),
		"plugin.js":     []byte("function refresh(){return{}}"),
	})
	id, err := peekManifestID(archive)
	require.NoError(t, err)
	require.Equal(t, "foo", id)
}

func TestPeekManifestIDErrorsWithoutManifest(t *testing.T) {
	archive := buildTestZip(t, map[string][]byte{"plugin.js": []byte("x")})
	_, err := peekManifestID(archive)
	require.Error(t, err)
}

func TestRefreshRunsEntryScriptAndRecordsSuccess(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, basicManifest("weather"), "function refresh() { return {temp: 72}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.NoError(t, m.Enable("weather"))

	require.NoError(t, m.Refresh(context.Background(), "weather", false))

	data, err := m.GetData("weather")
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	require.EqualValues(t, 72, out["temp"])

	snap, err := m.GetHealth("weather")
	require.NoError(t, err)
	require.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestRefreshRejectsDisabledPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, basicManifest("weather"), "function refresh() { return {}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	err := m.Refresh(context.Background(), "weather", false)
	require.Error(t, err)
}

func TestRefreshHonorsRateLimit(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, basicManifest("weather"), "function refresh() { return {}; }")

	cfg := testConfig(t, root)
	cfg.RateLimitGlobal = ratelimit.Config{RatePerSecond: 0.001, Burst: 1}
	cfg.RateLimitPlugin = ratelimit.Config{RatePerSecond: 0.001, Burst: 1}
	m, err := New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.NoError(t, m.Enable("weather"))

	require.NoError(t, m.Refresh(context.Background(), "weather", true))
	require.Error(t, m.Refresh(context.Background(), "weather", true))
}

func TestScheduleAutoRefreshRunsOnInterval(t *testing.T) {
	root := t.TempDir()
	manifest := basicManifest("ticking")
	manifest.RefreshIntervalMs = 10
	writePlugin(t, root, manifest, "function refresh() { return {n:1}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.NoError(t, m.Enable("ticking"))

	require.Eventually(t, func() bool {
		data, err := m.GetData("ticking")
		return err == nil && len(data) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestRefreshAllSkipsDisabledPlugins(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, basicManifest("weather"), "function refresh() { return {ok:true}; }")
	writePlugin(t, root, basicManifest("billing"), "function refresh() { return {ok:true}; }")

	m := newTestManager(t, root)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.NoError(t, m.Enable("weather"))

	errs := m.RefreshAll(context.Background())
	require.Empty(t, errs)

	_, err := m.GetData("weather")
	require.NoError(t, err)
	billingData, err := m.GetData("billing")
	require.NoError(t, err)
	require.Nil(t, billingData, "disabled plugin must not have been refreshed")
}
