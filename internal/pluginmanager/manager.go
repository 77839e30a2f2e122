// Copyright 2025 James Ross
// Package pluginmanager is the orchestrator/façade: the single type the
// host application talks to. It owns the plugins table, the event bus, the
// permission checker, the per-plugin config manager, the reliability layer
// (scheduler, rate limiter, cache, retry), and drives plugin discovery,
// installation, lifecycle, and refresh.
package pluginmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/klauspost/compress/zip"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/eventbus"
	"github.com/flyingrobots/pluginhost/internal/extractor"
	"github.com/flyingrobots/pluginhost/internal/fetchguard"
	"github.com/flyingrobots/pluginhost/internal/health"
	"github.com/flyingrobots/pluginhost/internal/integrity"
	"github.com/flyingrobots/pluginhost/internal/jsvm"
	"github.com/flyingrobots/pluginhost/internal/jsvm/capability"
	"github.com/flyingrobots/pluginhost/internal/permission"
	"github.com/flyingrobots/pluginhost/internal/plugin"
	"github.com/flyingrobots/pluginhost/internal/pluginconfig"
	"github.com/flyingrobots/pluginhost/internal/reliability/cache"
	"github.com/flyingrobots/pluginhost/internal/reliability/ratelimit"
	"github.com/flyingrobots/pluginhost/internal/reliability/retry"
	"github.com/flyingrobots/pluginhost/internal/reliability/scheduler"
	"github.com/flyingrobots/pluginhost/internal/signing"
	"github.com/flyingrobots/pluginhost/internal/timeradmit"
)

// ErrPluginNotFound is returned by operations naming a plugin id the
// manager does not have indexed.
var ErrPluginNotFound = fmt.Errorf("pluginmanager: plugin not found")

// ErrAlreadyRunning / ErrNotRunning guard Start/Stop against double calls.
var (
	ErrAlreadyRunning = fmt.Errorf("pluginmanager: already running")
	ErrNotRunning     = fmt.Errorf("pluginmanager: not running")
)

// Config bundles every tunable the manager's subsystems need. It mirrors
// internal/config.Config's shape but keeps this package decoupled from the
// host's top-level config type.
type Config struct {
	PluginsRoot      string
	RequireSignature bool
	MaxBundleBytes   int64

	JSVMLimits jsvm.Limits

	SchedulerConcurrency int
	SchedulerQueueSize   int

	RateLimitGlobal ratelimit.Config
	RateLimitPlugin ratelimit.Config

	CacheTTL    time.Duration
	CacheTTI    time.Duration
	CacheRedis  string

	RetryConfig retry.Config

	FetchDisabled bool

	TimerMaxPermits  int
	TimerMinTimeout  time.Duration
	TimerMinInterval time.Duration

	HealthWindowSize    int
	HealthAlertCooldown time.Duration

	// RegistryURL, if set, is the JSON index fetched to resolve
	// "registry://<id>" install sources: {"plugins":[{"id":...,"downloadUrl":...}]}.
	RegistryURL string
}

// InstallOptions tunes a single Install call.
type InstallOptions struct {
	// SkipSignatureVerification bypasses manifest signature verification
	// for this install only. Defaults false; programmatic/test callers
	// may set it explicitly, but no host-exposed flag sets it true, per
	// the decision recorded in DESIGN.md.
	SkipSignatureVerification bool
}

// Manager is the plugin host's orchestrator. All exported methods are safe
// for concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	plugins map[string]*plugin.Instance
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	eventBus      *eventbus.Bus
	permissions   *permission.Checker
	pluginConfigs *pluginconfig.Manager
	alerts        *health.AlertManager

	scheduler *scheduler.Scheduler
	limiter   *ratelimit.Limiter
	results   *cache.Cache
	retrier   *retry.Executor

	fetchClient *fetchguard.Client
	timers      *timeradmit.Registry
	trustStore  *signing.TrustStore

	cron       *cron.Cron
	intervalWG sync.WaitGroup
}

// New builds a manager with all of its reliability-layer and capability
// subsystems, but does not yet discover or start anything; call Start for
// that.
func New(cfg Config, trustStore *signing.TrustStore, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PluginsRoot == "" {
		return nil, fmt.Errorf("pluginmanager: PluginsRoot must be set")
	}

	retrier, err := retry.NewExecutor(cfg.RetryConfig)
	if err != nil {
		return nil, fmt.Errorf("pluginmanager: retry config: %w", err)
	}

	m := &Manager{
		cfg:           cfg,
		logger:        logger,
		plugins:       make(map[string]*plugin.Instance),
		eventBus:      eventbus.New(eventbus.DefaultQueueSize, eventbus.DefaultHandlerTimeout, logger),
		permissions:   permission.NewChecker(),
		alerts:        health.NewAlertManager(cfg.HealthAlertCooldown, health.NoopNotificationHandler{}),
		scheduler:     scheduler.New(cfg.SchedulerConcurrency, cfg.SchedulerQueueSize),
		limiter:       ratelimit.New(cfg.RateLimitGlobal, cfg.RateLimitPlugin, logger),
		retrier:       retrier,
		fetchClient:   fetchguard.NewClient(logger),
		timers:        timeradmit.NewRegistry(),
		trustStore:    trustStore,
		cron:          cron.New(),
	}
	if cfg.CacheRedis != "" {
		m.results = cache.NewWithRedis(cfg.CacheTTL, cfg.CacheTTI, cfg.CacheRedis, logger)
	} else {
		m.results = cache.New(cfg.CacheTTL, cfg.CacheTTI)
	}
	m.pluginConfigs = pluginconfig.New(func(event string, data interface{}) {
		_ = m.eventBus.Emit(event, data, "")
	})
	if cfg.FetchDisabled {
		m.fetchClient = nil
	}
	return m, nil
}

// Start discovers plugins under cfg.PluginsRoot, indexes them, and marks the
// manager running. Discovery failures for individual plugin directories are
// logged and skipped rather than aborting the whole scan.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	m.cron.Start()
	m.discoverAll()
	return nil
}

// Stop quiesces the manager: the scheduler finishes in-flight tasks and
// stops accepting new ones, the event bus dispatcher stops, and every
// auto-refresh ticker and cron entry is halted. Live plugin timers and the
// permits they hold in the timer registry are not touched.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-m.cron.Stop().Done()
	m.intervalWG.Wait()
	m.scheduler.Close()
	m.eventBus.Close()
	return nil
}

// discoverAll scans cfg.PluginsRoot for plugin directories and registers
// each one that passes manifest parsing, signature verification (unless
// the plugin opted out and the host allows it), and file-hash verification.
func (m *Manager) discoverAll() {
	entries, err := os.ReadDir(m.cfg.PluginsRoot)
	if err != nil {
		m.logger.Warn("pluginmanager: discover: read plugins root failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		inst, err := m.loadFromDisk(id, false)
		if err != nil {
			m.logger.Warn("pluginmanager: discover: skipping plugin", zap.String("plugin_id", id), zap.Error(err))
			continue
		}
		m.register(inst)
		m.scheduleAutoRefresh(inst)
		m.logger.Info("pluginmanager: plugin discovered", zap.String("plugin_id", id), zap.String("version", inst.Manifest.Version))
	}
}

// scheduleAutoRefresh wires inst's manifest-declared refresh cadence: a
// RefreshCron expression takes priority over a plain RefreshIntervalMs
// ticker. Neither set means the plugin is refresh-on-demand only. Entries
// are not un-scheduled on Reload/Uninstall in this version — a known
// limitation recorded in DESIGN.md.
func (m *Manager) scheduleAutoRefresh(inst *plugin.Instance) {
	id := inst.ID
	if inst.Manifest.RefreshCron != "" {
		if _, err := m.cron.AddFunc(inst.Manifest.RefreshCron, func() {
			if err := m.Refresh(m.ctx, id, false); err != nil {
				m.logger.Warn("pluginmanager: cron refresh failed", zap.String("plugin_id", id), zap.Error(err))
			}
		}); err != nil {
			m.logger.Warn("pluginmanager: invalid refreshCron expression", zap.String("plugin_id", id), zap.Error(err))
		}
		return
	}
	if inst.Manifest.RefreshIntervalMs <= 0 {
		return
	}
	interval := time.Duration(inst.Manifest.RefreshIntervalMs) * time.Millisecond
	m.intervalWG.Add(1)
	go func() {
		defer m.intervalWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(m.ctx, id, false); err != nil {
					m.logger.Warn("pluginmanager: scheduled refresh failed", zap.String("plugin_id", id), zap.Error(err))
				}
			}
		}
	}()
}

// loadFromDisk parses and verifies the plugin directory named id under
// cfg.PluginsRoot, without touching the manager's live indexes. Callers
// that want to replace a running instance must only swap it in on success.
// allowUnsigned bypasses RequireSignature for this one load, used by
// Install when InstallOptions.SkipSignatureVerification was set.
func (m *Manager) loadFromDisk(id string, allowUnsigned bool) (*plugin.Instance, error) {
	dir := filepath.Join(m.cfg.PluginsRoot, id)
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := plugin.ParseManifest(raw, id)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	requireSignature := m.cfg.RequireSignature && !allowUnsigned
	if manifest.Signature == "" {
		if requireSignature {
			return nil, fmt.Errorf("signature required but manifest carries none")
		}
	} else if m.trustStore != nil {
		if err := m.trustStore.VerifyManifest(manifest, manifest.Signature); err != nil {
			return nil, fmt.Errorf("signature verification: %w", err)
		}
	} else if requireSignature {
		return nil, fmt.Errorf("signature required but no trust store configured")
	}

	if len(manifest.Files) > 0 {
		if err := integrity.VerifyAll(dir, manifest.Files); err != nil {
			return nil, fmt.Errorf("integrity verification: %w", err)
		}
	}

	inst := plugin.NewInstance(id, dir, manifest)
	inst.SetState(plugin.StateLoaded)
	return inst, nil
}

// register indexes an instance's events, permissions, exposed methods, and
// config schema, replacing whatever was previously registered for its id.
// Callers must hold no lock; register takes the write lock itself.
func (m *Manager) register(inst *plugin.Instance) {
	m.mu.Lock()
	prior, hadPrior := m.plugins[inst.ID]
	m.plugins[inst.ID] = inst
	m.mu.Unlock()

	if hadPrior {
		inst.SetConfig(prior.Config())
		inst.SetEnabled(prior.Enabled())
	}

	m.eventBus.UnsubscribeOnly(inst.ID)
	for _, ev := range inst.Manifest.SubscribedEvents {
		_ = m.eventBus.Subscribe(ev, inst.ID)
	}

	var callPerms []string
	for _, p := range inst.Manifest.Permissions {
		parsed, err := plugin.ParseCapability(p)
		if err == nil && parsed.Kind == "call" {
			callPerms = append(callPerms, parsed.String())
		}
	}
	m.permissions.GrantPermissions(inst.ID, callPerms)

	m.permissions.ClearExposed(inst.ID)
	for _, method := range inst.Manifest.ExposedMethods {
		m.permissions.ExposeMethod(inst.ID, method)
	}

	schema := make(pluginconfig.Schema, len(inst.Manifest.ConfigSchema))
	for name, f := range inst.Manifest.ConfigSchema {
		schema[name] = pluginconfig.FieldSchema{
			Name:     name,
			Type:     pluginconfig.FieldType(f.Type),
			Required: f.Required,
			Secret:   f.Secret,
			Default:  f.Default,
			Min:      f.Min,
			Max:      f.Max,
			Options:  f.Options,
		}
	}
	m.pluginConfigs.RegisterSchema(inst.ID, schema)
}

// List returns a snapshot of every registered plugin's manifest, ordered by
// no particular guarantee beyond "consistent for the duration of the call".
func (m *Manager) List() []*plugin.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*plugin.Manifest, 0, len(m.plugins))
	for _, inst := range m.plugins {
		out = append(out, inst.Manifest)
	}
	return out
}

// Get returns the instance for id, or ErrPluginNotFound.
func (m *Manager) Get(id string) (*plugin.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.plugins[id]
	if !ok {
		return nil, ErrPluginNotFound
	}
	return inst, nil
}

// Enable marks a plugin enabled, making it eligible for Refresh/RefreshAll
// and event dispatch.
func (m *Manager) Enable(id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	inst.SetEnabled(true)
	_ = m.eventBus.Emit("system:plugin_enabled", map[string]interface{}{"pluginId": id}, "")
	return nil
}

// Disable marks a plugin disabled without unloading its indexes.
func (m *Manager) Disable(id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	inst.SetEnabled(false)
	_ = m.eventBus.Emit("system:plugin_disabled", map[string]interface{}{"pluginId": id}, "")
	return nil
}

// Uninstall unloads a plugin's indexes, releases its resources, removes its
// directory from disk, and drops it from the table entirely.
func (m *Manager) Uninstall(id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	inst.Unload()
	m.eventBus.UnsubscribeAll(id)
	m.permissions.ClearExposed(id)
	m.results.InvalidatePlugin(id)

	if err := os.RemoveAll(inst.Path); err != nil {
		m.logger.Warn("pluginmanager: uninstall: remove directory failed", zap.String("plugin_id", id), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.plugins, id)
	m.mu.Unlock()

	_ = m.eventBus.Emit("system:plugin_uninstalled", map[string]interface{}{"pluginId": id}, "")
	return nil
}

// Install resolves source (a direct "https://...zip" URL or a
// "registry://<id>" indirection), downloads it, extracts it into
// cfg.PluginsRoot under the id the manifest declares, verifies its
// signature and file hashes, and registers it — restoring any prior
// version's enabled-state and config. Any verification failure rolls the
// install back to whatever was installed before, leaving no partial state.
func (m *Manager) Install(ctx context.Context, source string, opts InstallOptions) (*plugin.Manifest, error) {
	archiveURL, err := m.resolveSource(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("pluginmanager: resolve source: %w", err)
	}

	archivePath, cleanup, err := m.downloadToTemp(ctx, archiveURL)
	if err != nil {
		return nil, fmt.Errorf("pluginmanager: download: %w", err)
	}
	defer cleanup()

	id, err := peekManifestID(archivePath)
	if err != nil {
		return nil, fmt.Errorf("pluginmanager: read manifest from archive: %w", err)
	}

	finalDir := filepath.Join(m.cfg.PluginsRoot, id)
	ext := extractor.New(finalDir)
	hadPrior := false
	if _, err := os.Stat(finalDir); err == nil {
		hadPrior = true
	}
	if err := ext.Extract(archivePath); err != nil {
		return nil, fmt.Errorf("pluginmanager: extract: %w", err)
	}

	inst, err := m.loadFromDisk(id, opts.SkipSignatureVerification)
	if err != nil {
		if hadPrior {
			if rbErr := ext.Rollback(); rbErr != nil {
				m.logger.Error("pluginmanager: install verification failed and rollback also failed",
					zap.String("plugin_id", id), zap.Error(err), zap.NamedError("rollback_error", rbErr))
			}
		} else {
			_ = os.RemoveAll(finalDir)
		}
		return nil, fmt.Errorf("pluginmanager: verify installed plugin: %w", err)
	}

	m.register(inst)
	_ = m.eventBus.Emit("system:plugin_installed", map[string]interface{}{
		"pluginId": id,
		"version":  inst.Manifest.Version,
	}, "")
	return inst.Manifest, nil
}

// resolveSource turns a "registry://<id>" source into its downloadUrl by
// fetching cfg.RegistryURL's JSON index; any other source is treated as a
// direct download URL.
func (m *Manager) resolveSource(ctx context.Context, source string) (string, error) {
	const registryPrefix = "registry://"
	if !strings.HasPrefix(source, registryPrefix) {
		return source, nil
	}
	if m.cfg.RegistryURL == "" {
		return "", fmt.Errorf("registry source given but no registry URL configured")
	}
	id := strings.TrimPrefix(source, registryPrefix)

	res, err := m.fetchClient.Do(ctx, "GET", m.cfg.RegistryURL, nil, nil)
	if err != nil {
		return "", fmt.Errorf("fetch registry index: %w", err)
	}
	if !res.OK {
		return "", fmt.Errorf("registry index returned status %d", res.Status)
	}

	var index struct {
		Plugins []struct {
			ID          string `json:"id"`
			DownloadURL string `json:"downloadUrl"`
		} `json:"plugins"`
	}
	if err := json.Unmarshal(res.Body, &index); err != nil {
		return "", fmt.Errorf("decode registry index: %w", err)
	}
	for _, p := range index.Plugins {
		if p.ID == id {
			return p.DownloadURL, nil
		}
	}
	return "", fmt.Errorf("plugin %q not found in registry index", id)
}

// downloadToTemp fetches archiveURL via the guarded fetch client and writes
// it to a temp file under cfg.PluginsRoot, returning a cleanup func that
// removes it.
func (m *Manager) downloadToTemp(ctx context.Context, archiveURL string) (string, func(), error) {
	if m.fetchClient == nil {
		return "", func() {}, fmt.Errorf("outbound fetch is disabled")
	}
	res, err := m.fetchClient.Do(ctx, "GET", archiveURL, nil, nil)
	if err != nil {
		return "", func() {}, err
	}
	if !res.OK {
		return "", func() {}, fmt.Errorf("download returned status %d", res.Status)
	}
	if m.cfg.MaxBundleBytes > 0 && int64(len(res.Body)) > m.cfg.MaxBundleBytes {
		return "", func() {}, fmt.Errorf("downloaded bundle exceeds max size")
	}

	f, err := os.CreateTemp(m.cfg.PluginsRoot, ".install-*.zip")
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp archive: %w", err)
	}
	if _, err := f.Write(res.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", func() {}, fmt.Errorf("write temp archive: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, func() { os.Remove(path) }, nil
}

// peekManifestID reads manifest.json out of archivePath without extracting
// the whole archive, returning just the plugin id it declares so the
// install pipeline knows the final target directory before verification.
func peekManifestID(archivePath string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "manifest.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open manifest entry: %w", err)
		}
		defer rc.Close()
		raw, err := io.ReadAll(io.LimitReader(rc, 1<<20))
		if err != nil {
			return "", fmt.Errorf("read manifest entry: %w", err)
		}
		var peek struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &peek); err != nil {
			return "", fmt.Errorf("decode manifest id: %w", err)
		}
		if peek.ID == "" {
			return "", fmt.Errorf("manifest declares an empty id")
		}
		return peek.ID, nil
	}
	return "", fmt.Errorf("archive contains no manifest.json")
}

// Reload re-parses and re-verifies a plugin's manifest from disk and, only
// if that fully succeeds, swaps it into the live table — preserving the
// prior instance's config and enabled-state. A validation failure leaves
// the running instance untouched.
func (m *Manager) Reload(id string) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	candidate, err := m.loadFromDisk(id, false)
	if err != nil {
		return fmt.Errorf("pluginmanager: reload %s: %w", id, err)
	}
	m.register(candidate)
	_ = m.eventBus.Emit("system:plugin_updated", map[string]interface{}{"pluginId": id, "version": candidate.Manifest.Version}, "")
	return nil
}

// GetConfig returns id's current config filled in with schema defaults.
func (m *Manager) GetConfig(id string) (map[string]interface{}, error) {
	inst, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return m.pluginConfigs.GetWithDefaults(id, inst.Config())
}

// ValidateConfig checks cfg against id's registered schema without
// applying it.
func (m *Manager) ValidateConfig(id string, cfg map[string]interface{}) error {
	if _, err := m.Get(id); err != nil {
		return err
	}
	return m.pluginConfigs.Validate(id, cfg)
}

// SetConfig validates then applies cfg to id, firing the change
// notification on success.
func (m *Manager) SetConfig(id string, cfg map[string]interface{}) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.pluginConfigs.Validate(id, cfg); err != nil {
		return err
	}
	inst.SetConfig(cfg)
	m.results.InvalidatePlugin(id)
	m.pluginConfigs.NotifyConfigChanged(id, cfg)
	return nil
}

// GetHealth returns id's current health snapshot.
func (m *Manager) GetHealth(id string) (health.Snapshot, error) {
	inst, err := m.Get(id)
	if err != nil {
		return health.Snapshot{}, err
	}
	return inst.ToHealth(), nil
}

// GetData returns id's last successful refresh result, or its last error.
func (m *Manager) GetData(id string) ([]byte, error) {
	inst, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	data, lastErr := inst.LastResult()
	if lastErr != nil {
		return nil, lastErr
	}
	return data, nil
}

// RefreshAll refreshes every enabled plugin, returning a map of plugin id
// to the error encountered (if any); plugins that succeed are omitted.
func (m *Manager) RefreshAll(ctx context.Context) map[string]error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id, inst := range m.plugins {
		if inst.Enabled() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Refresh(ctx, id, false); err != nil {
				mu.Lock()
				errs[id] = err
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errs
}

// Refresh runs id's entry script's refresh export, gated by the rate
// limiter and scheduled on the reliability-layer scheduler, with retry on
// transient errors. A successful run updates the cache and the instance's
// last result; any failure updates the health window and last error.
func (m *Manager) Refresh(ctx context.Context, id string, force bool) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	if !inst.Enabled() {
		return fmt.Errorf("pluginmanager: plugin %s is disabled", id)
	}
	if !m.limiter.Check(id) {
		return fmt.Errorf("pluginmanager: plugin %s rate limited", id)
	}

	key := cache.Key{PluginID: id, Method: "refresh", Params: cache.HashParams(inst.Config())}
	_, err = m.results.GetOrCompute(key, force, func() (interface{}, error) {
		return m.runRefreshTask(ctx, inst)
	})
	return err
}

// runRefreshTask submits the actual VM execution to the scheduler, wrapped
// in the retry executor, and records the outcome on inst's health window.
func (m *Manager) runRefreshTask(ctx context.Context, inst *plugin.Instance) (interface{}, error) {
	start := time.Now()
	outcomeCh, err := m.scheduler.Submit(scheduler.PriorityNormal, m.cfg.JSVMLimits.Timeout, func(taskCtx context.Context) (interface{}, error) {
		var result interface{}
		retryErr := m.retrier.Do(taskCtx, func(attemptCtx context.Context) error {
			r, execErr := m.executeRefresh(attemptCtx, inst)
			if execErr != nil {
				return execErr
			}
			result = r
			return nil
		})
		return result, retryErr
	})
	if err != nil {
		inst.RecordFailure(err, time.Since(start).Seconds()*1000)
		return nil, err
	}

	select {
	case out := <-outcomeCh:
		latencyMs := time.Since(start).Seconds() * 1000
		if out.Err != nil {
			inst.RecordFailure(out.Err, latencyMs)
			m.alerts.Evaluate(inst.ID, inst.ToHealth())
			_ = m.eventBus.Emit("system:plugin_error", map[string]interface{}{"pluginId": inst.ID, "error": out.Err.Error()}, "")
			return nil, out.Err
		}
		inst.RecordSuccess(latencyMs)
		if data, ok := out.Value.([]byte); ok {
			inst.SetLastResult(data)
		}
		m.alerts.Evaluate(inst.ID, inst.ToHealth())
		_ = m.eventBus.Emit("plugin:"+inst.ID+":data_updated", out.Value, inst.ID)
		return out.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executeRefresh builds a fresh, permission-gated VM for inst, runs its
// entry script, and invokes the exported "refresh" function, JSON-encoding
// whatever it returns.
func (m *Manager) executeRefresh(ctx context.Context, inst *plugin.Instance) ([]byte, error) {
	src, err := inst.ReadEntryContent()
	if err != nil {
		return nil, err
	}

	hasPermission := func(kind string) bool {
		for _, p := range inst.Manifest.Permissions {
			if p == kind {
				return true
			}
		}
		return false
	}

	ctxCfg := capability.ContextConfig{
		PluginID: inst.ID,
		Config:   inst.Config(),
		Emitter:  busEmitter{bus: m.eventBus, pluginID: inst.ID},
		Caller:   notSupportedCaller{},
		Logger:   m.logger,
	}
	extra := []jsvm.InjectFunc{jsvm.WithContext(ctxCfg)}
	if hasPermission("network") && m.fetchClient != nil {
		extra = append(extra, jsvm.WithFetch(m.fetchClient))
	}
	if hasPermission("timer") {
		extra = append(extra, jsvm.WithTimer(m.timers, m.logger))
	}

	rt, err := jsvm.NewPermissionedContext(jsvm.Options{
		Limits:   m.cfg.JSVMLimits,
		Logger:   m.logger,
		PluginID: inst.ID,
	}, extra...)
	if err != nil {
		return nil, fmt.Errorf("pluginmanager: vm init: %w", err)
	}

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	val, err := rt.Execute(stop, m.cfg.JSVMLimits.Timeout, func(vm *goja.Runtime) (goja.Value, error) {
		if _, err := vm.RunString(string(src)); err != nil {
			return nil, err
		}
		refreshFn, ok := goja.AssertFunction(vm.Get("refresh"))
		if !ok {
			return nil, fmt.Errorf("entry does not export a refresh function")
		}
		return refreshFn(goja.Undefined())
	})
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val.Export())
	if err != nil {
		return nil, fmt.Errorf("pluginmanager: encode refresh result: %w", err)
	}
	return data, nil
}

// busEmitter adapts eventbus.Bus to capability.Emitter, namespacing every
// emitted action under the source plugin's own "plugin:<id>:" prefix so
// plugins can't spoof another plugin's events or emit raw system/ipc names.
type busEmitter struct {
	bus      *eventbus.Bus
	pluginID string
}

func (e busEmitter) TrySend(action string, data interface{}) error {
	return e.bus.TrySend("plugin:"+e.pluginID+":"+action, e.pluginID, data)
}

// notSupportedCaller is the context.call backing implementation until a
// resident per-plugin VM model exists to actually host cross-plugin calls;
// it always returns the documented not_supported result rather than
// blocking or silently succeeding.
type notSupportedCaller struct{}

func (notSupportedCaller) Call(target, method string, params interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"success": false,
		"status":  "not_supported",
		"target":  target,
		"method":  method,
	}, nil
}
