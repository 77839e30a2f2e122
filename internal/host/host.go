// Copyright 2025 James Ross
// Package host is the composition root: it builds a pluginmanager.Manager
// and its observability endpoint from one config.Config, the way
// cmd/job-queue-system/main.go used to build producer/worker/reaper/admin
// from the same config shape.
package host

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/config"
	"github.com/flyingrobots/pluginhost/internal/jsvm"
	"github.com/flyingrobots/pluginhost/internal/obs"
	"github.com/flyingrobots/pluginhost/internal/pluginmanager"
	"github.com/flyingrobots/pluginhost/internal/reliability/ratelimit"
	"github.com/flyingrobots/pluginhost/internal/reliability/retry"
	"github.com/flyingrobots/pluginhost/internal/signing"
)

// Host owns the manager and its metrics/health endpoint for the lifetime of
// the process.
type Host struct {
	cfg     *config.Config
	logger  *zap.Logger
	Manager *pluginmanager.Manager
	httpSrv *http.Server
}

// trustedKey is one entry of the trusted-keys file named by
// config.Plugins.TrustedKeysPath: a key id and its base64-encoded Ed25519
// public key. The first entry becomes the trust store's production root;
// the rest are registered alongside it.
type trustedKey struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// loadTrustStore reads cfg.Plugins.TrustedKeysPath, if set, and returns a
// signing.TrustStore seeded from it. There is no fallback production key
// baked into the binary: an empty path with signature verification
// required means every signed manifest will fail to verify, which is the
// safe default until an operator supplies real keys.
func loadTrustStore(cfg *config.Config) (*signing.TrustStore, error) {
	if cfg.Plugins.TrustedKeysPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(cfg.Plugins.TrustedKeysPath)
	if err != nil {
		return nil, fmt.Errorf("read trusted keys: %w", err)
	}
	var entries []trustedKey
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse trusted keys: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("trusted keys file %s has no entries", cfg.Plugins.TrustedKeysPath)
	}

	decode := func(e trustedKey) (ed25519.PublicKey, error) {
		raw, err := base64.StdEncoding.DecodeString(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", e.KeyID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %s: wrong key length %d", e.KeyID, len(raw))
		}
		return ed25519.PublicKey(raw), nil
	}

	first, err := decode(entries[0])
	if err != nil {
		return nil, err
	}
	store := signing.NewTrustStore(entries[0].KeyID, first)
	for _, e := range entries[1:] {
		key, err := decode(e)
		if err != nil {
			return nil, err
		}
		store.RegisterKey(e.KeyID, key)
	}
	return store, nil
}

// New constructs a Host from cfg. It does not start the manager or the
// HTTP endpoint; call Start for that.
func New(cfg *config.Config, logger *zap.Logger) (*Host, error) {
	trustStore, err := loadTrustStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}

	mgrCfg := pluginmanager.Config{
		PluginsRoot:      cfg.Plugins.Root,
		RequireSignature: cfg.Plugins.RequireSignature,
		MaxBundleBytes:   cfg.Plugins.MaxBundleBytes,

		JSVMLimits: jsvm.Limits{
			MemoryBytes: int64(cfg.JSVM.MemoryLimitBytes),
			StackBytes:  int64(cfg.JSVM.MaxCallStackSize) * 1024,
			Timeout:     cfg.JSVM.ExecutionTimeout,
		},

		SchedulerConcurrency: cfg.Scheduler.Concurrency,
		SchedulerQueueSize:   cfg.Scheduler.QueueSize,

		RateLimitGlobal: ratelimit.Config{RatePerSecond: cfg.RateLimit.Global.RatePerSecond, Burst: cfg.RateLimit.Global.Burst},
		RateLimitPlugin: ratelimit.Config{RatePerSecond: cfg.RateLimit.Plugin.RatePerSecond, Burst: cfg.RateLimit.Plugin.Burst},

		CacheTTL:   cfg.Cache.TTL,
		CacheTTI:   cfg.Cache.TTI,
		CacheRedis: cfg.Cache.RedisAddr,

		RetryConfig: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			JitterFactor: cfg.Retry.JitterFactor,
		},

		FetchDisabled: cfg.Fetch.Disabled,

		TimerMaxPermits:  cfg.Timers.MaxPermits,
		TimerMinTimeout:  cfg.Timers.MinTimeout,
		TimerMinInterval: cfg.Timers.MinInterval,

		HealthWindowSize:    cfg.Health.WindowSize,
		HealthAlertCooldown: cfg.Health.AlertCooldown,
	}

	mgr, err := pluginmanager.New(mgrCfg, trustStore, logger)
	if err != nil {
		return nil, fmt.Errorf("host: build manager: %w", err)
	}

	return &Host{cfg: cfg, logger: logger, Manager: mgr}, nil
}

// Start runs the manager's plugin discovery and starts the metrics/health
// HTTP endpoint.
func (h *Host) Start(ctx context.Context) error {
	if err := h.Manager.Start(ctx); err != nil {
		return err
	}
	h.httpSrv = obs.StartHTTPServer(h.cfg, func(context.Context) error { return nil }, h.logger)
	return nil
}

// Stop shuts down the HTTP endpoint and the manager, in that order.
func (h *Host) Stop(ctx context.Context) error {
	if h.httpSrv != nil {
		_ = h.httpSrv.Shutdown(ctx)
	}
	return h.Manager.Stop()
}
