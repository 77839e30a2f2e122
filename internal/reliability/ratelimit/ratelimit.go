// Copyright 2025 James Ross
// Package ratelimit implements the two-tier token bucket rate limiting
// applied to plugin calls: a global ceiling and a per-plugin ceiling, each
// backed by golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultGlobalRate   = 100
	DefaultGlobalBurst  = 50
	DefaultPluginRate   = 20
	DefaultPluginBurst  = 10
	jitterMinMs         = 5
	jitterMaxMs         = 50
)

// Config configures one tier's rate and burst.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// clamp applies the "zero-valued configuration clamps to 1 with a warning,
// never panics" rule.
func clamp(cfg Config, logger *zap.Logger, tier string) Config {
	out := cfg
	if out.RatePerSecond <= 0 {
		logger.Warn("rate limit configured with non-positive rate, clamping to 1/s", zap.String("tier", tier))
		out.RatePerSecond = 1
	}
	if out.Burst <= 0 {
		logger.Warn("rate limit configured with non-positive burst, clamping to 1", zap.String("tier", tier))
		out.Burst = 1
	}
	return out
}

// Limiter enforces a global tier and independent per-plugin tiers.
type Limiter struct {
	logger       *zap.Logger
	global       *rate.Limiter
	pluginConfig Config

	mu      sync.Mutex
	plugins map[string]*rate.Limiter
}

// New builds a limiter. Zero or negative Config fields are clamped to 1
// with a warning; the Default* constants are the values internal/config
// supplies when nothing is configured.
func New(global, perPlugin Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	global = clamp(global, logger, "global")
	perPlugin = clamp(perPlugin, logger, "plugin")

	return &Limiter{
		logger:       logger,
		global:       rate.NewLimiter(rate.Limit(global.RatePerSecond), global.Burst),
		pluginConfig: perPlugin,
		plugins:      make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) pluginLimiter(pluginID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.plugins[pluginID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.pluginConfig.RatePerSecond), l.pluginConfig.Burst)
		l.plugins[pluginID] = lim
	}
	return lim
}

// Check is the non-blocking admission check: true if both tiers currently
// have a token available.
func (l *Limiter) Check(pluginID string) bool {
	return l.global.Allow() && l.pluginLimiter(pluginID).Allow()
}

// UntilReady blocks until both tiers admit the call or ctx is done.
func (l *Limiter) UntilReady(ctx context.Context, pluginID string) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	return l.pluginLimiter(pluginID).Wait(ctx)
}

// UntilReadyJittered behaves like UntilReady but adds a uniform
// [5,50]ms delay afterward to avoid thundering herds on shared resources
// once admitted.
func (l *Limiter) UntilReadyJittered(ctx context.Context, pluginID string) error {
	if err := l.UntilReady(ctx, pluginID); err != nil {
		return err
	}
	jitter := time.Duration(jitterMinMs+rand.Intn(jitterMaxMs-jitterMinMs+1)) * time.Millisecond
	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
