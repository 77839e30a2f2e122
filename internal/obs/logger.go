// Copyright 2025 James Ross
package obs

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide structured logger. level is matched
// case-insensitively against debug/warn/error; anything else (including an
// empty string) defaults to info.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build()
}

// Named scopes the process-wide logger to one pluginhost subsystem
// (pluginmanager, jsvm, fetchguard, ...), the way cmd/pluginhost builds one
// *zap.Logger at startup and every package gets its own .Named() child
// rather than constructing loggers of its own.
func Named(logger *zap.Logger, component string) *zap.Logger {
	return logger.Named(component)
}

// WithPlugin scopes logger to a single plugin id, the field every
// plugin-lifecycle log line (install/reload/health/refresh) carries.
func WithPlugin(logger *zap.Logger, pluginID string) *zap.Logger {
	return logger.With(zap.String("plugin_id", pluginID))
}

// Convenience typed fields, used so call sites never import zap directly.
func String(k, v string) zap.Field              { return zap.String(k, v) }
func Int(k string, v int) zap.Field             { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field           { return zap.Bool(k, v) }
func Err(err error) zap.Field                   { return zap.Error(err) }
func Duration(k string, v time.Duration) zap.Field { return zap.Duration(k, v) }
