// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/config"
)

// StartHTTPServer exposes /metrics, /healthz and /readyz on the port named
// by cfg.Observability.MetricsPort. readiness is polled on every /readyz
// request and should return nil once the host has finished its initial
// plugin discovery; a nil readiness always reports ready. logger, if
// non-nil, records readiness failures and a fatal listen error — pluginhost
// runs this endpoint for the lifetime of the process, so a silently dead
// listener is the kind of failure the rest of the ambient stack always logs.
func StartHTTPServer(cfg *config.Config, readiness func(context.Context) error, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		if err := readiness(r.Context()); err != nil {
			logger.Debug("readiness check failed", zap.Error(err))
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	addr := fmt.Sprintf(":%d", cfg.Observability.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics/health server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}
