// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/pluginhost/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PluginsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pluginhost_plugins_loaded",
		Help: "Number of plugins currently indexed by the host",
	})
	PluginsEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pluginhost_plugins_enabled",
		Help: "Number of plugins currently enabled",
	})
	InstallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_installs_total",
		Help: "Total plugin install attempts by outcome",
	}, []string{"outcome"})
	ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_reloads_total",
		Help: "Total plugin reload attempts by outcome",
	}, []string{"outcome"})

	SchedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pluginhost_scheduler_queue_depth",
		Help: "Current number of queued scheduler tasks",
	})
	SchedulerTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_scheduler_tasks_total",
		Help: "Total scheduler tasks by outcome",
	}, []string{"outcome"})
	SchedulerTaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pluginhost_scheduler_task_duration_seconds",
		Help:    "Histogram of scheduler task durations",
		Buckets: prometheus.DefBuckets,
	})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_rate_limit_rejections_total",
		Help: "Total calls rejected by the rate limiter, by tier",
	}, []string{"tier"})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pluginhost_cache_hits_total",
		Help: "Total cache hits",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pluginhost_cache_misses_total",
		Help: "Total cache misses",
	})

	FetchRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_fetch_rejections_total",
		Help: "Total fetch calls rejected, by reason",
	}, []string{"reason"})
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pluginhost_fetch_duration_seconds",
		Help:    "Histogram of outbound fetch durations",
		Buckets: prometheus.DefBuckets,
	})

	PluginHealthStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pluginhost_plugin_health_status",
		Help: "0 Healthy, 1 Degraded, 2 Unhealthy, per plugin",
	}, []string{"plugin_id"})
	AlertsFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_alerts_fired_total",
		Help: "Total alerts fired, by type and severity",
	}, []string{"type", "severity"})

	JSVMInterruptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginhost_jsvm_interrupts_total",
		Help: "Total JS VM executions interrupted, by cause",
	}, []string{"cause"})
)

func init() {
	prometheus.MustRegister(
		PluginsLoaded, PluginsEnabled, InstallsTotal, ReloadsTotal,
		SchedulerQueueDepth, SchedulerTasksTotal, SchedulerTaskDuration,
		RateLimitRejections,
		CacheHits, CacheMisses,
		FetchRejections, FetchDuration,
		PluginHealthStatus, AlertsFiredTotal,
		JSVMInterruptsTotal,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
