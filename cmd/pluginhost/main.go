// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/pluginhost/internal/config"
	"github.com/flyingrobots/pluginhost/internal/host"
	"github.com/flyingrobots/pluginhost/internal/obs"
	"github.com/flyingrobots/pluginhost/internal/pluginmanager"
)

var version = "dev"

func main() {
	var configPath string
	var adminCmd string
	var adminPlugin string
	var adminSource string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: list|install|uninstall|enable|disable|reload|health (omit to run the host)")
	fs.StringVar(&adminPlugin, "plugin", "", "Plugin id for enable|disable|reload|uninstall|health")
	fs.StringVar(&adminSource, "source", "", "Install source: file path, https:// URL, or registry://<id>")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	h, err := host.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build host", obs.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if adminCmd != "" {
		if err := h.Manager.Start(ctx); err != nil {
			logger.Fatal("host start error", obs.Err(err))
		}
		defer h.Manager.Stop()
		runAdmin(ctx, h, logger, adminCmd, adminPlugin, adminSource)
		return
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if err := h.Start(ctx); err != nil {
		logger.Fatal("host start error", obs.Err(err))
	}
	logger.Info("pluginhost running", obs.Int("metrics_port", cfg.Observability.MetricsPort))

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := h.Stop(shutdownCtx); err != nil {
		logger.Error("host stop error", obs.Err(err))
	}
}

func runAdmin(ctx context.Context, h *host.Host, logger *zap.Logger, cmd, pluginID, source string) {
	switch cmd {
	case "list":
		manifests := h.Manager.List()
		b, _ := json.MarshalIndent(manifests, "", "  ")
		fmt.Println(string(b))
	case "install":
		if source == "" {
			logger.Fatal("admin install requires --source")
		}
		manifest, err := h.Manager.Install(ctx, source, pluginmanager.InstallOptions{})
		if err != nil {
			logger.Fatal("admin install error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(manifest, "", "  ")
		fmt.Println(string(b))
	case "uninstall":
		requirePlugin(logger, pluginID)
		if err := h.Manager.Uninstall(pluginID); err != nil {
			logger.Fatal("admin uninstall error", obs.Err(err))
		}
		fmt.Printf("uninstalled %s\n", pluginID)
	case "enable":
		requirePlugin(logger, pluginID)
		if err := h.Manager.Enable(pluginID); err != nil {
			logger.Fatal("admin enable error", obs.Err(err))
		}
		fmt.Printf("enabled %s\n", pluginID)
	case "disable":
		requirePlugin(logger, pluginID)
		if err := h.Manager.Disable(pluginID); err != nil {
			logger.Fatal("admin disable error", obs.Err(err))
		}
		fmt.Printf("disabled %s\n", pluginID)
	case "reload":
		requirePlugin(logger, pluginID)
		if err := h.Manager.Reload(pluginID); err != nil {
			logger.Fatal("admin reload error", obs.Err(err))
		}
		fmt.Printf("reloaded %s\n", pluginID)
	case "health":
		requirePlugin(logger, pluginID)
		snap, err := h.Manager.GetHealth(pluginID)
		if err != nil {
			logger.Fatal("admin health error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(b))
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func requirePlugin(logger *zap.Logger, id string) {
	if id == "" {
		logger.Fatal("this admin command requires --plugin")
	}
}
