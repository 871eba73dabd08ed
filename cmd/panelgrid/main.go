package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/actions"
	"github.com/panelgrid/panelgrid/internal/discovery"
	"github.com/panelgrid/panelgrid/internal/dispatch"
	"github.com/panelgrid/panelgrid/internal/event"
	"github.com/panelgrid/panelgrid/internal/metrics"
	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/plugin"
	"github.com/panelgrid/panelgrid/internal/server"
	"github.com/panelgrid/panelgrid/internal/session"
	"github.com/panelgrid/panelgrid/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("PanelGrid hub starting")

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := store.New(config.GetString("store.path"))
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	// Shared infrastructure handed to the plugins.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	bus := event.NewBus(logger.Named("bus"))
	panelRegistry := panels.New(logger.Named("panels"))
	bootSession := session.New()

	registry := plugin.NewRegistry(logger)

	// Register all plugins (compile-time composition).
	plugins := []plugin.Plugin{
		discovery.New(panelRegistry, bus, m),
		actions.New(db, panelRegistry, bus, m),
		dispatch.New(bus),
	}
	for _, p := range plugins {
		if err := registry.Register(p); err != nil {
			logger.Fatal("failed to register plugin", zap.Error(err))
		}
	}

	if err := registry.InitAll(config); err != nil {
		logger.Fatal("failed to initialize plugins", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registry.StartAll(ctx); err != nil {
		logger.Fatal("failed to start plugins", zap.Error(err))
	}

	addr := config.GetString("server.host") + ":" + config.GetString("server.port")
	srv := server.New(addr, registry, bootSession, promReg, logger.Named("http"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("PanelGrid hub ready",
		zap.String("addr", addr),
		zap.String("session", bootSession.String()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	registry.StopAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("PanelGrid hub stopped")
}
