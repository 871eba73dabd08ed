// Package discovery implements the multi-phase panel discovery scan: an
// ordered ping and identify pass over a host range, with incremental result
// events, a singleton progress snapshot, and epoch-guarded registry writes.
package discovery

import (
	"context"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/metrics"
	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/plugin"
	"github.com/panelgrid/panelgrid/internal/probe"
)

// Plugin implements the discovery module.
type Plugin struct {
	logger  *zap.Logger
	config  *viper.Viper
	service *Service

	registry *panels.Registry
	bus      plugin.EventBus
	metrics  *metrics.Metrics
}

// New creates a discovery plugin over shared infrastructure. The engine and
// service are assembled in Init once configuration is available.
func New(registry *panels.Registry, bus plugin.EventBus, m *metrics.Metrics) *Plugin {
	return &Plugin{
		registry: registry,
		bus:      bus,
		metrics:  m,
	}
}

func (p *Plugin) Name() string    { return "discovery" }
func (p *Plugin) Version() string { return "0.1.0" }

func (p *Plugin) Init(config *viper.Viper, logger *zap.Logger) error {
	p.config = config
	p.logger = logger

	config.SetDefault("workers", 32)
	config.SetDefault("probe_timeout", "2s")
	config.SetDefault("probe_rate", 128)
	config.SetDefault("ping_count", 1)
	config.SetDefault("panel_port", probe.DefaultPanelPort)
	config.SetDefault("snmp.enabled", true)
	config.SetDefault("snmp.community", "public")
	config.SetDefault("mdns.enabled", true)
	config.SetDefault("mdns.timeout", "2s")

	probeTimeout := config.GetDuration("probe_timeout")

	var enricher probe.Enricher
	if config.GetBool("snmp.enabled") {
		enricher = probe.NewSNMPEnricher(config.GetString("snmp.community"), probeTimeout, logger)
	}

	prober := probe.NewICMPProber(probeTimeout, config.GetInt("ping_count"))
	identifier := probe.NewPanelIdentifier(config.GetInt("panel_port"), probeTimeout, enricher, logger)

	engine := NewEngine(Config{
		Workers:      config.GetInt("workers"),
		ProbeTimeout: probeTimeout,
		ProbeRate:    config.GetFloat64("probe_rate"),
		PingCount:    config.GetInt("ping_count"),
	}, prober, identifier, p.registry, logger)

	p.service = NewService(engine, p.registry, p.bus, p.metrics, logger)
	if config.GetBool("mdns.enabled") {
		p.service.EnableHints(config.GetDuration("mdns.timeout"))
	}

	p.logger.Info("discovery module initialized",
		zap.Int("workers", config.GetInt("workers")),
		zap.Duration("probe_timeout", probeTimeout),
	)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.logger.Info("discovery module started")
	return nil
}

func (p *Plugin) Stop() error {
	// A running scan is abandoned on shutdown; it checks its context at
	// probe boundaries.
	if p.service != nil {
		p.service.Stop()
	}
	p.logger.Info("discovery module stopped")
	return nil
}

func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/scan", Handler: p.handleStartScan},
		{Method: "POST", Path: "/scan/stop", Handler: p.handleStopScan},
		{Method: "GET", Path: "/progress", Handler: p.handleProgress},
		{Method: "GET", Path: "/panels", Handler: p.handleListPanels},
		{Method: "GET", Path: "/stream", Handler: p.handleStream},
	}
}

// Service exposes the scan service for other in-process consumers.
func (p *Plugin) Service() *Service {
	return p.service
}

// streamTimeout bounds a single websocket write.
const streamTimeout = 5 * time.Second
