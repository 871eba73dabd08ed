package actions

import (
	"context"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/metrics"
	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/plugin"
	"github.com/panelgrid/panelgrid/internal/services"
	"github.com/panelgrid/panelgrid/internal/store"
)

// Plugin implements the actions module: profile storage, the action catalog,
// and the stage executor.
type Plugin struct {
	logger   *zap.Logger
	config   *viper.Viper
	executor *Executor
	catalog  *Catalog
	profiles services.ProfileRepository

	db       *store.SQLiteStore
	registry *panels.Registry
	bus      plugin.EventBus
	metrics  *metrics.Metrics
}

// New creates an actions plugin over shared infrastructure. The executor is
// assembled in Init once configuration is available.
func New(db *store.SQLiteStore, registry *panels.Registry, bus plugin.EventBus, m *metrics.Metrics) *Plugin {
	return &Plugin{
		db:       db,
		registry: registry,
		bus:      bus,
		metrics:  m,
	}
}

func (p *Plugin) Name() string    { return "actions" }
func (p *Plugin) Version() string { return "0.1.0" }

func (p *Plugin) Init(config *viper.Viper, logger *zap.Logger) error {
	p.config = config
	p.logger = logger

	config.SetDefault("retention", DefaultRetention)
	config.SetDefault("catalog_path", "")

	if err := p.db.Migrate(context.Background(), p.Name(), services.ProfileMigrations()); err != nil {
		return err
	}
	p.profiles = services.NewSQLiteProfileRepository(p.db.DB())

	p.catalog = NewCatalog()
	if path := config.GetString("catalog_path"); path != "" {
		if err := p.catalog.LoadFile(path); err != nil {
			return err
		}
	}

	runner := NewPanelStageRunner(p.profiles, p.registry, logger)
	p.executor = NewExecutor(runner, p.bus, p.metrics, config.GetInt("retention"), logger)

	p.logger.Info("actions module initialized",
		zap.Int("retention", config.GetInt("retention")),
	)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.logger.Info("actions module started")
	return nil
}

func (p *Plugin) Stop() error {
	if p.executor != nil {
		p.executor.StopAll()
	}
	p.logger.Info("actions module stopped")
	return nil
}

func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/executions", Handler: p.handleStartExecution},
		{Method: "GET", Path: "/executions", Handler: p.handleListExecutions},
		{Method: "GET", Path: "/executions/{id}", Handler: p.handleGetExecution},
		{Method: "POST", Path: "/executions/{id}/stop", Handler: p.handleStopExecution},
		{Method: "GET", Path: "/executions/{id}/stream", Handler: p.handleExecutionStream},
		{Method: "GET", Path: "/catalog", Handler: p.handleCatalog},
		{Method: "POST", Path: "/profiles", Handler: p.handleCreateProfile},
		{Method: "GET", Path: "/profiles", Handler: p.handleListProfiles},
		{Method: "GET", Path: "/profiles/{id}", Handler: p.handleGetProfile},
		{Method: "PUT", Path: "/profiles/{id}", Handler: p.handleUpdateProfile},
		{Method: "DELETE", Path: "/profiles/{id}", Handler: p.handleDeleteProfile},
	}
}

// Executor exposes the executor for other in-process consumers.
func (p *Plugin) Executor() *Executor {
	return p.executor
}

// streamTimeout bounds a single websocket write.
const streamTimeout = 5 * time.Second
