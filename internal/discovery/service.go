package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/jobs"
	"github.com/panelgrid/panelgrid/internal/metrics"
	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/plugin"
	"github.com/panelgrid/panelgrid/internal/probe"
)

// hintsFunc collects announcement hints ahead of a scan. Swappable in tests.
type hintsFunc func(ctx context.Context, timeout time.Duration, logger *zap.Logger) map[string]string

// Service owns the process's single discovery scan: it supersedes a running
// scan when a new one starts, resets the panel registry epoch, tracks
// progress, and fans events out to listeners and the event bus.
type Service struct {
	engine   *Engine
	registry *panels.Registry
	tracker  *Tracker
	mux      *jobs.Multiplexer[Event]
	bus      plugin.EventBus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	useHints    bool
	hintTimeout time.Duration
	hints       hintsFunc

	mu        sync.Mutex
	running   *activeScan
	currentID jobs.ID
}

// activeScan is the handle on the in-flight scan goroutine.
type activeScan struct {
	id     jobs.ID
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires the discovery service.
func NewService(engine *Engine, registry *panels.Registry, bus plugin.EventBus, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		engine:      engine,
		registry:    registry,
		tracker:     NewTracker(),
		mux:         jobs.NewMultiplexer[Event](logger),
		bus:         bus,
		metrics:     m,
		logger:      logger,
		hintTimeout: 2 * time.Second,
		hints:       probe.MDNSHints,
	}
}

// EnableHints turns on mDNS announcement hints ahead of each scan.
func (s *Service) EnableHints(timeout time.Duration) {
	s.useHints = true
	if timeout > 0 {
		s.hintTimeout = timeout
	}
}

// Start validates the parameters, supersedes any running scan, resets the
// panel registry for a new epoch, and launches the scan asynchronously.
// The returned id identifies the new scan's event stream.
func (s *Service) Start(params Params) (jobs.ID, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		// Supersede: the old scan still emits its own terminal event, but
		// its registry epoch is about to be invalidated.
		s.logger.Info("superseding active discovery scan", zap.String("scan_id", s.running.id.String()))
		s.running.cancel()
	}

	epoch := s.registry.Reset()
	id := jobs.NewID()
	s.tracker.Begin(id.String(), params.EndOctet-params.StartOctet+1)

	// The scan is server-owned: its lifetime is decoupled from the request.
	ctx, cancel := context.WithCancel(context.Background())
	scan := &activeScan{id: id, cancel: cancel, done: make(chan struct{})}
	s.running = scan
	s.currentID = id

	s.metrics.ScansStarted.Inc()
	s.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicScanStarted,
		Source:    "discovery",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"scan_id": id.String(), "params": params},
	})

	go s.run(ctx, scan, epoch, params)
	return id, nil
}

func (s *Service) run(ctx context.Context, scan *activeScan, epoch uint64, params Params) {
	defer close(scan.done)
	defer scan.cancel()

	var hints map[string]string
	if s.useHints {
		hints = s.hints(ctx, s.hintTimeout, s.logger)
	}

	stats, err := s.engine.Run(ctx, epoch, params, hints, func(ev Event) {
		s.apply(scan.id, ev)
	})
	if err != nil {
		// Params were validated in Start; only defensive re-validation can
		// trip here.
		s.logger.Error("discovery engine rejected scan", zap.Error(err))
	}

	s.logger.Info("discovery scan finished",
		zap.String("scan_id", scan.id.String()),
		zap.Int("total_ips", stats.TotalIPs),
		zap.Int("panels_found", stats.PanelsFound),
		zap.Int64("duration_ms", stats.TotalDurationMs),
	)

	s.bus.PublishAsync(context.Background(), plugin.Event{
		Topic:     TopicScanCompleted,
		Source:    "discovery",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"scan_id": scan.id.String(), "stats": stats},
	})

	s.mu.Lock()
	if s.running == scan {
		s.running = nil
	}
	s.mu.Unlock()
}

// apply folds one engine event into the progress tracker, listener fan-out,
// and metrics. Events from a superseded scan still reach that scan's own
// listeners but no longer touch shared progress state.
func (s *Service) apply(id jobs.ID, ev Event) {
	s.mu.Lock()
	current := s.currentID == id
	s.mu.Unlock()

	if current {
		s.applyShared(ev)
	}

	if dropped := s.mux.Notify(id, ev); dropped > 0 {
		s.metrics.ListenerDrops.Add(float64(dropped))
	}
	if ev.Type == EventComplete {
		s.mux.Forget(id)
	}
}

func (s *Service) applyShared(ev Event) {
	switch ev.Type {
	case EventResult:
		s.tracker.Record(ev.Result.Classification, ev.Result.Panel)
		s.metrics.AddressesScanned.WithLabelValues(string(ev.Result.Classification)).Inc()
		if ev.Result.Panel != nil {
			s.bus.PublishAsync(context.Background(), plugin.Event{
				Topic:     TopicPanelFound,
				Source:    "discovery",
				Timestamp: ev.Timestamp,
				Payload:   *ev.Result.Panel,
			})
		}
	case EventPhaseChange:
		s.tracker.SetPhase(ev.Phase.Phase)
	case EventComplete:
		s.tracker.Finish()
		s.metrics.ScansCompleted.Inc()
	}
}

// Stop cancels the active scan. It returns false when nothing is running.
func (s *Service) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == nil {
		return false
	}
	s.running.cancel()
	return true
}

// Progress returns a snapshot of the current (or last) scan's progress.
func (s *Service) Progress() Progress {
	return s.tracker.Snapshot()
}

// ActiveScanID returns the id of the running scan, if any.
func (s *Service) ActiveScanID() (jobs.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return "", false
	}
	return s.running.id, true
}

// Subscribe attaches a sink to the scan's event stream. The sink receives
// every subsequent event including the terminal complete. The caller owns
// the channel and removes it with Unsubscribe. Ids that are not the running
// scan get no sink; Subscribe reports whether the sink was attached.
func (s *Service) Subscribe(id jobs.ID, sink chan Event) bool {
	s.mu.Lock()
	live := s.running != nil && s.running.id == id
	s.mu.Unlock()
	if !live {
		return false
	}
	s.mux.Add(id, sink)
	return true
}

// Unsubscribe detaches a sink. Unknown ids or sinks are a no-op.
func (s *Service) Unsubscribe(id jobs.ID, sink chan Event) {
	s.mux.Remove(id, sink)
}

// Wait blocks until the given scan's goroutine has exited. Test helper.
func (s *Service) Wait(id jobs.ID) {
	s.mu.Lock()
	scan := s.running
	s.mu.Unlock()
	if scan != nil && scan.id == id {
		<-scan.done
	}
}
