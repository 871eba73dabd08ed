package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/probe"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// ErrInvalidParams is wrapped by all scan parameter validation failures.
var ErrInvalidParams = errors.New("invalid scan parameters")

// Params describes the address range of one scan: prefix.start through
// prefix.end inclusive.
type Params struct {
	Prefix     string `json:"prefix"`
	StartOctet int    `json:"start_octet"`
	EndOctet   int    `json:"end_octet"`
}

// Validate rejects malformed prefixes and out-of-range octets before any
// engine work begins.
func (p Params) Validate() error {
	parts := strings.Split(p.Prefix, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: prefix %q must have three octets", ErrInvalidParams, p.Prefix)
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("%w: prefix %q has octet %q out of range", ErrInvalidParams, p.Prefix, part)
		}
	}
	if p.StartOctet < 0 || p.StartOctet > 254 || p.EndOctet < 0 || p.EndOctet > 254 {
		return fmt.Errorf("%w: host octets must be within [0,254]", ErrInvalidParams)
	}
	if p.StartOctet > p.EndOctet {
		return fmt.Errorf("%w: start octet %d > end octet %d", ErrInvalidParams, p.StartOctet, p.EndOctet)
	}
	return nil
}

// addresses expands the range into concrete addresses.
func (p Params) addresses() []string {
	addrs := make([]string, 0, p.EndOctet-p.StartOctet+1)
	for i := p.StartOctet; i <= p.EndOctet; i++ {
		addrs = append(addrs, fmt.Sprintf("%s.%d", p.Prefix, i))
	}
	return addrs
}

// Config holds the engine tunables. Zero values fall back to defaults.
type Config struct {
	// Workers bounds in-flight probes; keep it well below the range size so
	// the scan does not saturate the local link.
	Workers int

	// ProbeTimeout bounds each address probe and ident exchange.
	ProbeTimeout time.Duration

	// ProbeRate caps probe starts per second across all workers.
	ProbeRate float64

	// PingCount is the number of ICMP echoes per liveness probe.
	PingCount int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.ProbeRate <= 0 {
		c.ProbeRate = 128
	}
	if c.PingCount <= 0 {
		c.PingCount = 1
	}
	return c
}

// Engine runs the ordered scan phases over an address range. It is
// stateless across runs; progress and registry state live with the caller.
type Engine struct {
	cfg      Config
	prober   probe.Prober
	ident    probe.Identifier
	registry *panels.Registry
	logger   *zap.Logger
}

// NewEngine creates an engine over the given probe implementations.
func NewEngine(cfg Config, prober probe.Prober, ident probe.Identifier, registry *panels.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		prober:   prober,
		ident:    ident,
		registry: registry,
		logger:   logger,
	}
}

// scanRun accumulates one run's tally and serializes event emission.
type scanRun struct {
	mu      sync.Mutex
	total   int
	counts  Counts
	onEvent func(Event)
}

// record tallies a settled classification and emits its result event before
// the terminal complete can be emitted.
func (r *scanRun) record(address string, class models.Classification, panel *models.PanelSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts.Scanned++
	switch class {
	case models.ClassificationPanel:
		r.counts.PanelsFound++
	case models.ClassificationNotPanel:
		r.counts.NotPanels++
	case models.ClassificationNoResponse:
		r.counts.NoResponse++
	case models.ClassificationError:
		r.counts.Errors++
	}
	r.onEvent(resultEvent(address, class, panel))
}

// recordFault tallies an internal engine fault so the synthesized terminal
// stats carry an incremented error count.
func (r *scanRun) recordFault() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts.Scanned < r.total {
		r.counts.Scanned++
	}
	r.counts.Errors++
}

func (r *scanRun) snapshot() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

func (r *scanRun) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent(ev)
}

// Run executes the scan phases in order and returns the final stats. It
// emits result events incrementally, a phase-change event at each phase
// boundary, and exactly one terminal complete event, even when a phase
// panics or the context is cancelled mid-scan. Writes to the panel registry
// carry epoch and are dropped if a later reset superseded this run.
func (e *Engine) Run(ctx context.Context, epoch uint64, params Params, hints map[string]string, onEvent func(Event)) (Stats, error) {
	if err := params.Validate(); err != nil {
		return Stats{}, err
	}

	addrs := params.addresses()
	run := &scanRun{total: len(addrs), onEvent: onEvent}
	run.counts.TotalIPs = len(addrs)

	limiter := rate.NewLimiter(rate.Limit(e.cfg.ProbeRate), e.cfg.Workers)
	started := time.Now()
	var phases []PhaseStat

	// Phases run inside a recovery envelope: an internal fault must still
	// end in a terminal complete event rather than a hung stream.
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("discovery engine fault", zap.Any("panic", r))
				run.recordFault()
			}
		}()

		for _, phase := range phaseOrder {
			if ctx.Err() != nil {
				break
			}
			run.emit(phaseChangeEvent(phase, run.snapshot()))

			phaseStart := time.Now()
			switch phase {
			case PhasePing:
				addrs = e.pingPhase(ctx, limiter, addrs, run)
			case PhaseIdentify:
				e.identifyPhase(ctx, epoch, limiter, addrs, hints, run)
			}
			phases = append(phases, PhaseStat{
				Phase:      phase,
				DurationMs: time.Since(phaseStart).Milliseconds(),
			})
		}
	}()

	counts := run.snapshot()
	stats := Stats{
		TotalIPs:        counts.TotalIPs,
		PanelsFound:     counts.PanelsFound,
		NotPanels:       counts.NotPanels,
		NoResponse:      counts.NoResponse,
		Errors:          counts.Errors,
		Phases:          phases,
		TotalDurationMs: time.Since(started).Milliseconds(),
	}
	run.emit(completeEvent(stats))
	return stats, nil
}

// pingPhase probes every address for liveness and returns the responders.
// Cancellation stops new probes; in-flight probes finish or time out.
func (e *Engine) pingPhase(ctx context.Context, limiter *rate.Limiter, addrs []string, run *scanRun) []string {
	var (
		aliveMu sync.Mutex
		alive   []string
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	for _, addr := range addrs {
		if limiter.Wait(ctx) != nil {
			break
		}
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
			defer cancel()

			up, err := e.prober.Probe(probeCtx, addr)
			switch {
			case ctx.Err() != nil:
				// Superseded or stopped: the address stays unscanned.
			case errors.Is(err, context.DeadlineExceeded):
				// The per-address budget ran out; the host stayed silent.
				run.record(addr, models.ClassificationNoResponse, nil)
			case err != nil:
				run.record(addr, models.ClassificationError, nil)
			case !up:
				run.record(addr, models.ClassificationNoResponse, nil)
			default:
				aliveMu.Lock()
				alive = append(alive, addr)
				aliveMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return alive
}

// identifyPhase settles the classification of every responding address.
func (e *Engine) identifyPhase(ctx context.Context, epoch uint64, limiter *rate.Limiter, addrs []string, hints map[string]string, run *scanRun) {
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	for _, addr := range addrs {
		if limiter.Wait(ctx) != nil {
			break
		}
		g.Go(func() error {
			identCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
			defer cancel()

			ident, err := e.ident.Identify(identCtx, addr)
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, context.DeadlineExceeded):
				// A hung port settles like a refused one.
				run.record(addr, models.ClassificationNotPanel, nil)
			case err != nil:
				run.record(addr, models.ClassificationError, nil)
			case !ident.IsPanel:
				run.record(addr, models.ClassificationNotPanel, nil)
			default:
				if ident.Panel.Name == "" {
					if hint, ok := hints[addr]; ok {
						ident.Panel.Name = hint
					}
				}
				if !e.registry.Upsert(epoch, ident.Panel, ident.Conn) {
					// A later reset superseded this run; discard the result.
					return nil
				}
				summary := ident.Panel.Summary()
				run.record(addr, models.ClassificationPanel, &summary)
			}
			return nil
		})
	}
	_ = g.Wait()
}
