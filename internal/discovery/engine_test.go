package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/probe"
	"github.com/panelgrid/panelgrid/internal/testutil"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// fakeProber classifies liveness from fixed maps.
type fakeProber struct {
	mu    sync.Mutex
	alive map[string]bool
	errs  map[string]error
	delay time.Duration
	seen  []string
}

func (f *fakeProber) Probe(ctx context.Context, addr string) (bool, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	f.seen = append(f.seen, addr)
	f.mu.Unlock()
	if err, ok := f.errs[addr]; ok {
		return false, err
	}
	return f.alive[addr], nil
}

// fakeIdent identifies panels from a fixed map.
type fakeIdent struct {
	panels map[string]models.Panel
	errs   map[string]error
}

func (f *fakeIdent) Identify(_ context.Context, addr string) (probe.Identification, error) {
	if err, ok := f.errs[addr]; ok {
		return probe.Identification{}, err
	}
	if p, ok := f.panels[addr]; ok {
		return probe.Identification{IsPanel: true, Panel: p}, nil
	}
	return probe.Identification{IsPanel: false}, nil
}

// collectEvents gathers emitted events thread-safely.
type collectEvents struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectEvents) add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectEvents) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collectEvents) byType(t EventType) []Event {
	var out []Event
	for _, ev := range c.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(prober probe.Prober, ident probe.Identifier) (*Engine, *panels.Registry) {
	logger := testutil.Logger()
	reg := panels.New(logger)
	engine := NewEngine(Config{Workers: 4, ProbeTimeout: time.Second, ProbeRate: 10000}, prober, ident, reg, logger)
	return engine, reg
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"valid", Params{"192.168.1", 1, 10}, false},
		{"single address", Params{"10.0.0", 5, 5}, false},
		{"full range", Params{"172.16.0", 0, 254}, false},
		{"two-octet prefix", Params{"192.168", 1, 10}, true},
		{"four-octet prefix", Params{"192.168.1.0", 1, 10}, true},
		{"non-numeric prefix", Params{"192.x.1", 1, 10}, true},
		{"prefix octet too large", Params{"192.168.256", 1, 10}, true},
		{"start above end", Params{"192.168.1", 10, 1}, true},
		{"octet 255", Params{"192.168.1", 1, 255}, true},
		{"negative start", Params{"192.168.1", -1, 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidParams)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRunClassifiesRange(t *testing.T) {
	// .1 is a panel, .2 never answers, .3 errors during ping.
	prober := &fakeProber{
		alive: map[string]bool{"192.168.1.1": true},
		errs:  map[string]error{"192.168.1.3": errors.New("socket fault")},
	}
	ident := &fakeIdent{
		panels: map[string]models.Panel{
			"192.168.1.1": {Address: "192.168.1.1", Model: "PG-4", Name: "hall"},
		},
	}
	engine, reg := newTestEngine(prober, ident)

	var got collectEvents
	stats, err := engine.Run(context.Background(), reg.Epoch(), Params{"192.168.1", 1, 3}, nil, got.add)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalIPs)
	assert.Equal(t, 1, stats.PanelsFound)
	assert.Equal(t, 1, stats.NoResponse)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 0, stats.NotPanels)

	// The identified panel is registered.
	entry, ok := reg.Get("192.168.1.1")
	require.True(t, ok)
	assert.Equal(t, "PG-4", entry.Panel.Model)

	// Exactly one terminal complete, emitted last.
	completes := got.byType(EventComplete)
	require.Len(t, completes, 1)
	all := got.all()
	assert.Equal(t, EventComplete, all[len(all)-1].Type)

	// One phase-change per phase, in order.
	phases := got.byType(EventPhaseChange)
	require.Len(t, phases, 2)
	assert.Equal(t, PhasePing, phases[0].Phase.Phase)
	assert.Equal(t, PhaseIdentify, phases[1].Phase.Phase)
}

func TestRunCountersSumToTotal(t *testing.T) {
	alive := map[string]bool{}
	panelsByAddr := map[string]models.Panel{}
	for i, addr := range []string{"10.0.0.1", "10.0.0.3", "10.0.0.5"} {
		alive[addr] = true
		if i%2 == 0 {
			panelsByAddr[addr] = models.Panel{Address: addr, Model: "PG-2"}
		}
	}
	engine, reg := newTestEngine(&fakeProber{alive: alive}, &fakeIdent{panels: panelsByAddr})

	var got collectEvents
	stats, err := engine.Run(context.Background(), reg.Epoch(), Params{"10.0.0", 0, 9}, nil, got.add)
	require.NoError(t, err)

	assert.Equal(t, 10, stats.TotalIPs)
	assert.Equal(t, stats.TotalIPs, stats.PanelsFound+stats.NotPanels+stats.NoResponse+stats.Errors)
	assert.Equal(t, 2, stats.PanelsFound)
	assert.Equal(t, 1, stats.NotPanels)

	// One result event per address.
	assert.Len(t, got.byType(EventResult), 10)
}

func TestRunEmitsResultBeforeComplete(t *testing.T) {
	engine, reg := newTestEngine(&fakeProber{}, &fakeIdent{})

	var got collectEvents
	_, err := engine.Run(context.Background(), reg.Epoch(), Params{"192.168.1", 1, 1}, nil, got.add)
	require.NoError(t, err)

	var sawResult bool
	for _, ev := range got.all() {
		switch ev.Type {
		case EventResult:
			sawResult = true
		case EventComplete:
			assert.True(t, sawResult, "result must precede the terminal complete")
		}
	}
}

func TestRunCancellationStillCompletes(t *testing.T) {
	prober := &fakeProber{delay: 50 * time.Millisecond, alive: map[string]bool{}}
	engine, reg := newTestEngine(prober, &fakeIdent{})

	ctx, cancel := context.WithCancel(context.Background())
	var got collectEvents
	done := make(chan Stats, 1)
	go func() {
		stats, _ := engine.Run(ctx, reg.Epoch(), Params{"192.168.1", 0, 200}, nil, got.add)
		done <- stats
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case stats := <-done:
		require.Len(t, got.byType(EventComplete), 1, "cancelled scan must still emit complete")
		assert.Equal(t, 201, stats.TotalIPs)
		scanned := stats.PanelsFound + stats.NotPanels + stats.NoResponse + stats.Errors
		assert.LessOrEqual(t, scanned, stats.TotalIPs)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled scan did not terminate")
	}
}

func TestRunHintsFillPanelName(t *testing.T) {
	prober := &fakeProber{alive: map[string]bool{"192.168.1.1": true}}
	ident := &fakeIdent{panels: map[string]models.Panel{
		"192.168.1.1": {Address: "192.168.1.1", Model: "PG-4"},
	}}
	engine, reg := newTestEngine(prober, ident)

	hints := map[string]string{"192.168.1.1": "porch"}
	var got collectEvents
	_, err := engine.Run(context.Background(), reg.Epoch(), Params{"192.168.1", 1, 1}, hints, got.add)
	require.NoError(t, err)

	entry, ok := reg.Get("192.168.1.1")
	require.True(t, ok)
	assert.Equal(t, "porch", entry.Panel.Name)
}

func TestRunStaleEpochResultsDiscarded(t *testing.T) {
	prober := &fakeProber{alive: map[string]bool{"192.168.1.1": true}}
	ident := &fakeIdent{panels: map[string]models.Panel{
		"192.168.1.1": {Address: "192.168.1.1", Model: "PG-4"},
	}}
	engine, reg := newTestEngine(prober, ident)

	stale := reg.Epoch()
	reg.Reset()

	var got collectEvents
	stats, err := engine.Run(context.Background(), stale, Params{"192.168.1", 1, 1}, nil, got.add)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.PanelsFound, "superseded epoch results must be discarded")
	assert.Empty(t, reg.All())
	require.Len(t, got.byType(EventComplete), 1)
}

func TestRunRejectsInvalidParamsWithoutEvents(t *testing.T) {
	engine, reg := newTestEngine(&fakeProber{}, &fakeIdent{})

	var got collectEvents
	_, err := engine.Run(context.Background(), reg.Epoch(), Params{"bogus", 1, 10}, nil, got.add)
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.Empty(t, got.all(), "no events before validation passes")
}

func TestRunPanicSynthesizesComplete(t *testing.T) {
	engine, reg := newTestEngine(panicProber{}, &fakeIdent{})

	var got collectEvents
	stats, err := engine.Run(context.Background(), reg.Epoch(), Params{"192.168.1", 1, 1}, nil, got.add)
	require.NoError(t, err)

	require.Len(t, got.byType(EventComplete), 1, "engine fault must still emit complete")
	assert.GreaterOrEqual(t, stats.Errors, 1)
}

type panicProber struct{}

func (panicProber) Probe(_ context.Context, _ string) (bool, error) {
	panic("prober blew up")
}

func TestRunSlowProbeSettlesNoResponse(t *testing.T) {
	// The prober blocks past the per-address budget and surfaces the
	// expired probe context, the way a probe of a silent host does.
	prober := &fakeProber{delay: 500 * time.Millisecond}
	logger := testutil.Logger()
	reg := panels.New(logger)
	engine := NewEngine(Config{Workers: 2, ProbeTimeout: 30 * time.Millisecond, ProbeRate: 10000}, prober, &fakeIdent{}, reg, logger)

	var got collectEvents
	stats, err := engine.Run(context.Background(), reg.Epoch(), Params{"10.0.0", 1, 2}, nil, got.add)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.NoResponse, "timed-out probes are silence, not failures")
	assert.Equal(t, 0, stats.Errors)
}

func TestRunHungIdentSettlesNotPanel(t *testing.T) {
	prober := &fakeProber{alive: map[string]bool{"10.0.0.1": true}}
	ident := &fakeIdent{errs: map[string]error{"10.0.0.1": context.DeadlineExceeded}}
	engine, reg := newTestEngine(prober, ident)

	var got collectEvents
	stats, err := engine.Run(context.Background(), reg.Epoch(), Params{"10.0.0", 1, 1}, nil, got.add)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.NotPanels, "a hung port settles like a refused one")
	assert.Equal(t, 0, stats.Errors)
}
