package discovery

import (
	"sync"
	"time"

	"github.com/panelgrid/panelgrid/pkg/models"
)

// Progress is a point-in-time snapshot of the active discovery scan.
// An idle tracker reports IsRunning=false and Phase=idle.
type Progress struct {
	ScanID         string                `json:"scan_id,omitempty"`
	IsRunning      bool                  `json:"is_running"`
	Phase          Phase                 `json:"phase"`
	TotalIPs       int                   `json:"total_ips"`
	ScannedCount   int                   `json:"scanned_count"`
	PanelsFound    int                   `json:"panels_found"`
	NotPanels      int                   `json:"not_panels"`
	NoResponse     int                   `json:"no_response"`
	Errors         int                   `json:"errors"`
	PartialResults []models.PanelSummary `json:"partial_results"`
	StartTime      *time.Time            `json:"start_time,omitempty"`
}

// Tracker holds the progress of the single active discovery scan. Only the
// scan's own task mutates it; snapshots are safe to take concurrently.
type Tracker struct {
	mu  sync.RWMutex
	cur Progress
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{cur: Progress{Phase: PhaseIdle}}
}

// Begin discards any previous state and starts tracking a new scan.
func (t *Tracker) Begin(scanID string, totalIPs int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.cur = Progress{
		ScanID:    scanID,
		IsRunning: true,
		Phase:     phaseOrder[0],
		TotalIPs:  totalIPs,
		StartTime: &now,
	}
}

// SetPhase records a phase transition.
func (t *Tracker) SetPhase(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur.Phase = phase
}

// Record tallies one settled classification. The scanned count and the
// outcome counters move together so their invariant holds at all times.
func (t *Tracker) Record(class models.Classification, panel *models.PanelSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur.ScannedCount++
	switch class {
	case models.ClassificationPanel:
		t.cur.PanelsFound++
		if panel != nil {
			t.cur.PartialResults = append(t.cur.PartialResults, *panel)
		}
	case models.ClassificationNotPanel:
		t.cur.NotPanels++
	case models.ClassificationNoResponse:
		t.cur.NoResponse++
	case models.ClassificationError:
		t.cur.Errors++
	}
}

// Finish marks the scan as no longer running, keeping the final counters
// for polling until the next Begin.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur.IsRunning = false
	t.cur.Phase = PhaseIdle
}

// Counts returns the current tally.
func (t *Tracker) Counts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Counts{
		TotalIPs:    t.cur.TotalIPs,
		Scanned:     t.cur.ScannedCount,
		PanelsFound: t.cur.PanelsFound,
		NotPanels:   t.cur.NotPanels,
		NoResponse:  t.cur.NoResponse,
		Errors:      t.cur.Errors,
	}
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := t.cur
	snap.PartialResults = make([]models.PanelSummary, len(t.cur.PartialResults))
	copy(snap.PartialResults, t.cur.PartialResults)
	if t.cur.StartTime != nil {
		start := *t.cur.StartTime
		snap.StartTime = &start
	}
	return snap
}
