package discovery

import (
	"time"

	"github.com/panelgrid/panelgrid/pkg/models"
)

// Event topics published on the event bus by the discovery module.
const (
	TopicScanStarted   = "discovery.scan.started"
	TopicScanCompleted = "discovery.scan.completed"
	TopicPanelFound    = "discovery.panel.found"
)

// Phase is one ordered sub-step of the discovery algorithm.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePing     Phase = "ping"
	PhaseIdentify Phase = "identify"
)

// phaseOrder is the fixed phase sequence of a scan.
var phaseOrder = []Phase{PhasePing, PhaseIdentify}

// EventType discriminates discovery events.
type EventType string

const (
	EventResult      EventType = "result"
	EventPhaseChange EventType = "phase-change"
	EventComplete    EventType = "complete"
)

// Event is the tagged variant streamed during a scan. Exactly one of the
// payload fields matching Type is set.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Result    *ResultEvent      `json:"result,omitempty"`
	Phase     *PhaseChangeEvent `json:"phase,omitempty"`
	Stats     *Stats            `json:"stats,omitempty"`
}

// ResultEvent reports one address's settled classification.
type ResultEvent struct {
	Address        string                `json:"address"`
	Classification models.Classification `json:"classification"`
	Panel          *models.PanelSummary  `json:"panel,omitempty"`
}

// PhaseChangeEvent marks a phase boundary with the counts accumulated so far.
type PhaseChangeEvent struct {
	Phase  Phase  `json:"phase"`
	Counts Counts `json:"counts"`
}

// Counts is the outcome tally at a point in time. The four outcome fields
// always sum to Scanned.
type Counts struct {
	TotalIPs    int `json:"total_ips"`
	Scanned     int `json:"scanned"`
	PanelsFound int `json:"panels_found"`
	NotPanels   int `json:"not_panels"`
	NoResponse  int `json:"no_response"`
	Errors      int `json:"errors"`
}

// PhaseStat is the duration of one completed phase.
type PhaseStat struct {
	Phase      Phase `json:"phase"`
	DurationMs int64 `json:"duration_ms"`
}

// Stats is the final aggregation carried by the terminal complete event.
type Stats struct {
	TotalIPs        int         `json:"total_ips"`
	PanelsFound     int         `json:"panels_found"`
	NotPanels       int         `json:"not_panels"`
	NoResponse      int         `json:"no_response"`
	Errors          int         `json:"errors"`
	Phases          []PhaseStat `json:"phases"`
	TotalDurationMs int64       `json:"total_duration_ms"`
}

func resultEvent(address string, class models.Classification, panel *models.PanelSummary) Event {
	return Event{
		Type:      EventResult,
		Timestamp: time.Now().UTC(),
		Result:    &ResultEvent{Address: address, Classification: class, Panel: panel},
	}
}

func phaseChangeEvent(phase Phase, counts Counts) Event {
	return Event{
		Type:      EventPhaseChange,
		Timestamp: time.Now().UTC(),
		Phase:     &PhaseChangeEvent{Phase: phase, Counts: counts},
	}
}

func completeEvent(stats Stats) Event {
	return Event{
		Type:      EventComplete,
		Timestamp: time.Now().UTC(),
		Stats:     &stats,
	}
}
