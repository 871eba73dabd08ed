package models

import "time"

// Classification is the final outcome of probing a single address during
// a discovery scan.
type Classification string

const (
	ClassificationPanel      Classification = "panel"
	ClassificationNotPanel   Classification = "not-panel"
	ClassificationNoResponse Classification = "no-response"
	ClassificationError      Classification = "error"
)

// PanelSummary is the compact panel description streamed in discovery
// results and accumulated in scan progress.
type PanelSummary struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// Panel represents a control panel discovered on the local network.
type Panel struct {
	Address      string    `json:"address"`
	Name         string    `json:"name,omitempty"`
	Model        string    `json:"model,omitempty"`
	Firmware     string    `json:"firmware,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Summary returns the compact form of the panel for streaming payloads.
func (p *Panel) Summary() PanelSummary {
	return PanelSummary{
		Address:  p.Address,
		Name:     p.Name,
		Model:    p.Model,
		Firmware: p.Firmware,
	}
}
