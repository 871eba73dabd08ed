package models

// Profile is a stored configuration that actions execute against. Profiles
// map names to the panel addresses and settings the stage runner needs.
type Profile struct {
	ID           int               `json:"id"`
	Name         string            `json:"name"`
	PanelAddress string            `json:"panel_address"`
	Settings     map[string]string `json:"settings,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at,omitempty"`
}
