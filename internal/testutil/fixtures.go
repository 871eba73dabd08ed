package testutil

import (
	"time"

	"github.com/panelgrid/panelgrid/pkg/models"
)

// NewPanel returns a Panel with sensible defaults, suitable for test fixtures.
// Override individual fields via options or after creation.
func NewPanel(opts ...func(*models.Panel)) models.Panel {
	p := models.Panel{
		Address:      "192.168.1.50",
		Name:         "test-panel",
		Model:        "PG-4",
		Firmware:     "2.1.0",
		Manufacturer: "PanelGrid",
		LastSeen:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithAddress sets the panel address.
func WithAddress(addr string) func(*models.Panel) {
	return func(p *models.Panel) { p.Address = addr }
}

// WithModel sets the panel model.
func WithModel(model string) func(*models.Panel) {
	return func(p *models.Panel) { p.Model = model }
}

// WithName sets the panel name.
func WithName(name string) func(*models.Panel) {
	return func(p *models.Panel) { p.Name = name }
}

// NewAction returns a two-stage ActionDefinition for test fixtures.
func NewAction(opts ...func(*models.ActionDefinition)) models.ActionDefinition {
	a := models.ActionDefinition{
		Name: "test-action",
		Stages: []models.Stage{
			{Name: "prepare", Commands: []models.Command{{Op: "set", Args: map[string]string{"channel": "1", "level": "40"}}}},
			{Name: "apply", Commands: []models.Command{{Op: "commit"}}},
		},
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// WithStages replaces the action's stage list.
func WithStages(stages ...models.Stage) func(*models.ActionDefinition) {
	return func(a *models.ActionDefinition) { a.Stages = stages }
}
