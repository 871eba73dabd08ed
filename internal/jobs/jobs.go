// Package jobs provides job identifiers and the per-job subscriber
// multiplexer that fans progress snapshots out to observers.
package jobs

import "github.com/google/uuid"

// ID identifies one server-owned job (a discovery scan or an action
// execution). IDs are never reused within a process lifetime.
type ID string

// NewID mints a fresh job id.
func NewID() ID {
	return ID(uuid.New().String())
}

// String returns the id value.
func (id ID) String() string {
	return string(id)
}
