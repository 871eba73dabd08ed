// Package probe implements the device-operation layer: liveness probes,
// panel identification, and stage command execution. Discovery and action
// code consume these through small interfaces so tests can substitute fakes.
package probe

import (
	"context"

	"github.com/panelgrid/panelgrid/pkg/models"
)

// Prober checks whether an address answers on the local network.
// It returns (false, nil) when the address stays silent within the probe
// timeout and a non-nil error only for unexpected failures.
type Prober interface {
	Probe(ctx context.Context, address string) (alive bool, err error)
}

// Identification is the outcome of the panel-identification probe for one
// responding address.
type Identification struct {
	IsPanel bool
	Panel   models.Panel
	// Conn is the live control connection for identified panels, nil otherwise.
	Conn Conn
}

// Conn mirrors panels.Conn; redeclared here so the probe layer does not
// depend on the registry package.
type Conn interface {
	Send(ctx context.Context, cmd models.Command) error
	Close() error
}

// Identifier attempts panel identification against an address that already
// passed the liveness phase.
type Identifier interface {
	Identify(ctx context.Context, address string) (Identification, error)
}

// StageRunner executes one action stage's opaque commands against the
// profile's panel, and can halt an interrupted stage's actuators.
type StageRunner interface {
	// RunStage executes the stage's commands in order. The runner should
	// honor ctx between commands; a ctx error means the stage was interrupted
	// rather than failed.
	RunStage(ctx context.Context, profileID int, stage models.Stage) error

	// Halt performs the compensating stop for an interrupted stage, bringing
	// any actuator left mid-motion to a safe standstill.
	Halt(ctx context.Context, profileID int, stage models.Stage) error
}
