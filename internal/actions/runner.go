package actions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/probe"
	"github.com/panelgrid/panelgrid/internal/services"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// Compile-time interface check.
var _ probe.StageRunner = (*PanelStageRunner)(nil)

// PanelStageRunner executes stages by resolving the profile's panel address
// and streaming the stage's commands over the panel's registered control
// connection.
type PanelStageRunner struct {
	profiles services.ProfileRepository
	registry *panels.Registry
	logger   *zap.Logger
}

// NewPanelStageRunner wires a stage runner.
func NewPanelStageRunner(profiles services.ProfileRepository, registry *panels.Registry, logger *zap.Logger) *PanelStageRunner {
	return &PanelStageRunner{profiles: profiles, registry: registry, logger: logger}
}

func (r *PanelStageRunner) handleFor(ctx context.Context, profileID int) (*panels.Handle, error) {
	profile, err := r.profiles.Get(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("profile %d: %w", profileID, err)
	}
	handle, ok := r.registry.Handle(profile.PanelAddress)
	if !ok {
		return nil, fmt.Errorf("panel %s for profile %d: %w", profile.PanelAddress, profileID, panels.ErrUnknownPanel)
	}
	return handle, nil
}

// RunStage sends the stage's commands in order, then holds for the stage's
// expected duration so downstream hardware settles before the next stage.
func (r *PanelStageRunner) RunStage(ctx context.Context, profileID int, stage models.Stage) error {
	handle, err := r.handleFor(ctx, profileID)
	if err != nil {
		return err
	}

	for _, cmd := range stage.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handle.Send(ctx, cmd); err != nil {
			return fmt.Errorf("stage %q op %q: %w", stage.Name, cmd.Op, err)
		}
	}

	if stage.ExpectedDuration > 0 {
		select {
		case <-time.After(stage.ExpectedDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Halt sends the panel a halt for the interrupted stage, returning it to a
// quiescent state after a stop with compensation.
func (r *PanelStageRunner) Halt(ctx context.Context, profileID int, stage models.Stage) error {
	handle, err := r.handleFor(ctx, profileID)
	if err != nil {
		return err
	}

	r.logger.Info("halting interrupted stage",
		zap.Int("profile_id", profileID),
		zap.String("stage", stage.Name),
	)
	return handle.Send(ctx, models.Command{
		Op:   "halt",
		Args: map[string]string{"stage": stage.Name},
	})
}
