package actions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelgrid/panelgrid/internal/panels"
	"github.com/panelgrid/panelgrid/internal/services"
	"github.com/panelgrid/panelgrid/internal/testutil"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// memProfiles is an in-memory ProfileRepository for runner tests.
type memProfiles struct {
	byID map[int]*models.Profile
}

func (m *memProfiles) Get(_ context.Context, id int) (*models.Profile, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return p, nil
}

func (m *memProfiles) GetByName(_ context.Context, _ string) (*models.Profile, error) {
	return nil, services.ErrNotFound
}

func (m *memProfiles) List(_ context.Context, _ services.ListOptions) (*services.ListResult[models.Profile], error) {
	return &services.ListResult[models.Profile]{}, nil
}

func (m *memProfiles) Create(_ context.Context, _ *models.Profile) error { return nil }
func (m *memProfiles) Update(_ context.Context, _ *models.Profile) error { return nil }
func (m *memProfiles) Delete(_ context.Context, _ int) error             { return nil }

// recordConn captures sent commands.
type recordConn struct {
	mu   sync.Mutex
	sent []models.Command
}

func (c *recordConn) Send(_ context.Context, cmd models.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *recordConn) Close() error { return nil }

func (c *recordConn) commands() []models.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Command, len(c.sent))
	copy(out, c.sent)
	return out
}

func newRunnerFixture(t *testing.T) (*PanelStageRunner, *recordConn, *panels.Registry) {
	t.Helper()
	logger := testutil.Logger()
	reg := panels.New(logger)
	conn := &recordConn{}
	ok := reg.Upsert(reg.Epoch(), models.Panel{Address: "192.168.1.50", Model: "PG-4"}, conn)
	require.True(t, ok)

	profiles := &memProfiles{byID: map[int]*models.Profile{
		1: {ID: 1, Name: "hall", PanelAddress: "192.168.1.50"},
		2: {ID: 2, Name: "orphan", PanelAddress: "192.168.1.99"},
	}}
	return NewPanelStageRunner(profiles, reg, logger), conn, reg
}

func TestRunStageSendsCommandsInOrder(t *testing.T) {
	runner, conn, _ := newRunnerFixture(t)

	stage := models.Stage{
		Name: "dim",
		Commands: []models.Command{
			{Op: "set", Args: map[string]string{"zone": "hall", "level": "30"}},
			{Op: "commit"},
		},
	}
	require.NoError(t, runner.RunStage(context.Background(), 1, stage))

	sent := conn.commands()
	require.Len(t, sent, 2)
	assert.Equal(t, "set", sent[0].Op)
	assert.Equal(t, "commit", sent[1].Op)
}

func TestRunStageUnknownProfile(t *testing.T) {
	runner, _, _ := newRunnerFixture(t)

	stage := models.Stage{Name: "dim", Commands: []models.Command{{Op: "set"}}}
	err := runner.RunStage(context.Background(), 42, stage)
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestRunStageUnregisteredPanel(t *testing.T) {
	runner, _, _ := newRunnerFixture(t)

	stage := models.Stage{Name: "dim", Commands: []models.Command{{Op: "set"}}}
	err := runner.RunStage(context.Background(), 2, stage)
	require.ErrorIs(t, err, panels.ErrUnknownPanel)
}

func TestRunStageFailsAfterRegistryReset(t *testing.T) {
	runner, _, reg := newRunnerFixture(t)

	stage := models.Stage{Name: "dim", Commands: []models.Command{{Op: "set"}}}
	require.NoError(t, runner.RunStage(context.Background(), 1, stage))

	reg.Reset()
	err := runner.RunStage(context.Background(), 1, stage)
	require.ErrorIs(t, err, panels.ErrUnknownPanel)
}

func TestHaltSendsHaltCommand(t *testing.T) {
	runner, conn, _ := newRunnerFixture(t)

	stage := models.Stage{Name: "fade-out", Commands: []models.Command{{Op: "fade"}}}
	require.NoError(t, runner.Halt(context.Background(), 1, stage))

	sent := conn.commands()
	require.Len(t, sent, 1)
	assert.Equal(t, "halt", sent[0].Op)
	assert.Equal(t, "fade-out", sent[0].Args["stage"])
}

func TestRunStageStopsAtCancelledContext(t *testing.T) {
	runner, conn, _ := newRunnerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := models.Stage{Name: "dim", Commands: []models.Command{{Op: "set"}, {Op: "commit"}}}
	err := runner.RunStage(ctx, 1, stage)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, conn.commands())
}
