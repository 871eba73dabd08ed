package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelgrid/panelgrid/internal/services"
	"github.com/panelgrid/panelgrid/internal/testutil"
	"github.com/panelgrid/panelgrid/pkg/models"
)

func newProfileRepo(t *testing.T) services.ProfileRepository {
	t.Helper()
	db := testutil.NewStore(t)
	require.NoError(t, db.Migrate(context.Background(), "actions", services.ProfileMigrations()))
	return services.NewSQLiteProfileRepository(db.DB())
}

func TestProfileCreateAndGet(t *testing.T) {
	repo := newProfileRepo(t)
	ctx := context.Background()

	p := &models.Profile{
		Name:         "living-room",
		PanelAddress: "192.168.1.50",
		Settings:     map[string]string{"default_level": "60"},
	}
	require.NoError(t, repo.Create(ctx, p))
	require.NotZero(t, p.ID)
	assert.NotEmpty(t, p.CreatedAt)

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "living-room", got.Name)
	assert.Equal(t, "192.168.1.50", got.PanelAddress)
	assert.Equal(t, "60", got.Settings["default_level"])

	byName, err := repo.GetByName(ctx, "living-room")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)
}

func TestProfileGetMissing(t *testing.T) {
	repo := newProfileRepo(t)

	_, err := repo.Get(context.Background(), 9999)
	require.ErrorIs(t, err, services.ErrNotFound)

	_, err = repo.GetByName(context.Background(), "nope")
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestProfileCreateRejectsDuplicateName(t *testing.T) {
	repo := newProfileRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Profile{Name: "hall", PanelAddress: "10.0.0.1"}))
	err := repo.Create(ctx, &models.Profile{Name: "hall", PanelAddress: "10.0.0.2"})
	require.ErrorIs(t, err, services.ErrAlreadyExists)
}

func TestProfileCreateRequiresNameAndAddress(t *testing.T) {
	repo := newProfileRepo(t)

	err := repo.Create(context.Background(), &models.Profile{PanelAddress: "10.0.0.1"})
	require.Error(t, err)

	err = repo.Create(context.Background(), &models.Profile{Name: "hall"})
	require.Error(t, err)
}

func TestProfileUpdate(t *testing.T) {
	repo := newProfileRepo(t)
	ctx := context.Background()

	p := &models.Profile{Name: "hall", PanelAddress: "10.0.0.1"}
	require.NoError(t, repo.Create(ctx, p))

	p.PanelAddress = "10.0.0.9"
	p.Settings = map[string]string{"scheme": "warm"}
	require.NoError(t, repo.Update(ctx, p))
	assert.NotEmpty(t, p.UpdatedAt)

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", got.PanelAddress)
	assert.Equal(t, "warm", got.Settings["scheme"])

	err = repo.Update(ctx, &models.Profile{ID: 9999, Name: "x", PanelAddress: "y"})
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestProfileDelete(t *testing.T) {
	repo := newProfileRepo(t)
	ctx := context.Background()

	p := &models.Profile{Name: "hall", PanelAddress: "10.0.0.1"}
	require.NoError(t, repo.Create(ctx, p))
	require.NoError(t, repo.Delete(ctx, p.ID))

	_, err := repo.Get(ctx, p.ID)
	require.ErrorIs(t, err, services.ErrNotFound)

	require.ErrorIs(t, repo.Delete(ctx, p.ID), services.ErrNotFound)
}

func TestProfileList(t *testing.T) {
	repo := newProfileRepo(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		require.NoError(t, repo.Create(ctx, &models.Profile{Name: name, PanelAddress: "10.0.0.1"}))
	}

	res, err := repo.List(ctx, services.ListOptions{Limit: 2, SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "alpha", res.Items[0].Name)
	assert.Equal(t, "bravo", res.Items[1].Name)

	res, err = repo.List(ctx, services.ListOptions{Limit: 2, Offset: 2, SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "charlie", res.Items[0].Name)
}
