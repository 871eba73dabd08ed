package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/panelgrid/panelgrid/internal/store"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// ProfileRepository provides access to stored control profiles.
type ProfileRepository interface {
	// Get returns a single profile by id.
	Get(ctx context.Context, id int) (*models.Profile, error)

	// GetByName returns a single profile by its unique name.
	GetByName(ctx context.Context, name string) (*models.Profile, error)

	// List returns a paginated list of profiles.
	List(ctx context.Context, opts ListOptions) (*ListResult[models.Profile], error)

	// Create inserts a new profile and fills in its assigned id.
	Create(ctx context.Context, profile *models.Profile) error

	// Update rewrites a profile's mutable fields.
	Update(ctx context.Context, profile *models.Profile) error

	// Delete removes a profile.
	Delete(ctx context.Context, id int) error
}

// ProfileMigrations creates the profiles table. Registered by the actions
// plugin under its plugin name.
func ProfileMigrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create profiles table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS profiles (
						id            INTEGER PRIMARY KEY AUTOINCREMENT,
						name          TEXT NOT NULL UNIQUE,
						panel_address TEXT NOT NULL,
						settings      TEXT NOT NULL DEFAULT '{}',
						created_at    TEXT NOT NULL,
						updated_at    TEXT
					)
				`)
				return err
			},
		},
	}
}

// Compile-time interface guard.
var _ ProfileRepository = (*SQLiteProfileRepository)(nil)

// SQLiteProfileRepository implements ProfileRepository using SQLite.
type SQLiteProfileRepository struct {
	db *sql.DB
}

// NewSQLiteProfileRepository creates a ProfileRepository. The profiles table
// must already exist (created by ProfileMigrations).
func NewSQLiteProfileRepository(db *sql.DB) *SQLiteProfileRepository {
	return &SQLiteProfileRepository{db: db}
}

func scanProfile(scan func(dest ...any) error) (*models.Profile, error) {
	var p models.Profile
	var settings string
	var updatedAt sql.NullString
	if err := scan(&p.ID, &p.Name, &p.PanelAddress, &settings, &p.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		p.UpdatedAt = updatedAt.String
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for profile %d: %w", p.ID, err)
		}
	}
	return &p, nil
}

func (r *SQLiteProfileRepository) Get(ctx context.Context, id int) (*models.Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, panel_address, settings, created_at, updated_at
		FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile %d: %w", id, err)
	}
	return p, nil
}

func (r *SQLiteProfileRepository) GetByName(ctx context.Context, name string) (*models.Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, panel_address, settings, created_at, updated_at
		FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile %q: %w", name, err)
	}
	return p, nil
}

func (r *SQLiteProfileRepository) List(ctx context.Context, opts ListOptions) (*ListResult[models.Profile], error) {
	opts = normalizeListOptions(opts)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles`,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count profiles: %w", err)
	}

	orderDir := "DESC"
	if opts.SortOrder == "asc" {
		orderDir = "ASC"
	}
	orderCol := "created_at"
	if opts.SortBy == "name" {
		orderCol = "name"
	}

	//nolint:gosec // orderCol and orderDir are validated above
	query := fmt.Sprintf(`
		SELECT id, name, panel_address, settings, created_at, updated_at
		FROM profiles ORDER BY %s %s LIMIT ? OFFSET ?`, orderCol, orderDir)

	rows, err := r.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("profile row: %w", err)
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}

	return &ListResult[models.Profile]{Items: profiles, Total: total}, nil
}

func (r *SQLiteProfileRepository) Create(ctx context.Context, profile *models.Profile) error {
	if profile.Name == "" || profile.PanelAddress == "" {
		return fmt.Errorf("profile needs a name and a panel address")
	}
	if profile.CreatedAt == "" {
		profile.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	settings, err := json.Marshal(settingsOrEmpty(profile.Settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (name, panel_address, settings, created_at)
		VALUES (?, ?, ?, ?)`,
		profile.Name, profile.PanelAddress, string(settings), profile.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("profile %q: %w", profile.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("create profile: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("profile id: %w", err)
	}
	profile.ID = int(id)
	return nil
}

func (r *SQLiteProfileRepository) Update(ctx context.Context, profile *models.Profile) error {
	settings, err := json.Marshal(settingsOrEmpty(profile.Settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	profile.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	res, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET name = ?, panel_address = ?, settings = ?, updated_at = ?
		WHERE id = ?`,
		profile.Name, profile.PanelAddress, string(settings), profile.UpdatedAt, profile.ID,
	)
	if err != nil {
		return fmt.Errorf("update profile %d: %w", profile.ID, err)
	}
	return affectedOrNotFound(res)
}

func (r *SQLiteProfileRepository) Delete(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile %d: %w", id, err)
	}
	return affectedOrNotFound(res)
}

func settingsOrEmpty(s map[string]string) map[string]string {
	if s == nil {
		return map[string]string{}
	}
	return s
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
