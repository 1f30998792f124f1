package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"parishhub-auth/internal/model"
)

// SettingsPostgresRepository stores the global flags read by the access gate.
type SettingsPostgresRepository struct {
	db DBTX
}

func NewSettingsRepository(db DBTX) *SettingsPostgresRepository {
	return &SettingsPostgresRepository{db: db}
}

func (r *SettingsPostgresRepository) Get(ctx context.Context, key string) (*model.Setting, error) {
	query := `SELECT key, value, updated_by, updated_at FROM settings WHERE key = $1`

	var (
		s         model.Setting
		updatedBy sql.NullString
		updatedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, key).Scan(&s.Key, &s.Value, &updatedBy, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	s.UpdatedBy = updatedBy.String
	if updatedAt.Valid {
		s.UpdatedAt = &updatedAt.Time
	}
	return &s, nil
}

func (r *SettingsPostgresRepository) Set(ctx context.Context, setting *model.Setting) error {
	query := `INSERT INTO settings (key, value, updated_by, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, setting.Key, setting.Value, setting.UpdatedBy); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
