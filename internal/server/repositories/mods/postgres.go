// Package mods stores metadata extracted from ingested mod archives.
package mods

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// UpsertMod inserts a mod or refreshes the name of a known identifier.
// m.ID is set to the stored row's id.
func (r *PostgresRepository) UpsertMod(ctx context.Context, m *models.Mod) error {
	query := `
		INSERT INTO mods (id, identifier, name) VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`
	if err := r.db.QueryRowContext(ctx, query, uuid.NewString(), m.Identifier, m.Name).Scan(&m.ID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpsertVersion returns the id of (mod, version), creating it if needed.
func (r *PostgresRepository) UpsertVersion(ctx context.Context, v *models.ModVersion) error {
	query := `
		INSERT INTO mod_versions (id, mod_id, version) VALUES ($1, $2, $3)
		ON CONFLICT (mod_id, version) DO UPDATE SET version = EXCLUDED.version
		RETURNING id
	`
	if err := r.db.QueryRowContext(ctx, query, uuid.NewString(), v.ModID, v.Version).Scan(&v.ID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LinkTexture(ctx context.Context, versionID, textureID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO mod_version_textures (mod_version_id, texture_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		versionID, textureID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
