// Package textures provides the texture catalogue: named textures that
// contributions target, their alternative names and reference images.
package textures

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

const selectColumns = `SELECT t.id, t.name, t.hash, t.locator, t.width, t.height,
		COALESCE((SELECT string_agg(a.alias, ',' ORDER BY a.alias)
			FROM texture_aliases a WHERE a.texture_id = t.id), '')
		FROM textures t`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) queryOne(ctx context.Context, query string, args ...any) (*models.Texture, error) {
	var (
		t       models.Texture
		hash    sql.NullString
		locator sql.NullString
		aliases string
	)
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&t.ID, &t.Name, &hash, &locator, &t.Width, &t.Height, &aliases)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if hash.Valid {
		t.Hash = &hash.String
	}
	if locator.Valid {
		t.Locator = &locator.String
	}
	if aliases != "" {
		t.Aliases = strings.Split(aliases, ",")
	}
	return &t, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Texture, error) {
	if uuid.Validate(id) != nil {
		return nil, common.ErrNotFound
	}
	return r.queryOne(ctx, selectColumns+` WHERE t.id = $1`, id)
}

// FindByName resolves a texture by its name or any of its aliases.
func (r *PostgresRepository) FindByName(ctx context.Context, name string) (*models.Texture, error) {
	return r.queryOne(ctx, selectColumns+`
		WHERE t.name = $1 OR EXISTS (
			SELECT 1 FROM texture_aliases x WHERE x.texture_id = t.id AND x.alias = $1)
		ORDER BY (t.name = $1) DESC
		LIMIT 1`, name)
}

func (r *PostgresRepository) GetByHash(ctx context.Context, hash string) (*models.Texture, error) {
	return r.queryOne(ctx, selectColumns+` WHERE t.hash = $1`, hash)
}

// Insert adds a catalogue entry. A name or hash already in the catalogue is
// reported as common.ErrDuplicateContent.
func (r *PostgresRepository) Insert(ctx context.Context, t *models.Texture) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	query := `
		INSERT INTO textures (id, name, hash, locator, width, height)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query, t.ID, t.Name, t.Hash, t.Locator, t.Width, t.Height).Scan(&t.CreatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: texture %s", common.ErrDuplicateContent, t.Name)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// SetImage replaces the reference image of an existing texture.
func (r *PostgresRepository) SetImage(ctx context.Context, t *models.Texture) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE textures SET hash = $2, locator = $3, width = $4, height = $5 WHERE id = $1`,
		t.ID, t.Hash, t.Locator, t.Width, t.Height)
	if err != nil {
		if dbx.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: texture %s", common.ErrDuplicateContent, t.Name)
		}
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// AddAlias records an alternative name and reports whether it was written.
// Aliases are unique across the catalogue, so an alias already held by any
// texture is left where it is and false is returned.
func (r *PostgresRepository) AddAlias(ctx context.Context, textureID, alias string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO texture_aliases (texture_id, alias) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		textureID, alias)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}
