// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/migrations"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/contributions"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/mods"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/polls"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/textures"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/users"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

// Users returns a users.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

// Contributions returns a contributions.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Contributions(db dbx.DBTX) contributions.Repository {
	return contributions.NewPostgresRepository(db)
}

// Polls returns a polls.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Polls(db dbx.DBTX) polls.Repository {
	return polls.NewPostgresRepository(db)
}

// Textures returns a textures.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Textures(db dbx.DBTX) textures.Repository {
	return textures.NewPostgresRepository(db)
}

// Mods returns a mods.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Mods(db dbx.DBTX) mods.Repository {
	return mods.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager(db *sql.DB) (RepositoryManager, error) {
	return &PostgresRepositoryManager{}, nil
}
