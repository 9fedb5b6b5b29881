package texctl

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/texcouncil/internal/server"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/config"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
)

// operator is the actor recorded for work started from the command line.
var operator = auth.Actor{ID: "texctl", Role: models.RoleAdmin}

// appBackend talks to the database and storage directly through a
// server.App, built on first use. Migrate only needs the database.
type appBackend struct {
	cfg *config.Config
	app *server.App
}

// OpenApp is the Opener used by the texctl binary.
func OpenApp(_ context.Context, cfg *config.Config) (Backend, error) {
	return &appBackend{cfg: cfg}, nil
}

func (b *appBackend) ensure(ctx context.Context) (*server.App, error) {
	if b.app != nil {
		return b.app, nil
	}
	app, err := server.NewApp(ctx, b.cfg)
	if err != nil {
		return nil, err
	}
	b.app = app
	return app, nil
}

func (b *appBackend) Migrate(ctx context.Context) error {
	db, err := server.OpenDatabase(ctx, b.cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		return err
	}
	if err := rm.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

func (b *appBackend) CreateUser(ctx context.Context, username string, role models.Role) (*models.User, error) {
	app, err := b.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return app.Users().Create(ctx, username, role)
}

func (b *appBackend) IssueToken(ctx context.Context, userID string) (string, error) {
	app, err := b.ensure(ctx)
	if err != nil {
		return "", err
	}
	return app.Users().IssueToken(ctx, userID)
}

func (b *appBackend) Reconcile(ctx context.Context, ownerID string, resolution models.Resolution) (*services.ReconcileResult, error) {
	app, err := b.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return app.Reconciler().Reconcile(ctx, ownerID, resolution)
}

func (b *appBackend) Ingest(ctx context.Context, archiveName string, data []byte) ([]models.ExtractedMetadata, error) {
	app, err := b.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return app.Ingestor().Ingest(ctx, operator, archiveName, data)
}

func (b *appBackend) Close() {
	if b.app != nil {
		b.app.Close()
	}
}
