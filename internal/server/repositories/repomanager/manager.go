package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/contributions"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/mods"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/polls"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/textures"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Contributions(db dbx.DBTX) contributions.Repository
	Polls(db dbx.DBTX) polls.Repository
	Textures(db dbx.DBTX) textures.Repository
	Mods(db dbx.DBTX) mods.Repository
}
