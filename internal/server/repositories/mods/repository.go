package mods

import (
	"context"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type Repository interface {
	UpsertMod(ctx context.Context, m *models.Mod) error
	UpsertVersion(ctx context.Context, v *models.ModVersion) error
	LinkTexture(ctx context.Context, versionID, textureID string) error
}
