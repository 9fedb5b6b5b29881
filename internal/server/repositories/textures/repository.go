package textures

import (
	"context"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, id string) (*models.Texture, error)
	FindByName(ctx context.Context, name string) (*models.Texture, error)
	GetByHash(ctx context.Context, hash string) (*models.Texture, error)
	Insert(ctx context.Context, t *models.Texture) error
	SetImage(ctx context.Context, t *models.Texture) error
	AddAlias(ctx context.Context, textureID, alias string) (bool, error)
}
