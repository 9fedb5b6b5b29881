package contributions

import (
	"context"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type Repository interface {
	Insert(ctx context.Context, c *models.Contribution) error
	Get(ctx context.Context, id string) (*models.Contribution, error)
	GetForUpdate(ctx context.Context, id string) (*models.Contribution, error)
	GetActiveByHash(ctx context.Context, hash string) (*models.Contribution, error)
	ListForUser(ctx context.Context, userID string, filter models.ContributionFilter) ([]*models.Contribution, error)
	ListByOwnerResolution(ctx context.Context, ownerID string, resolution models.Resolution) ([]*models.Contribution, error)
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Contribution, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	UpdateDraft(ctx context.Context, c *models.Contribution) error
	SetCoAuthors(ctx context.Context, id string, userIDs []string) error
	RemoveCoAuthor(ctx context.Context, id, userID string) error
	Delete(ctx context.Context, id string) error
	CountByLocator(ctx context.Context, locator string) (int, error)
	LockScope(ctx context.Context, key string) error
}
