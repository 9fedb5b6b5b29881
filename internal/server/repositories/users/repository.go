package users

import (
	"context"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	CountByRole(ctx context.Context, role models.Role) (int, error)
	SetGitHubLogin(ctx context.Context, id string, login *string) error
	ListForkOwners(ctx context.Context) ([]models.ForkOwner, error)
}
