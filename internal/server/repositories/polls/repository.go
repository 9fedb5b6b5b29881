package polls

import (
	"context"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, id string) error
	UpsertVote(ctx context.Context, pollID, voterID string, choice models.Choice) error
	DeleteVote(ctx context.Context, pollID, voterID string) error
	Clear(ctx context.Context, pollID string) error
	CouncilVotes(ctx context.Context, pollID string) (*models.Poll, error)
}
