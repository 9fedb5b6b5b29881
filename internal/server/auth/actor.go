package auth

import (
	"context"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role models.Role
}

func (a Actor) IsAdmin() bool   { return a.Role == models.RoleAdmin }
func (a Actor) IsCouncil() bool { return a.Role == models.RoleCouncil }

// CanReview reports whether the actor may see the council review queue.
func (a Actor) CanReview() bool { return a.IsCouncil() || a.IsAdmin() }

type actorKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
