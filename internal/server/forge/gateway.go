// Package forge talks to the git host holding the shared texture repository
// and the contributors' forks of it.
package forge

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

var (
	// ErrForkAbsent is returned when a contributor has no fork.
	ErrForkAbsent = errors.New("fork absent")
	// ErrTreeTruncated is returned when the host could not list the whole
	// tree in one response. A partial listing must never be reconciled.
	ErrTreeTruncated = errors.New("tree listing truncated")
	// ErrForkOwner is returned when the host created a fork under a
	// different account than the one requested.
	ErrForkOwner = errors.New("fork created under another account")
)

// Gateway is the subset of git host operations the service needs.
type Gateway interface {
	// CreateFork requests a fork of the shared repository for login. The
	// host creates it asynchronously.
	CreateFork(ctx context.Context, login string) error
	// ForkStatus reports whether login's fork exists and is usable.
	ForkStatus(ctx context.Context, login string) (models.ForkInfo, error)
	// ListTree returns every file of branch in login's fork.
	ListTree(ctx context.Context, login, branch string) ([]models.ExternalFileRecord, error)
	// DeleteFork removes login's fork. Deleting a missing fork succeeds.
	DeleteFork(ctx context.Context, login string) error
}
