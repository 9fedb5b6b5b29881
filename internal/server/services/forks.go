package services

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/forge"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
)

// GitHub logins: alphanumerics and single inner hyphens, at most 39 chars.
var loginPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9]|-[A-Za-z0-9]){0,38}$`)

// ForkService links contributors to their fork of the shared repository.
type ForkService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	forks       *forge.ForkManager
	log         logging.Logger
}

func NewForkService(db *sql.DB, rm repomanager.RepositoryManager, forks *forge.ForkManager, log logging.Logger) *ForkService {
	return &ForkService{
		db:          db,
		repomanager: rm,
		forks:       forks,
		log:         log.With("module", "forks"),
	}
}

func (s *ForkService) login(ctx context.Context, actor auth.Actor) (string, error) {
	if actor.ID == "" {
		return "", common.ErrorUnauthorized
	}
	u, err := s.repomanager.Users(s.db).GetByID(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	if u.GitHubLogin == nil {
		return "", nil
	}
	return *u.GitHubLogin, nil
}

// Status reports the caller's fork. Users without a linked login have an
// absent fork.
func (s *ForkService) Status(ctx context.Context, actor auth.Actor) (models.ForkInfo, error) {
	login, err := s.login(ctx, actor)
	if err != nil {
		return models.ForkInfo{}, err
	}
	if login == "" {
		return models.ForkInfo{State: models.ForkAbsent}, nil
	}
	info, err := s.forks.State(ctx, login)
	if err != nil {
		return models.ForkInfo{}, fmt.Errorf("%w: %v", common.ErrExternalSync, err)
	}
	return info, nil
}

// Link records the caller's git host login and makes sure a fork exists.
// Fork creation continues in the background; the returned state is pending
// until the host reports the fork ready.
func (s *ForkService) Link(ctx context.Context, actor auth.Actor, login string) (models.ForkInfo, error) {
	if actor.ID == "" {
		return models.ForkInfo{}, common.ErrorUnauthorized
	}
	if !loginPattern.MatchString(login) {
		return models.ForkInfo{}, fmt.Errorf("%w: invalid login %q", common.ErrValidation, login)
	}

	if err := s.repomanager.Users(s.db).SetGitHubLogin(ctx, actor.ID, &login); err != nil {
		return models.ForkInfo{}, err
	}

	info, err := s.forks.Ensure(ctx, login)
	if err != nil {
		return models.ForkInfo{}, fmt.Errorf("%w: %v", common.ErrExternalSync, err)
	}
	s.log.Info(ctx, "fork linked", "user_id", actor.ID, "login", login, "state", info.State)
	return info, nil
}

// Unlink forgets the caller's login. With deleteFork the fork itself is
// removed from the host first.
func (s *ForkService) Unlink(ctx context.Context, actor auth.Actor, deleteFork bool) error {
	login, err := s.login(ctx, actor)
	if err != nil {
		return err
	}
	if login == "" {
		return nil
	}
	if deleteFork {
		if err := s.forks.Delete(ctx, login); err != nil {
			return fmt.Errorf("%w: %v", common.ErrExternalSync, err)
		}
	}
	if err := s.repomanager.Users(s.db).SetGitHubLogin(ctx, actor.ID, nil); err != nil {
		return err
	}
	s.log.Info(ctx, "fork unlinked", "user_id", actor.ID, "login", login, "deleted", deleteFork)
	return nil
}
