package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/config"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
)

// UserService resolves callers and manages accounts. Sign-in is handled
// elsewhere; tokens issued here carry only the user id.
type UserService struct {
	db                    *sql.DB
	repomanager           repomanager.RepositoryManager
	jwtSecret             []byte
	tokenValidityDuration time.Duration
}

func NewUserService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *UserService {
	return &UserService{
		db:                    db,
		repomanager:           m,
		jwtSecret:             []byte(cfg.SecretKey),
		tokenValidityDuration: cfg.TokenValidityDuration,
	}
}

// Create adds an account with the given role.
func (s *UserService) Create(ctx context.Context, username string, role models.Role) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", common.ErrValidation)
	}
	switch role {
	case models.RoleUser, models.RoleCouncil, models.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", common.ErrValidation, role)
	}
	return s.repomanager.Users(s.db).Create(ctx, &models.User{UserName: username, Role: role})
}

// Actor resolves the caller behind a token. The role is read on every call
// so promotions and demotions apply immediately.
func (s *UserService) Actor(ctx context.Context, token string) (auth.Actor, error) {
	userID, err := auth.GetUserIDFromToken(token, s.jwtSecret)
	if err != nil {
		return auth.Actor{}, err
	}
	u, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return auth.Actor{}, fmt.Errorf("%w: %v", common.ErrorUnauthorized, err)
	}
	return auth.Actor{ID: u.ID, Role: u.Role}, nil
}

// IssueToken returns a signed token for an existing user.
func (s *UserService) IssueToken(ctx context.Context, userID string) (string, error) {
	if _, err := s.repomanager.Users(s.db).GetByID(ctx, userID); err != nil {
		return "", err
	}
	token, err := auth.GenerateToken(userID, s.jwtSecret, s.tokenValidityDuration)
	if err != nil {
		return "", fmt.Errorf("error generating token: %w", err)
	}
	return token, nil
}
