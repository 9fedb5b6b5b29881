// Package users provides the PostgreSQL-backed user repository: identities,
// roles and linked git host accounts.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	query :=
		`INSERT INTO users (id, username, role, github_login)
         VALUES ($1, $2, $3, $4)
		 RETURNING created_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.UserName, user.Role, user.GitHubLogin).Scan(&user.CreatedAt)

	if err != nil {
		if dbx.IsUniqueViolation(err, "") {
			return nil, fmt.Errorf("%w: username %q taken", common.ErrValidation, user.UserName)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if uuid.Validate(id) != nil {
		return nil, common.ErrNotFound
	}
	query :=
		`SELECT id, username, role, github_login, created_at FROM users
		 WHERE id = $1
		 `

	user := &models.User{}
	var login sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.UserName, &user.Role, &login, &user.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if login.Valid {
		user.GitHubLogin = &login.String
	}

	return user, nil
}

// CountByRole returns how many users currently hold role. It is read live on
// every poll decision, so membership changes apply immediately.
func (r *PostgresRepository) CountByRole(ctx context.Context, role models.Role) (int, error) {
	query := `SELECT COUNT(*) FROM users WHERE role = $1`

	var n int
	if err := r.db.QueryRowContext(ctx, query, role).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// SetGitHubLogin links (or with nil unlinks) the git host account of a user.
func (r *PostgresRepository) SetGitHubLogin(ctx context.Context, id string, login *string) error {
	query := `UPDATE users SET github_login = $2 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, login)
	if err != nil {
		if dbx.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: account already linked to another user", common.ErrValidation)
		}
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// ListForkOwners returns every user with a linked git host account.
func (r *PostgresRepository) ListForkOwners(ctx context.Context) ([]models.ForkOwner, error) {
	query := `SELECT id, github_login FROM users WHERE github_login IS NOT NULL ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.ForkOwner
	for rows.Next() {
		var o models.ForkOwner
		if err := rows.Scan(&o.UserID, &o.GitHubLogin); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
