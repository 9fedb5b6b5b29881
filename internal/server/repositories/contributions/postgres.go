// Package contributions provides the PostgreSQL-backed repository of texture
// contributions, their co-authors and their lifecycle status.
package contributions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

// ActiveHashConstraint is the partial unique index that keeps content hashes
// unique among non-archived contributions.
const ActiveHashConstraint = "contributions_active_hash_key"

const selectColumns = `SELECT c.id, c.owner_id, c.target_id, c.resolution, c.hash, c.locator, c.filename,
		c.metadata, c.status, c.poll_id, c.created_at, c.updated_at,
		COALESCE((SELECT string_agg(ca.user_id::text, ',' ORDER BY ca.user_id)
			FROM contribution_coauthors ca WHERE ca.contribution_id = c.id), '')
		FROM contributions c`

// PostgresRepository implements contribution storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContribution(row rowScanner) (*models.Contribution, error) {
	var (
		c         models.Contribution
		target    sql.NullString
		metadata  []byte
		coauthors string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &target, &c.Resolution, &c.Hash, &c.Locator, &c.Filename,
		&metadata, &c.Status, &c.PollID, &c.CreatedAt, &c.UpdatedAt, &coauthors); err != nil {
		return nil, err
	}
	if target.Valid {
		c.TargetID = &target.String
	}
	if len(metadata) > 0 {
		c.Metadata = metadata
	}
	if coauthors != "" {
		c.CoAuthors = strings.Split(coauthors, ",")
	}
	return &c, nil
}

func (r *PostgresRepository) queryOne(ctx context.Context, query string, args ...any) (*models.Contribution, error) {
	c, err := scanContribution(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) queryMany(ctx context.Context, query string, args ...any) ([]*models.Contribution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select contributions: %w", err)
	}
	defer rows.Close()

	var result []*models.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Insert stores a new contribution. A collision on the active-hash index is
// reported as *common.DuplicateContentError.
func (r *PostgresRepository) Insert(ctx context.Context, c *models.Contribution) error {
	query := `
		INSERT INTO contributions (id, owner_id, target_id, resolution, hash, locator, filename, metadata, status, poll_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		c.ID, c.OwnerID, c.TargetID, c.Resolution, c.Hash, c.Locator, c.Filename,
		nullableJSON(c.Metadata), c.Status, c.PollID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err, ActiveHashConstraint) {
			return &common.DuplicateContentError{Hash: c.Hash}
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get loads a contribution by id. An id that is not a UUID cannot name a row
// and is reported as common.ErrNotFound without a query.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Contribution, error) {
	if uuid.Validate(id) != nil {
		return nil, common.ErrNotFound
	}
	return r.queryOne(ctx, selectColumns+` WHERE c.id = $1`, id)
}

// GetForUpdate loads a contribution and locks its row until the surrounding
// transaction ends. Only meaningful when the repository is bound to a *sql.Tx.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*models.Contribution, error) {
	if uuid.Validate(id) != nil {
		return nil, common.ErrNotFound
	}
	return r.queryOne(ctx, selectColumns+` WHERE c.id = $1 FOR UPDATE OF c`, id)
}

// GetActiveByHash returns the non-archived contribution holding hash.
func (r *PostgresRepository) GetActiveByHash(ctx context.Context, hash string) (*models.Contribution, error) {
	return r.queryOne(ctx, selectColumns+` WHERE c.hash = $1 AND c.status <> 'archived'`, hash)
}

// ListForUser returns the contributions owned or co-authored by userID.
// Archived contributions are listed only when the filter asks for them.
func (r *PostgresRepository) ListForUser(ctx context.Context, userID string, filter models.ContributionFilter) ([]*models.Contribution, error) {
	query := selectColumns + `
		WHERE (c.owner_id = $1 OR EXISTS (
			SELECT 1 FROM contribution_coauthors x WHERE x.contribution_id = c.id AND x.user_id = $1))
		AND ($2 = '' OR c.resolution = $2)
		AND (($3 = '' AND c.status <> 'archived') OR c.status = $3)
		ORDER BY c.created_at DESC, c.id`
	return r.queryMany(ctx, query, userID, string(filter.Resolution), string(filter.Status))
}

// ListByOwnerResolution returns every contribution of an owner in one
// resolution regardless of status.
func (r *PostgresRepository) ListByOwnerResolution(ctx context.Context, ownerID string, resolution models.Resolution) ([]*models.Contribution, error) {
	query := selectColumns + ` WHERE c.owner_id = $1 AND c.resolution = $2 ORDER BY c.created_at, c.id`
	return r.queryMany(ctx, query, ownerID, resolution)
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status models.Status) ([]*models.Contribution, error) {
	query := selectColumns + ` WHERE c.status = $1 ORDER BY c.created_at, c.id`
	return r.queryMany(ctx, query, status)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
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

// UpdateStatus sets the status of a contribution. Callers validate the
// transition with models.Advance first. Moving an archived record back to an
// active status can collide with the active-hash index; that is reported as
// *common.DuplicateContentError.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	err := r.exec(ctx, `UPDATE contributions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if dbx.IsUniqueViolation(err, ActiveHashConstraint) {
		return fmt.Errorf("%w: contribution %s", common.ErrDuplicateContent, id)
	}
	return err
}

// UpdateDraft persists target, metadata and status of an edited contribution.
func (r *PostgresRepository) UpdateDraft(ctx context.Context, c *models.Contribution) error {
	return r.exec(ctx, `
		UPDATE contributions SET target_id = $2, metadata = $3, status = $4, updated_at = now()
		WHERE id = $1`,
		c.ID, c.TargetID, nullableJSON(c.Metadata), c.Status)
}

// SetCoAuthors replaces the co-author set of a contribution.
func (r *PostgresRepository) SetCoAuthors(ctx context.Context, id string, userIDs []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM contribution_coauthors WHERE contribution_id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	for _, uid := range userIDs {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO contribution_coauthors (contribution_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, uid); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) RemoveCoAuthor(ctx context.Context, id, userID string) error {
	return r.exec(ctx, `DELETE FROM contribution_coauthors WHERE contribution_id = $1 AND user_id = $2`, id, userID)
}

// Delete removes a contribution together with its poll. Co-authors and votes
// go with them through ON DELETE CASCADE.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	var pollID string
	err := r.db.QueryRowContext(ctx, `DELETE FROM contributions WHERE id = $1 RETURNING poll_id`, id).Scan(&pollID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM polls WHERE id = $1`, pollID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// CountByLocator returns how many contributions reference a stored blob.
func (r *PostgresRepository) CountByLocator(ctx context.Context, locator string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contributions WHERE locator = $1`, locator).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// LockScope takes a transaction-scoped advisory lock on key. It blocks until
// the lock is free and is released at commit or rollback.
func (r *PostgresRepository) LockScope(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}
