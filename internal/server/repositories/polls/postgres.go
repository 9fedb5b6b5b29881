// Package polls stores council votes. Each voter has at most one row per
// poll, so the up and down sets never overlap.
package polls

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO polls (id) VALUES ($1)`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpsertVote records choice for voter, replacing any earlier vote.
func (r *PostgresRepository) UpsertVote(ctx context.Context, pollID, voterID string, choice models.Choice) error {
	query := `
		INSERT INTO poll_votes (poll_id, voter_id, choice)
		VALUES ($1, $2, $3)
		ON CONFLICT (poll_id, voter_id)
		DO UPDATE SET choice = EXCLUDED.choice, voted_at = now()
	`
	if _, err := r.db.ExecContext(ctx, query, pollID, voterID, choice); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteVote withdraws the vote of voter. Withdrawing a missing vote is not
// an error.
func (r *PostgresRepository) DeleteVote(ctx context.Context, pollID, voterID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM poll_votes WHERE poll_id = $1 AND voter_id = $2`, pollID, voterID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Clear drops every vote of a poll.
func (r *PostgresRepository) Clear(ctx context.Context, pollID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM poll_votes WHERE poll_id = $1`, pollID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// CouncilVotes returns the votes of a poll cast by users who are council
// members right now. Votes of demoted members stay stored but do not count.
func (r *PostgresRepository) CouncilVotes(ctx context.Context, pollID string) (*models.Poll, error) {
	query := `
		SELECT v.voter_id, v.choice FROM poll_votes v
		JOIN users u ON u.id = v.voter_id
		WHERE v.poll_id = $1 AND u.role = 'council'
		ORDER BY v.voted_at, v.voter_id
	`
	rows, err := r.db.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	poll := &models.Poll{ID: pollID}
	for rows.Next() {
		var (
			voter  string
			choice models.Choice
		)
		if err := rows.Scan(&voter, &choice); err != nil {
			return nil, err
		}
		switch choice {
		case models.ChoiceUp:
			poll.Upvotes = append(poll.Upvotes, voter)
		case models.ChoiceDown:
			poll.Downvotes = append(poll.Downvotes, voter)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return poll, nil
}
