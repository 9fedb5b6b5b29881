package polls

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

func TestCreate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+polls\s+\(id\)\s+VALUES\s+\(\$1\)`).
		WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(context.Background(), "p-1"))

	mock.ExpectExec(`INSERT\s+INTO\s+polls`).WillReturnError(errors.New("db down"))
	err := repo.Create(context.Background(), "p-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

func TestUpsertVote(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)INSERT\s+INTO\s+poll_votes.*ON\s+CONFLICT\s+\(poll_id,\s*voter_id\)\s+DO\s+UPDATE\s+SET\s+choice\s*=\s*EXCLUDED\.choice`).
		WithArgs("p-1", "c-1", models.ChoiceDown).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertVote(context.Background(), "p-1", "c-1", models.ChoiceDown))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteVoteAndClear(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE\s+FROM\s+poll_votes\s+WHERE\s+poll_id\s*=\s*\$1\s+AND\s+voter_id\s*=\s*\$2`).
		WithArgs("p-1", "c-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE\s+FROM\s+poll_votes\s+WHERE\s+poll_id\s*=\s*\$1$`).
		WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.DeleteVote(context.Background(), "p-1", "c-1"))
	require.NoError(t, repo.Clear(context.Background(), "p-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCouncilVotes(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"voter_id", "choice"}).
		AddRow("c-1", "up").
		AddRow("c-2", "down").
		AddRow("c-3", "up")
	mock.ExpectQuery(`(?s)FROM\s+poll_votes\s+v\s+JOIN\s+users\s+u.*u\.role\s*=\s*'council'`).
		WithArgs("p-1").WillReturnRows(rows)

	poll, err := repo.CouncilVotes(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", poll.ID)
	assert.Equal(t, []string{"c-1", "c-3"}, poll.Upvotes)
	assert.Equal(t, []string{"c-2"}, poll.Downvotes)
	assert.Equal(t, models.Tally{Up: 2, Down: 1}, poll.Tally())
}

func TestCouncilVotes_Error(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+poll_votes`).WillReturnError(errors.New("boom"))

	_, err := repo.CouncilVotes(context.Background(), "p-1")
	require.Error(t, err)
}
