package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/keylock"
	"github.com/dmitrijs2005/texcouncil/internal/server/metrics"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
)

// VoteResult is the state of a poll after a vote or a finalization attempt.
type VoteResult struct {
	ContributionID string        `json:"contribution_id"`
	Status         models.Status `json:"status"`
	Up             int           `json:"up"`
	Down           int           `json:"down"`
	Electorate     int           `json:"electorate"`
	// Finalized is true only for the call that moved the contribution out
	// of PENDING.
	Finalized bool `json:"finalized"`
}

// PollService records council votes and resolves polls.
//
// A vote and the finalization it may trigger run in one transaction that
// holds the contribution row lock, so the vote completing the electorate
// finalizes exactly once. Callers on the same instance are additionally
// serialized per contribution by a key lock.
type PollService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	locks       keylock.Locker
	log         logging.Logger
	metrics     *metrics.Metrics
}

func NewPollService(db *sql.DB, rm repomanager.RepositoryManager, locks keylock.Locker, log logging.Logger, m *metrics.Metrics) *PollService {
	return &PollService{
		db:          db,
		repomanager: rm,
		locks:       locks,
		log:         log.With("module", "polls"),
		metrics:     m,
	}
}

func voteKey(contributionID string) string {
	return "vote:" + contributionID
}

// CastVote records the council member's choice on a PENDING contribution
// and finalizes the poll once every member has voted. ChoiceNone withdraws
// a vote. Voting on a contribution that is no longer PENDING is a no-op.
func (s *PollService) CastVote(ctx context.Context, actor auth.Actor, contributionID string, choice models.Choice) (*VoteResult, error) {
	if actor.ID == "" {
		return nil, common.ErrorUnauthorized
	}
	if !actor.IsCouncil() {
		return nil, common.ErrForbidden
	}
	if _, ok := models.ParseChoice(string(choice)); !ok {
		return nil, fmt.Errorf("%w: unknown choice %q", common.ErrValidation, choice)
	}
	if !validID(contributionID) {
		return nil, common.ErrNotFound
	}

	unlock, err := s.locks.Lock(ctx, voteKey(contributionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result *VoteResult
		voted  bool
	)
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		c, err := s.repomanager.Contributions(tx).GetForUpdate(ctx, contributionID)
		if err != nil {
			return err
		}
		if c.Status != models.StatusPending {
			result = &VoteResult{ContributionID: c.ID, Status: c.Status}
			return nil
		}

		polls := s.repomanager.Polls(tx)
		if choice == models.ChoiceNone {
			err = polls.DeleteVote(ctx, c.PollID, actor.ID)
		} else {
			err = polls.UpsertVote(ctx, c.PollID, actor.ID, choice)
		}
		if err != nil {
			return fmt.Errorf("error recording vote: %w", err)
		}
		voted = true

		result, err = s.finalize(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	if voted {
		s.metrics.VoteCast(string(choice))
		s.log.Debug(ctx, "vote cast", "contribution_id", contributionID, "voter_id", actor.ID, "choice", choice)
	}
	s.reportFinalized(ctx, result)
	return result, nil
}

// TryFinalize resolves the poll of a PENDING contribution if every council
// member has voted. Calling it on a contribution that already left PENDING
// changes nothing.
func (s *PollService) TryFinalize(ctx context.Context, contributionID string) (*VoteResult, error) {
	unlock, err := s.locks.Lock(ctx, voteKey(contributionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *VoteResult
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		c, err := s.repomanager.Contributions(tx).GetForUpdate(ctx, contributionID)
		if err != nil {
			return err
		}
		if c.Status != models.StatusPending {
			result = &VoteResult{ContributionID: c.ID, Status: c.Status}
			return nil
		}
		result, err = s.finalize(ctx, tx, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.reportFinalized(ctx, result)
	return result, nil
}

// FinalizePending retries finalization of every PENDING contribution. Polls
// can become decidable without a vote when the council shrinks.
func (s *PollService) FinalizePending(ctx context.Context) (int, error) {
	pending, err := s.repomanager.Contributions(s.db).ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return 0, err
	}

	var finalized int
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return finalized, err
		}
		res, err := s.TryFinalize(ctx, c.ID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return finalized, err
		}
		if res.Finalized {
			finalized++
		}
	}
	return finalized, nil
}

// finalize must run inside the transaction holding the row lock of c. The
// electorate is counted at this moment, not when the poll was opened.
func (s *PollService) finalize(ctx context.Context, tx dbx.DBTX, c *models.Contribution) (*VoteResult, error) {
	poll, err := s.repomanager.Polls(tx).CouncilVotes(ctx, c.PollID)
	if err != nil {
		return nil, fmt.Errorf("error loading poll: %w", err)
	}
	electorate, err := s.repomanager.Users(tx).CountByRole(ctx, models.RoleCouncil)
	if err != nil {
		return nil, fmt.Errorf("error counting council: %w", err)
	}

	tally := poll.Tally()
	result := &VoteResult{
		ContributionID: c.ID,
		Status:         c.Status,
		Up:             tally.Up,
		Down:           tally.Down,
		Electorate:     electorate,
	}

	if electorate == 0 {
		s.log.Warn(ctx, "poll cannot be decided without council members", "contribution_id", c.ID)
		return result, nil
	}

	decision, final := models.Decide(tally, electorate)
	if !final {
		return result, nil
	}

	event := models.EventReject
	if decision == models.StatusAccepted {
		event = models.EventAccept
	}
	next, err := models.Advance(c.Status, event)
	if err != nil {
		return nil, err
	}
	if err := s.repomanager.Contributions(tx).UpdateStatus(ctx, c.ID, next); err != nil {
		return nil, err
	}

	result.Status = next
	result.Finalized = true
	return result, nil
}

func (s *PollService) reportFinalized(ctx context.Context, res *VoteResult) {
	if res == nil || !res.Finalized {
		return
	}
	s.metrics.PollFinalized(string(res.Status))
	s.log.Info(ctx, "poll finalized", "contribution_id", res.ContributionID, "status", res.Status,
		"up", res.Up, "down", res.Down, "electorate", res.Electorate)
}
