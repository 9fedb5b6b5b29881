package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/config"
	"github.com/dmitrijs2005/texcouncil/internal/server/metrics"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/texcouncil/internal/server/storage"
)

// Upload is one file handed in by a contributor.
type Upload struct {
	Filename string
	Data     []byte
}

// UploadResult is the outcome of one file of a batch upload. Exactly one of
// Contribution and Err is set.
type UploadResult struct {
	Filename     string
	Contribution *models.Contribution
	Err          error
}

// AttachRequest carries the editable fields of a contribution.
type AttachRequest struct {
	TargetID  string
	CoAuthors []string
	Metadata  json.RawMessage
}

// SubmitResult lists which ids moved to review and which were skipped.
type SubmitResult struct {
	Submitted []string
	Skipped   []string
}

// DeleteResult lists, per id, whether the contribution was removed, the
// caller was detached from its co-authors, or nothing happened.
type DeleteResult struct {
	Deleted      []string
	Disconnected []string
	Skipped      []string
}

// PendingContribution is a contribution awaiting council review together
// with its current tally.
type PendingContribution struct {
	Contribution *models.Contribution
	Tally        models.Tally
	Electorate   int
	// MyVote is the caller's current vote.
	MyVote models.Choice
}

type ContributionService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	content       *storage.ContentStore
	maxUploadSize int64
	log           logging.Logger
	metrics       *metrics.Metrics
}

func NewContributionService(db *sql.DB, rm repomanager.RepositoryManager, content *storage.ContentStore,
	cfg *config.Config, log logging.Logger, m *metrics.Metrics) *ContributionService {
	return &ContributionService{
		db:            db,
		repomanager:   rm,
		content:       content,
		maxUploadSize: cfg.MaxUploadBytes,
		log:           log.With("module", "contributions"),
		metrics:       m,
	}
}

func requireUser(actor auth.Actor) error {
	if actor.ID == "" {
		return common.ErrorUnauthorized
	}
	return nil
}

func (s *ContributionService) validateUpload(up Upload, resolution models.Resolution) error {
	if _, ok := models.ParseResolution(string(resolution)); !ok {
		return fmt.Errorf("%w: unsupported resolution %q", common.ErrValidation, resolution)
	}
	if strings.TrimSpace(up.Filename) == "" {
		return fmt.Errorf("%w: missing filename", common.ErrValidation)
	}
	if len(up.Data) == 0 {
		return fmt.Errorf("%w: %s is empty", common.ErrValidation, up.Filename)
	}
	if s.maxUploadSize > 0 && int64(len(up.Data)) > s.maxUploadSize {
		return fmt.Errorf("%w: %s exceeds %d bytes", common.ErrValidation, up.Filename, s.maxUploadSize)
	}
	return nil
}

// CreateDraft stores an uploaded file and records it as a DRAFT contribution
// with an empty poll. Identical bytes already held by an active contribution
// are rejected with *common.DuplicateContentError, whatever their filename or
// resolution.
func (s *ContributionService) CreateDraft(ctx context.Context, actor auth.Actor, up Upload, resolution models.Resolution) (*models.Contribution, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if err := s.validateUpload(up, resolution); err != nil {
		return nil, err
	}

	repo := s.repomanager.Contributions(s.db)
	hash := s.content.Hash(up.Data)

	existing, err := repo.GetActiveByHash(ctx, hash)
	switch {
	case err == nil:
		s.metrics.DuplicateUpload()
		return nil, &common.DuplicateContentError{Hash: hash, ExistingID: existing.ID}
	case !errors.Is(err, common.ErrNotFound):
		return nil, fmt.Errorf("error checking duplicates: %w", err)
	}

	locator, _, err := s.content.Store(ctx, up.Data, up.Filename)
	if err != nil {
		return nil, err
	}

	c := &models.Contribution{
		ID:         uuid.NewString(),
		OwnerID:    actor.ID,
		Resolution: resolution,
		Hash:       hash,
		Locator:    locator,
		Filename:   up.Filename,
		Status:     models.StatusDraft,
		PollID:     uuid.NewString(),
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Polls(tx).Create(ctx, c.PollID); err != nil {
			return fmt.Errorf("error creating poll: %w", err)
		}
		return s.repomanager.Contributions(tx).Insert(ctx, c)
	})
	if err != nil {
		// A concurrent upload of the same bytes won the race; the blob it
		// references is the one just written, so it stays.
		if errors.Is(err, common.ErrDuplicateContent) {
			s.metrics.DuplicateUpload()
			return nil, err
		}
		s.removeUnreferenced(ctx, locator)
		return nil, err
	}

	s.metrics.ContributionCreated()
	s.log.Info(ctx, "draft created", "contribution_id", c.ID, "owner_id", c.OwnerID, "hash", hash)
	return c, nil
}

// CreateDrafts runs CreateDraft for every upload. Failures are reported per
// file and never stop the batch.
func (s *ContributionService) CreateDrafts(ctx context.Context, actor auth.Actor, uploads []Upload, resolution models.Resolution) []UploadResult {
	results := make([]UploadResult, 0, len(uploads))
	for _, up := range uploads {
		c, err := s.CreateDraft(ctx, actor, up, resolution)
		results = append(results, UploadResult{Filename: up.Filename, Contribution: c, Err: err})
	}
	return results
}

// AttachTarget edits a DRAFT or REJECTED contribution. Any edit returns it
// to DRAFT and clears its poll, so an edited file is always reviewed again.
func (s *ContributionService) AttachTarget(ctx context.Context, actor auth.Actor, id string, req AttachRequest) (*models.Contribution, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if req.TargetID == "" {
		return nil, fmt.Errorf("%w: target is required", common.ErrValidation)
	}
	if !validID(id) {
		return nil, common.ErrNotFound
	}
	if !validID(req.TargetID) {
		return nil, fmt.Errorf("%w: unknown target %s", common.ErrValidation, req.TargetID)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: metadata is not valid JSON", common.ErrValidation)
	}

	var result *models.Contribution
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Contributions(tx)

		c, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !c.IsOwner(actor.ID) && !actor.IsAdmin() {
			return common.ErrForbidden
		}

		next, err := models.Advance(c.Status, models.EventEdit)
		if err != nil {
			return err
		}

		if _, err := s.repomanager.Textures(tx).Get(ctx, req.TargetID); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return fmt.Errorf("%w: unknown target %s", common.ErrValidation, req.TargetID)
			}
			return err
		}

		coAuthors, err := s.resolveCoAuthors(ctx, tx, c.OwnerID, req.CoAuthors)
		if err != nil {
			return err
		}

		target := req.TargetID
		c.TargetID = &target
		c.Metadata = req.Metadata
		c.Status = next
		c.CoAuthors = coAuthors

		if err := repo.UpdateDraft(ctx, c); err != nil {
			return err
		}
		if err := repo.SetCoAuthors(ctx, c.ID, coAuthors); err != nil {
			return err
		}
		if err := s.repomanager.Polls(tx).Clear(ctx, c.PollID); err != nil {
			return fmt.Errorf("error clearing poll: %w", err)
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "contribution edited", "contribution_id", id, "target_id", req.TargetID)
	return result, nil
}

// resolveCoAuthors drops duplicates and the owner and checks that every
// remaining user exists.
func (s *ContributionService) resolveCoAuthors(ctx context.Context, tx dbx.DBTX, ownerID string, ids []string) ([]string, error) {
	users := s.repomanager.Users(tx)
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == ownerID || seen[id] {
			continue
		}
		seen[id] = true
		if !validID(id) {
			return nil, fmt.Errorf("%w: unknown co-author %s", common.ErrValidation, id)
		}
		if _, err := users.GetByID(ctx, id); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown co-author %s", common.ErrValidation, id)
			}
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Submit moves the caller's DRAFT contributions with a target to PENDING.
// Ids that are missing, not owned by the caller, untargeted or not in DRAFT
// are skipped. Only infrastructure failures are returned as errors, together
// with the progress made so far.
func (s *ContributionService) Submit(ctx context.Context, actor auth.Actor, ids []string) (*SubmitResult, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}

	result := &SubmitResult{}
	for _, id := range ids {
		if !validID(id) {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		var submitted bool
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := s.repomanager.Contributions(tx)
			c, err := repo.GetForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					return nil
				}
				return err
			}
			if !c.IsOwner(actor.ID) || c.TargetID == nil {
				return nil
			}
			next, err := models.Advance(c.Status, models.EventSubmit)
			if err != nil {
				return nil
			}
			if err := repo.UpdateStatus(ctx, c.ID, next); err != nil {
				return err
			}
			submitted = true
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("error submitting %s: %w", id, err)
		}
		if submitted {
			result.Submitted = append(result.Submitted, id)
		} else {
			result.Skipped = append(result.Skipped, id)
		}
	}

	if len(result.Submitted) > 0 {
		s.log.Info(ctx, "contributions submitted", "owner_id", actor.ID, "count", len(result.Submitted))
	}
	return result, nil
}

// validID reports whether id can name a stored record; record ids are UUIDs.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}

type deleteOutcome int

const (
	outcomeSkipped deleteOutcome = iota
	outcomeDeleted
	outcomeDisconnected
)

// Delete decides per id: the owner (or an admin) removes the contribution and
// its stored file, a co-author is only detached from it, anybody else is
// skipped. Stored files still referenced by another contribution are kept.
func (s *ContributionService) Delete(ctx context.Context, actor auth.Actor, ids []string) (*DeleteResult, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}

	result := &DeleteResult{}
	var storageErrs []error

	for _, id := range ids {
		if !validID(id) {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		var (
			outcome deleteOutcome
			locator string
		)
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := s.repomanager.Contributions(tx)
			c, err := repo.GetForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					return nil
				}
				return err
			}
			switch {
			case c.IsOwner(actor.ID) || actor.IsAdmin():
				if err := repo.Delete(ctx, c.ID); err != nil {
					return err
				}
				outcome, locator = outcomeDeleted, c.Locator
			case c.IsCoAuthor(actor.ID):
				if err := repo.RemoveCoAuthor(ctx, c.ID, actor.ID); err != nil {
					return err
				}
				outcome = outcomeDisconnected
			}
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("error deleting %s: %w", id, err)
		}

		switch outcome {
		case outcomeDeleted:
			result.Deleted = append(result.Deleted, id)
			if err := s.removeUnreferenced(ctx, locator); err != nil {
				storageErrs = append(storageErrs, err)
			}
		case outcomeDisconnected:
			result.Disconnected = append(result.Disconnected, id)
		default:
			result.Skipped = append(result.Skipped, id)
		}
	}

	s.log.Info(ctx, "contributions deleted", "actor_id", actor.ID,
		"deleted", len(result.Deleted), "disconnected", len(result.Disconnected), "skipped", len(result.Skipped))
	return result, errors.Join(storageErrs...)
}

// removeUnreferenced deletes a stored file once no contribution points at it.
func (s *ContributionService) removeUnreferenced(ctx context.Context, locator string) error {
	if locator == "" {
		return nil
	}
	n, err := s.repomanager.Contributions(s.db).CountByLocator(ctx, locator)
	if err != nil {
		s.log.Error(ctx, "error counting blob references", "locator", locator, "error", err)
		return fmt.Errorf("%w: counting references to %s: %w", common.ErrStorage, locator, err)
	}
	if n > 0 {
		return nil
	}
	if err := s.content.Remove(ctx, locator); err != nil {
		s.log.Error(ctx, "error removing blob", "locator", locator, "error", err)
		return err
	}
	return nil
}

// List returns the caller's contributions, owned or co-authored.
func (s *ContributionService) List(ctx context.Context, actor auth.Actor, filter models.ContributionFilter) ([]*models.Contribution, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", common.ErrValidation, filter.Status)
	}
	if filter.Resolution != "" {
		if _, ok := models.ParseResolution(string(filter.Resolution)); !ok {
			return nil, fmt.Errorf("%w: unsupported resolution %q", common.ErrValidation, filter.Resolution)
		}
	}
	return s.repomanager.Contributions(s.db).ListForUser(ctx, actor.ID, filter)
}

// Get returns one contribution visible to the caller: owners, co-authors and
// reviewers may read it.
func (s *ContributionService) Get(ctx context.Context, actor auth.Actor, id string) (*models.Contribution, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, common.ErrNotFound
	}
	c, err := s.repomanager.Contributions(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsOwner(actor.ID) && !c.IsCoAuthor(actor.ID) && !actor.CanReview() {
		return nil, common.ErrForbidden
	}
	return c, nil
}

// Content returns the stored file of a contribution visible to the caller.
func (s *ContributionService) Content(ctx context.Context, actor auth.Actor, id string) (*models.Contribution, []byte, error) {
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Locator == "" {
		return nil, nil, fmt.Errorf("%w: contribution %s has no stored file", common.ErrNotFound, id)
	}
	data, err := s.content.Read(ctx, c.Locator)
	if err != nil {
		return nil, nil, err
	}
	return c, data, nil
}

// ListPending is the council review queue.
func (s *ContributionService) ListPending(ctx context.Context, actor auth.Actor) ([]PendingContribution, error) {
	if !actor.CanReview() {
		return nil, common.ErrForbidden
	}

	list, err := s.repomanager.Contributions(s.db).ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}
	electorate, err := s.repomanager.Users(s.db).CountByRole(ctx, models.RoleCouncil)
	if err != nil {
		return nil, err
	}

	polls := s.repomanager.Polls(s.db)
	out := make([]PendingContribution, 0, len(list))
	for _, c := range list {
		poll, err := polls.CouncilVotes(ctx, c.PollID)
		if err != nil {
			return nil, fmt.Errorf("error loading poll of %s: %w", c.ID, err)
		}
		out = append(out, PendingContribution{
			Contribution: c,
			Tally:        poll.Tally(),
			Electorate:   electorate,
			MyVote:       voteOf(poll, actor.ID),
		})
	}
	return out, nil
}

func voteOf(p *models.Poll, voterID string) models.Choice {
	for _, id := range p.Upvotes {
		if id == voterID {
			return models.ChoiceUp
		}
	}
	for _, id := range p.Downvotes {
		if id == voterID {
			return models.ChoiceDown
		}
	}
	return models.ChoiceNone
}
