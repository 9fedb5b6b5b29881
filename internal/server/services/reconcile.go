package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/config"
	"github.com/dmitrijs2005/texcouncil/internal/server/forge"
	"github.com/dmitrijs2005/texcouncil/internal/server/keylock"
	"github.com/dmitrijs2005/texcouncil/internal/server/metrics"
	"github.com/dmitrijs2005/texcouncil/internal/server/modarchive"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
)

const (
	listTreeAttempts = 3
	listTreeBackoff  = 500 * time.Millisecond
)

// Reasons an external file was not turned into a contribution.
const (
	SkipUnknownTarget = "unknown_target"
	SkipClaimed       = "claimed_by_other_owner"
)

// SkippedFile is an external file the reconciler could not attach to a
// contribution.
type SkippedFile struct {
	Path   string `json:"path"`
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

// ReconcileResult reports what one reconciliation pass changed.
type ReconcileResult struct {
	Active    []*models.Contribution
	Archived  []string
	Restored  []string
	Created   []string
	Unmatched []SkippedFile
}

// Changed reports whether the pass modified any record.
func (r *ReconcileResult) Changed() bool {
	return len(r.Archived)+len(r.Restored)+len(r.Created) > 0
}

// Reconciler converges the contributions of one owner and resolution to the
// files present in the owner's fork. Files are matched by content hash only,
// so renames in the fork do not affect the records they back.
type Reconciler struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	gateway     forge.Gateway
	locks       keylock.Locker
	cfg         *config.Config
	extensions  map[string]bool
	backoff     time.Duration
	log         logging.Logger
	metrics     *metrics.Metrics
}

func NewReconciler(db *sql.DB, rm repomanager.RepositoryManager, gw forge.Gateway, locks keylock.Locker,
	cfg *config.Config, log logging.Logger, m *metrics.Metrics) *Reconciler {
	exts := make(map[string]bool, len(cfg.TrackedExtensions))
	for _, e := range cfg.TrackedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Reconciler{
		db:          db,
		repomanager: rm,
		gateway:     gw,
		locks:       locks,
		cfg:         cfg,
		extensions:  exts,
		backoff:     listTreeBackoff,
		log:         log.With("module", "reconciler"),
		metrics:     m,
	}
}

func reconcileKey(ownerID string, resolution models.Resolution) string {
	return "reconcile:" + ownerID + ":" + string(resolution)
}

// Reconcile runs one pass for ownerID and resolution:
//
//   - accepted or rejected contributions whose file left the fork are archived;
//   - archived contributions whose file is back are accepted again;
//   - files unknown locally become ACCEPTED contributions, targeted at the
//     catalogue texture named by their path.
//
// The fork is checked and listed before anything is touched. If the
// repository is not a usable fork of the shared repository, or the listing
// fails, the pass returns an error wrapping common.ErrExternalSync and local
// state is unchanged. Running the pass again without external changes is a
// no-op.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID string, resolution models.Resolution) (*ReconcileResult, error) {
	branch, ok := r.cfg.Branch(string(resolution))
	if !ok {
		return nil, fmt.Errorf("%w: no branch for resolution %q", common.ErrValidation, resolution)
	}

	owner, err := r.repomanager.Users(r.db).GetByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner.GitHubLogin == nil || *owner.GitHubLogin == "" {
		return nil, fmt.Errorf("%w: user %s has no linked fork", common.ErrValidation, ownerID)
	}
	login := *owner.GitHubLogin
	log := r.log.With("owner_id", ownerID, "resolution", resolution)

	key := reconcileKey(ownerID, resolution)
	unlock, err := r.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	files, err := r.fetch(ctx, login, branch)
	if err != nil {
		r.metrics.ReconcileRun("failed")
		log.Warn(ctx, "fork listing failed, nothing reconciled", "login", login, "error", err)
		return nil, fmt.Errorf("%w: fork of %s: %w", common.ErrExternalSync, login, err)
	}

	result := &ReconcileResult{}
	err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		result = &ReconcileResult{}
		return r.apply(ctx, tx, key, ownerID, resolution, files, result)
	})
	if err != nil {
		r.metrics.ReconcileRun("failed")
		return nil, err
	}

	list, err := r.repomanager.Contributions(r.db).ListByOwnerResolution(ctx, ownerID, resolution)
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if c.Status.Active() {
			result.Active = append(result.Active, c)
		}
	}

	r.metrics.ReconcileRun("ok")
	r.metrics.ReconcileChanges("archived", len(result.Archived))
	r.metrics.ReconcileChanges("restored", len(result.Restored))
	r.metrics.ReconcileChanges("created", len(result.Created))
	for range result.Created {
		r.metrics.ContributionCreated()
	}
	if result.Changed() {
		log.Info(ctx, "fork reconciled", "archived", len(result.Archived), "restored", len(result.Restored),
			"created", len(result.Created), "unmatched", len(result.Unmatched))
	}
	return result, nil
}

func retryableHostError(err error) error {
	if err != nil && forge.IsRetryable(err) {
		return retry.RetryableError(err)
	}
	return err
}

// fetch confirms login's repository is a ready fork of the shared repository,
// then lists it. Both calls are retried on transient host errors. Tracked
// file types are kept, one record per hash.
func (r *Reconciler) fetch(ctx context.Context, login, branch string) (map[string]models.ExternalFileRecord, error) {
	var records []models.ExternalFileRecord
	backoff := retry.WithMaxRetries(listTreeAttempts-1, retry.NewExponential(r.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		info, err := r.gateway.ForkStatus(ctx, login)
		if err != nil {
			return retryableHostError(err)
		}
		switch info.State {
		case models.ForkReady:
		case models.ForkAbsent:
			return forge.ErrForkAbsent
		default:
			return fmt.Errorf("fork of %s is %s: %s", login, info.State, info.Error)
		}
		records, err = r.gateway.ListTree(ctx, login, branch)
		return retryableHostError(err)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

	files := make(map[string]models.ExternalFileRecord, len(records))
	for _, rec := range records {
		if len(r.extensions) > 0 && !r.extensions[strings.ToLower(path.Ext(rec.Path))] {
			continue
		}
		if _, dup := files[rec.Hash]; !dup {
			files[rec.Hash] = rec
		}
	}
	return files, nil
}

func (r *Reconciler) apply(ctx context.Context, tx dbx.DBTX, key, ownerID string, resolution models.Resolution,
	files map[string]models.ExternalFileRecord, result *ReconcileResult) error {
	repo := r.repomanager.Contributions(tx)

	if err := repo.LockScope(ctx, key); err != nil {
		return err
	}

	local, err := repo.ListByOwnerResolution(ctx, ownerID, resolution)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(local))
	activeHashes := make(map[string]bool, len(local))
	for _, c := range local {
		known[c.Hash] = true
		if c.Status.Active() {
			activeHashes[c.Hash] = true
		}
	}

	// Archive pass. DRAFT and PENDING records are still under review and do
	// not depend on the fork.
	for _, c := range local {
		if _, present := files[c.Hash]; present || !models.Can(c.Status, models.EventExternalRemoved) {
			continue
		}
		next, err := models.Advance(c.Status, models.EventExternalRemoved)
		if err != nil {
			return err
		}
		if err := repo.UpdateStatus(ctx, c.ID, next); err != nil {
			return err
		}
		result.Archived = append(result.Archived, c.ID)
	}

	// Restore pass: one archived record per reappearing hash.
	for _, c := range local {
		if c.Status != models.StatusArchived || activeHashes[c.Hash] {
			continue
		}
		if _, present := files[c.Hash]; !present {
			continue
		}
		if _, err := repo.GetActiveByHash(ctx, c.Hash); err == nil {
			continue
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		next, err := models.Advance(c.Status, models.EventExternalPresent)
		if err != nil {
			return err
		}
		if err := repo.UpdateStatus(ctx, c.ID, next); err != nil {
			return err
		}
		activeHashes[c.Hash] = true
		result.Restored = append(result.Restored, c.ID)
	}

	// Create pass, in path order for stable results.
	hashes := make([]string, 0, len(files))
	for h := range files {
		if !known[h] {
			hashes = append(hashes, h)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return files[hashes[i]].Path < files[hashes[j]].Path })

	textures := r.repomanager.Textures(tx)
	polls := r.repomanager.Polls(tx)
	for _, h := range hashes {
		rec := files[h]

		if _, err := repo.GetActiveByHash(ctx, h); err == nil {
			result.Unmatched = append(result.Unmatched, SkippedFile{Path: rec.Path, Hash: h, Reason: SkipClaimed})
			continue
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}

		_, name := modarchive.TextureName(rec.Path)
		target, err := textures.FindByName(ctx, name)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				result.Unmatched = append(result.Unmatched, SkippedFile{Path: rec.Path, Hash: h, Reason: SkipUnknownTarget})
				continue
			}
			return err
		}

		targetID := target.ID
		c := &models.Contribution{
			ID:         uuid.NewString(),
			OwnerID:    ownerID,
			TargetID:   &targetID,
			Resolution: resolution,
			Hash:       h,
			Filename:   path.Base(rec.Path),
			Status:     models.StatusAccepted,
			PollID:     uuid.NewString(),
		}
		if err := polls.Create(ctx, c.PollID); err != nil {
			return fmt.Errorf("error creating poll: %w", err)
		}
		if err := repo.Insert(ctx, c); err != nil {
			return err
		}
		result.Created = append(result.Created, c.ID)
	}
	return nil
}

// ReconcileTarget names one owner and resolution to reconcile.
type ReconcileTarget struct {
	OwnerID    string
	Resolution models.Resolution
}

// Targets lists every owner with a linked fork for every resolution.
func (r *Reconciler) Targets(ctx context.Context) ([]ReconcileTarget, error) {
	owners, err := r.repomanager.Users(r.db).ListForkOwners(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ReconcileTarget, 0, len(owners)*len(models.Resolutions))
	for _, o := range owners {
		for _, res := range models.Resolutions {
			if _, ok := r.cfg.Branch(string(res)); !ok {
				continue
			}
			out = append(out, ReconcileTarget{OwnerID: o.UserID, Resolution: res})
		}
	}
	return out, nil
}
