package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/forge"
	"github.com/dmitrijs2005/texcouncil/internal/server/keylock"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
)

type fakeGateway struct {
	mu        sync.Mutex
	trees     map[string][]models.ExternalFileRecord // login/branch -> files
	listErr   []error                                // consumed one per ListTree call
	statusErr []error                                // consumed one per ForkStatus call
	calls     int
	statuses  int

	forks   map[string]models.ForkInfo
	created []string
	deleted []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{trees: map[string][]models.ExternalFileRecord{}, forks: map[string]models.ForkInfo{}}
}

func (g *fakeGateway) setTree(login, branch string, files ...models.ExternalFileRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trees[login+"/"+branch] = files
	if _, ok := g.forks[login]; !ok {
		g.forks[login] = models.ForkInfo{Login: login, State: models.ForkReady}
	}
}

func (g *fakeGateway) CreateFork(_ context.Context, login string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, login)
	g.forks[login] = models.ForkInfo{Login: login, State: models.ForkReady, URL: "https://example.test/" + login}
	return nil
}

func (g *fakeGateway) ForkStatus(_ context.Context, login string) (models.ForkInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses++
	if len(g.statusErr) > 0 {
		err := g.statusErr[0]
		g.statusErr = g.statusErr[1:]
		if err != nil {
			return models.ForkInfo{}, err
		}
	}
	if info, ok := g.forks[login]; ok {
		return info, nil
	}
	return models.ForkInfo{Login: login, State: models.ForkAbsent}, nil
}

func (g *fakeGateway) ListTree(_ context.Context, login, branch string) ([]models.ExternalFileRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.listErr) > 0 {
		err := g.listErr[0]
		g.listErr = g.listErr[1:]
		if err != nil {
			return nil, err
		}
	}
	files, ok := g.trees[login+"/"+branch]
	if !ok {
		return nil, forge.ErrForkAbsent
	}
	return append([]models.ExternalFileRecord(nil), files...), nil
}

func (g *fakeGateway) DeleteFork(_ context.Context, login string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, login)
	delete(g.forks, login)
	return nil
}

type reconcileFixture struct {
	state *memState
	gw    *fakeGateway
	svc   *Reconciler
	owner *models.User
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	state := newMemState()
	gw := newFakeGateway()
	svc := NewReconciler(newTxDB(t), &fakeRepoManager{s: state}, gw, keylock.NewLocal(), testConfig(), logging.Nop(), nil)
	svc.backoff = time.Millisecond
	owner := state.addUser(models.RoleUser, "alice")
	return &reconcileFixture{state: state, gw: gw, svc: svc, owner: owner}
}

func file(path, hash string) models.ExternalFileRecord {
	return models.ExternalFileRecord{Path: path, Hash: hash, Size: 10}
}

func TestReconcile_Convergence(t *testing.T) {
	f := newReconcileFixture(t)
	f.state.addTexture("minecraft:block/dirt")
	h1 := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "h1", Status: models.StatusAccepted})
	h3 := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "h3", Status: models.StatusAccepted})
	f.gw.setTree("alice", "java-32x",
		file("assets/minecraft/textures/block/stone_renamed.png", "h1"),
		file("assets/minecraft/textures/block/dirt.png", "h2"),
	)
	ctx := context.Background()

	res, err := f.svc.Reconcile(ctx, f.owner.ID, models.Resolution32x)
	require.NoError(t, err)

	assert.Equal(t, []string{h3.ID}, res.Archived)
	require.Len(t, res.Created, 1)
	assert.Empty(t, res.Restored)
	assert.Equal(t, []string{"h1", "h2"}, f.state.activeHashes(f.owner.ID, models.Resolution32x))
	assert.Equal(t, models.StatusArchived, f.state.contribution(h3.ID).Status)
	assert.Equal(t, models.StatusAccepted, f.state.contribution(h1.ID).Status)

	created := f.state.contribution(res.Created[0])
	assert.Equal(t, models.StatusAccepted, created.Status)
	assert.Equal(t, "dirt.png", created.Filename)
	require.NotNil(t, created.TargetID)

	var activeHashes []string
	for _, c := range res.Active {
		activeHashes = append(activeHashes, c.Hash)
	}
	assert.ElementsMatch(t, []string{"h1", "h2"}, activeHashes)

	again, err := f.svc.Reconcile(ctx, f.owner.ID, models.Resolution32x)
	require.NoError(t, err)
	assert.False(t, again.Changed())
	assert.Equal(t, []string{"h1", "h2"}, f.state.activeHashes(f.owner.ID, models.Resolution32x))
	assert.Equal(t, models.StatusArchived, f.state.contribution(h3.ID).Status)

	assert.Contains(t, f.state.lockScopes, reconcileKey(f.owner.ID, models.Resolution32x))
}

func TestReconcile_ReviewInProgressUntouched(t *testing.T) {
	f := newReconcileFixture(t)
	draft := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "d", Status: models.StatusDraft})
	pending := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "p", Status: models.StatusPending})
	rejected := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "r", Status: models.StatusRejected})
	f.gw.setTree("alice", "java-32x")

	res, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution32x)
	require.NoError(t, err)

	assert.Equal(t, []string{rejected.ID}, res.Archived)
	assert.Equal(t, models.StatusDraft, f.state.contribution(draft.ID).Status)
	assert.Equal(t, models.StatusPending, f.state.contribution(pending.ID).Status)
}

func TestReconcile_RestoresArchivedWhenFileReturns(t *testing.T) {
	f := newReconcileFixture(t)
	old := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "h", Status: models.StatusArchived})
	older := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "h", Status: models.StatusArchived})
	f.gw.setTree("alice", "java-32x", file("assets/minecraft/textures/block/x.png", "h"))

	res, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution32x)
	require.NoError(t, err)

	assert.Equal(t, []string{old.ID}, res.Restored)
	assert.Empty(t, res.Created)
	assert.Equal(t, models.StatusAccepted, f.state.contribution(old.ID).Status)
	assert.Equal(t, models.StatusArchived, f.state.contribution(older.ID).Status)
}

func TestReconcile_SkipsUnknownTargetsClaimedHashesAndUntrackedFiles(t *testing.T) {
	f := newReconcileFixture(t)
	other := f.state.addUser(models.RoleUser, "bob")
	f.state.addContribution(models.Contribution{OwnerID: other.ID, Hash: "taken", Status: models.StatusPending})
	f.gw.setTree("alice", "java-32x",
		file("assets/minecraft/textures/block/unknown.png", "u"),
		file("assets/minecraft/textures/block/taken.png", "taken"),
		file("assets/minecraft/models/block/stone.json", "json"),
		file("README.md", "readme"),
	)

	res, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution32x)
	require.NoError(t, err)

	assert.Empty(t, res.Created)
	assert.ElementsMatch(t, []SkippedFile{
		{Path: "assets/minecraft/textures/block/unknown.png", Hash: "u", Reason: SkipUnknownTarget},
		{Path: "assets/minecraft/textures/block/taken.png", Hash: "taken", Reason: SkipClaimed},
	}, res.Unmatched)
}

func TestReconcile_ResolvesTargetThroughAlias(t *testing.T) {
	f := newReconcileFixture(t)
	tex := f.state.addTexture("minecraft:block/grass_block_side", "minecraft:block/grass_side")
	f.gw.setTree("alice", "java-64x", file("assets/minecraft/textures/block/grass_side.png", "g"))

	res, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution64x)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	c := f.state.contribution(res.Created[0])
	assert.Equal(t, tex.ID, *c.TargetID)
	assert.Equal(t, models.Resolution64x, c.Resolution)
}

func TestReconcile_FetchFailureLeavesStateUntouched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	state := newMemState()
	gw := newFakeGateway()
	svc := NewReconciler(db, &fakeRepoManager{s: state}, gw, keylock.NewLocal(), testConfig(), logging.Nop(), nil)
	svc.backoff = time.Millisecond
	owner := state.addUser(models.RoleUser, "alice")
	c := state.addContribution(models.Contribution{OwnerID: owner.ID, Hash: "h", Status: models.StatusAccepted})
	gw.setTree("alice", "java-32x")

	tests := []struct {
		name string
		err  error
	}{
		{"absent fork", forge.ErrForkAbsent},
		{"truncated tree", forge.ErrTreeTruncated},
		{"server error", &forge.APIError{StatusCode: 502, Message: "bad gateway"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw.listErr = []error{tt.err, tt.err, tt.err}
			_, err := svc.Reconcile(context.Background(), owner.ID, models.Resolution32x)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrExternalSync)
			assert.Equal(t, models.StatusAccepted, state.contribution(c.ID).Status)
		})
	}
	// No transaction was ever opened.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_WriteFailureRollsBackEarlierChanges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	require.NoError(t, err)
	gw := newFakeGateway()
	gw.setTree("alice", "java-32x", file("assets/minecraft/textures/block/dirt.png", "new"))
	svc := NewReconciler(db, rm, gw, keylock.NewLocal(), testConfig(), logging.Nop(), nil)

	const (
		ownerID   = "1a7e4c2b-9d3f-4e51-8b60-2f4d6a8c0e19"
		goneID    = "5c8b2e4f-3a1d-4f6e-9b7c-0d2e4f6a8b13"
		textureID = "9e3d5f7a-1b2c-4d8e-a6f0-7c9b1d3e5f24"
	)
	now := time.Now()
	contributionColumns := []string{"id", "owner_id", "target_id", "resolution", "hash", "locator", "filename",
		"metadata", "status", "poll_id", "created_at", "updated_at", "coauthors"}

	mock.ExpectQuery(`SELECT id, username, role, github_login, created_at FROM users`).
		WithArgs(ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "role", "github_login", "created_at"}).
			AddRow(ownerID, "alice", "user", "alice", now))
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(reconcileKey(ownerID, models.Resolution32x)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE c\.owner_id = \$1 AND c\.resolution = \$2`).
		WithArgs(ownerID, "32x").
		WillReturnRows(sqlmock.NewRows(contributionColumns).
			AddRow(goneID, ownerID, nil, "32x", "gone", "", "gone.png", nil, "accepted", "", now, now, ""))
	mock.ExpectExec(`UPDATE contributions SET status = \$2`).
		WithArgs(goneID, "archived").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`WHERE c\.hash = \$1 AND c\.status <> 'archived'`).
		WithArgs("new").
		WillReturnRows(sqlmock.NewRows(contributionColumns))
	mock.ExpectQuery(`FROM textures t\s+WHERE t\.name = \$1`).
		WithArgs("minecraft:block/dirt").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "hash", "locator", "width", "height", "aliases"}).
			AddRow(textureID, "minecraft:block/dirt", nil, nil, 16, 16, ""))
	mock.ExpectExec(`INSERT INTO polls`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO contributions`).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	res, err := svc.Reconcile(context.Background(), ownerID, models.Resolution32x)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.NotErrorIs(t, err, common.ErrExternalSync)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_RetriesTransientErrors(t *testing.T) {
	f := newReconcileFixture(t)
	f.gw.listErr = []error{&forge.APIError{StatusCode: 503, Message: "unavailable"}, nil}
	f.gw.setTree("alice", "java-32x")

	_, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution32x)
	require.NoError(t, err)
	assert.Equal(t, 2, f.gw.calls)
}

func TestReconcile_RepositoryMustBeReadyFork(t *testing.T) {
	tests := []struct {
		name string
		info models.ForkInfo
		want error
	}{
		{"no repository", models.ForkInfo{Login: "alice", State: models.ForkAbsent}, forge.ErrForkAbsent},
		{"unrelated repository", models.ForkInfo{Login: "alice", State: models.ForkFailed, Error: "alice/App is not a fork of faithful/app"}, nil},
		{"fork still being created", models.ForkInfo{Login: "alice", State: models.ForkPending}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcileFixture(t)
			c := f.state.addContribution(models.Contribution{OwnerID: f.owner.ID, Hash: "h", Status: models.StatusAccepted})
			f.gw.setTree("alice", "java-32x", file("assets/minecraft/textures/block/dirt.png", "d"))
			f.gw.forks["alice"] = tt.info

			_, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution32x)
			require.ErrorIs(t, err, common.ErrExternalSync)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, 1, f.gw.statuses)
			assert.Zero(t, f.gw.calls)
			assert.Equal(t, models.StatusAccepted, f.state.contribution(c.ID).Status)
			assert.Equal(t, []string{"h"}, f.state.activeHashes(f.owner.ID, models.Resolution32x))
		})
	}
}

func TestReconcile_RetriesTransientForkStatusErrors(t *testing.T) {
	f := newReconcileFixture(t)
	f.gw.statusErr = []error{&forge.APIError{StatusCode: 502, Message: "bad gateway"}, nil}
	f.gw.setTree("alice", "java-32x")

	_, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution32x)
	require.NoError(t, err)
	assert.Equal(t, 2, f.gw.statuses)
	assert.Equal(t, 1, f.gw.calls)
}

func TestReconcile_RequiresLinkedForkAndBranch(t *testing.T) {
	f := newReconcileFixture(t)
	nobody := f.state.addUser(models.RoleUser, "")

	_, err := f.svc.Reconcile(context.Background(), nobody.ID, models.Resolution32x)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution("16x"))
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = f.svc.Reconcile(context.Background(), "ghost", models.Resolution32x)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReconcile_DatabaseFailureReported(t *testing.T) {
	f := newReconcileFixture(t)
	f.gw.setTree("alice", "java-32x")
	f.state.fail["ListByOwnerResolution"] = errors.New("db down")

	_, err := f.svc.Reconcile(context.Background(), f.owner.ID, models.Resolution32x)
	assert.Error(t, err)
}

func TestReconciler_Targets(t *testing.T) {
	f := newReconcileFixture(t)
	f.state.addUser(models.RoleUser, "")

	targets, err := f.svc.Targets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ReconcileTarget{
		{OwnerID: f.owner.ID, Resolution: models.Resolution32x},
		{OwnerID: f.owner.ID, Resolution: models.Resolution64x},
	}, targets)
}
