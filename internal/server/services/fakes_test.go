package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/server/config"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/contributions"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/mods"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/polls"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/textures"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/users"
	"github.com/dmitrijs2005/texcouncil/internal/server/storage"
)

// -------- in-memory state shared by the fake repositories --------

type memState struct {
	mu sync.Mutex

	users         map[string]*models.User
	contributions map[string]*models.Contribution
	polls         map[string]map[string]models.Choice
	textures      map[string]*models.Texture
	mods          map[string]*models.Mod
	versions      map[string]*models.ModVersion
	links         map[[2]string]bool
	lockScopes    []string

	clock time.Time
	// fail makes the named repository method return the error.
	fail map[string]error
}

func newMemState() *memState {
	return &memState{
		users:         map[string]*models.User{},
		contributions: map[string]*models.Contribution{},
		polls:         map[string]map[string]models.Choice{},
		textures:      map[string]*models.Texture{},
		mods:          map[string]*models.Mod{},
		versions:      map[string]*models.ModVersion{},
		links:         map[[2]string]bool{},
		clock:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		fail:          map[string]error{},
	}
}

func (m *memState) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memState) failure(method string) error {
	return m.fail[method]
}

func (m *memState) addUser(role models.Role, login string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &models.User{ID: uuid.NewString(), UserName: uuid.NewString()[:8], Role: role, CreatedAt: m.tick()}
	if login != "" {
		l := login
		u.GitHubLogin = &l
	}
	m.users[u.ID] = u
	return u
}

func (m *memState) addTexture(name string, aliases ...string) *models.Texture {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &models.Texture{ID: uuid.NewString(), Name: name, Aliases: aliases, CreatedAt: m.tick()}
	m.textures[t.ID] = t
	return t
}

// addContribution inserts a record directly, bypassing services.
func (m *memState) addContribution(c models.Contribution) *models.Contribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.PollID == "" {
		c.PollID = uuid.NewString()
	}
	if c.Resolution == "" {
		c.Resolution = models.Resolution32x
	}
	c.CreatedAt = m.tick()
	m.polls[c.PollID] = map[string]models.Choice{}
	m.contributions[c.ID] = &c
	return cloneContribution(&c)
}

func (m *memState) contribution(id string) *models.Contribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributions[id]
	if !ok {
		return nil
	}
	return cloneContribution(c)
}

func (m *memState) votes(pollID string) map[string]models.Choice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]models.Choice{}
	for k, v := range m.polls[pollID] {
		out[k] = v
	}
	return out
}

func (m *memState) activeHashes(ownerID string, res models.Resolution) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.contributions {
		if c.OwnerID == ownerID && c.Resolution == res && c.Status.Active() {
			out = append(out, c.Hash)
		}
	}
	sort.Strings(out)
	return out
}

func cloneContribution(c *models.Contribution) *models.Contribution {
	cp := *c
	cp.CoAuthors = append([]string(nil), c.CoAuthors...)
	if c.TargetID != nil {
		t := *c.TargetID
		cp.TargetID = &t
	}
	return &cp
}

func sortedContributions(list []*models.Contribution) []*models.Contribution {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// -------- contributions --------

type fakeContributionsRepo struct {
	contributions.Repository
	s *memState
}

func (f *fakeContributionsRepo) Insert(_ context.Context, c *models.Contribution) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.failure("Insert"); err != nil {
		return err
	}
	for _, other := range f.s.contributions {
		if other.Hash == c.Hash && other.Status.Active() && c.Status.Active() {
			return &common.DuplicateContentError{Hash: c.Hash}
		}
	}
	c.CreatedAt = f.s.tick()
	c.UpdatedAt = c.CreatedAt
	f.s.contributions[c.ID] = cloneContribution(c)
	return nil
}

func (f *fakeContributionsRepo) get(id string) (*models.Contribution, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.failure("Get"); err != nil {
		return nil, err
	}
	if uuid.Validate(id) != nil {
		// Postgres rejects the value before looking for a row.
		return nil, &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"}
	}
	c, ok := f.s.contributions[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneContribution(c), nil
}

func (f *fakeContributionsRepo) Get(_ context.Context, id string) (*models.Contribution, error) {
	return f.get(id)
}

func (f *fakeContributionsRepo) GetForUpdate(_ context.Context, id string) (*models.Contribution, error) {
	return f.get(id)
}

func (f *fakeContributionsRepo) GetActiveByHash(_ context.Context, hash string) (*models.Contribution, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.failure("GetActiveByHash"); err != nil {
		return nil, err
	}
	for _, c := range f.s.contributions {
		if c.Hash == hash && c.Status.Active() {
			return cloneContribution(c), nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeContributionsRepo) list(match func(*models.Contribution) bool) []*models.Contribution {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*models.Contribution
	for _, c := range f.s.contributions {
		if match(c) {
			out = append(out, cloneContribution(c))
		}
	}
	return sortedContributions(out)
}

func (f *fakeContributionsRepo) ListForUser(_ context.Context, userID string, filter models.ContributionFilter) ([]*models.Contribution, error) {
	return f.list(func(c *models.Contribution) bool {
		if !c.IsOwner(userID) && !c.IsCoAuthor(userID) {
			return false
		}
		if filter.Resolution != "" && c.Resolution != filter.Resolution {
			return false
		}
		if filter.Status == "" {
			return c.Status.Active()
		}
		return c.Status == filter.Status
	}), nil
}

func (f *fakeContributionsRepo) ListByOwnerResolution(_ context.Context, ownerID string, resolution models.Resolution) ([]*models.Contribution, error) {
	if err := f.s.failure("ListByOwnerResolution"); err != nil {
		return nil, err
	}
	return f.list(func(c *models.Contribution) bool {
		return c.OwnerID == ownerID && c.Resolution == resolution
	}), nil
}

func (f *fakeContributionsRepo) ListByStatus(_ context.Context, status models.Status) ([]*models.Contribution, error) {
	return f.list(func(c *models.Contribution) bool { return c.Status == status }), nil
}

func (f *fakeContributionsRepo) UpdateStatus(_ context.Context, id string, status models.Status) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.failure("UpdateStatus"); err != nil {
		return err
	}
	c, ok := f.s.contributions[id]
	if !ok {
		return common.ErrNotFound
	}
	if status.Active() && !c.Status.Active() {
		for _, other := range f.s.contributions {
			if other.ID != id && other.Hash == c.Hash && other.Status.Active() {
				return common.ErrDuplicateContent
			}
		}
	}
	c.Status = status
	c.UpdatedAt = f.s.tick()
	return nil
}

func (f *fakeContributionsRepo) UpdateDraft(_ context.Context, in *models.Contribution) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	c, ok := f.s.contributions[in.ID]
	if !ok {
		return common.ErrNotFound
	}
	c.TargetID = in.TargetID
	c.Metadata = in.Metadata
	c.Status = in.Status
	c.UpdatedAt = f.s.tick()
	return nil
}

func (f *fakeContributionsRepo) SetCoAuthors(_ context.Context, id string, userIDs []string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	c, ok := f.s.contributions[id]
	if !ok {
		return common.ErrNotFound
	}
	c.CoAuthors = append([]string(nil), userIDs...)
	return nil
}

func (f *fakeContributionsRepo) RemoveCoAuthor(_ context.Context, id, userID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	c, ok := f.s.contributions[id]
	if !ok {
		return common.ErrNotFound
	}
	kept := c.CoAuthors[:0]
	found := false
	for _, a := range c.CoAuthors {
		if a == userID {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return common.ErrNotFound
	}
	c.CoAuthors = kept
	return nil
}

func (f *fakeContributionsRepo) Delete(_ context.Context, id string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	c, ok := f.s.contributions[id]
	if !ok {
		return common.ErrNotFound
	}
	delete(f.s.polls, c.PollID)
	delete(f.s.contributions, id)
	return nil
}

func (f *fakeContributionsRepo) CountByLocator(_ context.Context, locator string) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if err := f.s.failure("CountByLocator"); err != nil {
		return 0, err
	}
	n := 0
	for _, c := range f.s.contributions {
		if c.Locator == locator {
			n++
		}
	}
	return n, nil
}

func (f *fakeContributionsRepo) LockScope(_ context.Context, key string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.lockScopes = append(f.s.lockScopes, key)
	return nil
}

// -------- polls --------

type fakePollsRepo struct {
	polls.Repository
	s *memState
}

func (f *fakePollsRepo) Create(_ context.Context, id string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.polls[id] = map[string]models.Choice{}
	return nil
}

func (f *fakePollsRepo) UpsertVote(_ context.Context, pollID, voterID string, choice models.Choice) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p, ok := f.s.polls[pollID]
	if !ok {
		return common.ErrNotFound
	}
	p[voterID] = choice
	return nil
}

func (f *fakePollsRepo) DeleteVote(_ context.Context, pollID, voterID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	delete(f.s.polls[pollID], voterID)
	return nil
}

func (f *fakePollsRepo) Clear(_ context.Context, pollID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.polls[pollID] = map[string]models.Choice{}
	return nil
}

func (f *fakePollsRepo) CouncilVotes(_ context.Context, pollID string) (*models.Poll, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p := &models.Poll{ID: pollID}
	for voter, choice := range f.s.polls[pollID] {
		u, ok := f.s.users[voter]
		if !ok || u.Role != models.RoleCouncil {
			continue
		}
		if choice == models.ChoiceUp {
			p.Upvotes = append(p.Upvotes, voter)
		} else {
			p.Downvotes = append(p.Downvotes, voter)
		}
	}
	sort.Strings(p.Upvotes)
	sort.Strings(p.Downvotes)
	return p, nil
}

// -------- users --------

type fakeUsersRepo struct {
	users.Repository
	s *memState
}

func (f *fakeUsersRepo) Create(_ context.Context, u *models.User) (*models.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, other := range f.s.users {
		if other.UserName == u.UserName {
			return nil, common.ErrValidation
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = f.s.tick()
	cp := *u
	f.s.users[u.ID] = &cp
	return u, nil
}

func (f *fakeUsersRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	u, ok := f.s.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsersRepo) CountByRole(_ context.Context, role models.Role) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	n := 0
	for _, u := range f.s.users {
		if u.Role == role {
			n++
		}
	}
	return n, nil
}

func (f *fakeUsersRepo) SetGitHubLogin(_ context.Context, id string, login *string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	u, ok := f.s.users[id]
	if !ok {
		return common.ErrNotFound
	}
	if login == nil {
		u.GitHubLogin = nil
		return nil
	}
	l := *login
	u.GitHubLogin = &l
	return nil
}

func (f *fakeUsersRepo) ListForkOwners(_ context.Context) ([]models.ForkOwner, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []models.ForkOwner
	for _, u := range f.s.users {
		if u.GitHubLogin != nil {
			out = append(out, models.ForkOwner{UserID: u.ID, GitHubLogin: *u.GitHubLogin})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// -------- textures --------

type fakeTexturesRepo struct {
	textures.Repository
	s *memState
}

func cloneTexture(t *models.Texture) *models.Texture {
	cp := *t
	cp.Aliases = append([]string(nil), t.Aliases...)
	return &cp
}

func (f *fakeTexturesRepo) Get(_ context.Context, id string) (*models.Texture, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	t, ok := f.s.textures[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneTexture(t), nil
}

func (f *fakeTexturesRepo) FindByName(_ context.Context, name string) (*models.Texture, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, t := range f.s.textures {
		if t.Name == name {
			return cloneTexture(t), nil
		}
	}
	for _, t := range f.s.textures {
		for _, a := range t.Aliases {
			if a == name {
				return cloneTexture(t), nil
			}
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeTexturesRepo) GetByHash(_ context.Context, hash string) (*models.Texture, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, t := range f.s.textures {
		if t.Hash != nil && *t.Hash == hash {
			return cloneTexture(t), nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeTexturesRepo) Insert(_ context.Context, t *models.Texture) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, other := range f.s.textures {
		if other.Name == t.Name {
			return common.ErrDuplicateContent
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = f.s.tick()
	f.s.textures[t.ID] = cloneTexture(t)
	return nil
}

func (f *fakeTexturesRepo) SetImage(_ context.Context, t *models.Texture) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	cur, ok := f.s.textures[t.ID]
	if !ok {
		return common.ErrNotFound
	}
	cur.Hash, cur.Locator, cur.Width, cur.Height = t.Hash, t.Locator, t.Width, t.Height
	return nil
}

func (f *fakeTexturesRepo) AddAlias(_ context.Context, textureID, alias string) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	t, ok := f.s.textures[textureID]
	if !ok {
		return false, common.ErrNotFound
	}
	for _, other := range f.s.textures {
		for _, a := range other.Aliases {
			if a == alias {
				return false, nil
			}
		}
	}
	t.Aliases = append(t.Aliases, alias)
	return true, nil
}

// -------- mods --------

type fakeModsRepo struct {
	mods.Repository
	s *memState
}

func (f *fakeModsRepo) UpsertMod(_ context.Context, m *models.Mod) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, cur := range f.s.mods {
		if cur.Identifier == m.Identifier {
			cur.Name = m.Name
			m.ID = cur.ID
			return nil
		}
	}
	m.ID = uuid.NewString()
	cp := *m
	f.s.mods[m.ID] = &cp
	return nil
}

func (f *fakeModsRepo) UpsertVersion(_ context.Context, v *models.ModVersion) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, cur := range f.s.versions {
		if cur.ModID == v.ModID && cur.Version == v.Version {
			v.ID = cur.ID
			return nil
		}
	}
	v.ID = uuid.NewString()
	cp := *v
	f.s.versions[v.ID] = &cp
	return nil
}

func (f *fakeModsRepo) LinkTexture(_ context.Context, versionID, textureID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.links[[2]string{versionID, textureID}] = true
	return nil
}

// -------- manager --------

type fakeRepoManager struct {
	repomanager.RepositoryManager
	s *memState
}

func (m *fakeRepoManager) Users(dbx.DBTX) users.Repository { return &fakeUsersRepo{s: m.s} }
func (m *fakeRepoManager) Contributions(dbx.DBTX) contributions.Repository {
	return &fakeContributionsRepo{s: m.s}
}
func (m *fakeRepoManager) Polls(dbx.DBTX) polls.Repository       { return &fakePollsRepo{s: m.s} }
func (m *fakeRepoManager) Textures(dbx.DBTX) textures.Repository { return &fakeTexturesRepo{s: m.s} }
func (m *fakeRepoManager) Mods(dbx.DBTX) mods.Repository         { return &fakeModsRepo{s: m.s} }

// -------- helpers --------

// newTxDB returns a database whose transactions begin and commit for real
// while the fake repositories ignore the handle.
func newTxDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestContent(t *testing.T) (*storage.ContentStore, *storage.LocalStore) {
	t.Helper()
	local, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return storage.NewContentStore(local, "contributions"), local
}

func testConfig() *config.Config {
	c := &config.Config{}
	c.LoadDefaults()
	c.SecretKey = "test-secret"
	return c
}
