package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/texcouncil/internal/netx"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

const githubAPIVersion = "2022-11-28"

// maxRateLimitWait bounds the backoff honoured before the single retry of a
// rate-limited call. Longer windows are reported to the caller instead.
const maxRateLimitWait = time.Minute

// GitHubConfig holds the settings of a GitHub client.
type GitHubConfig struct {
	// BaseURL defaults to https://api.github.com and must use HTTPS.
	BaseURL string
	Token   string
	// UpstreamOwner/UpstreamRepo name the shared texture repository.
	UpstreamOwner string
	UpstreamRepo  string
	HTTPClient    *http.Client
}

// GitHub implements Gateway against the GitHub REST API. Forks are expected
// at <login>/<UpstreamRepo>.
//
// All calls use one token. A fork lands in the token owner's account when
// login is that account and in organization login otherwise, so the token
// must be able to create repositories there.
type GitHub struct {
	baseURL    string
	token      string
	owner      string
	repo       string
	httpClient *http.Client
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	tokenLogin string
}

func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}
	if cfg.UpstreamOwner == "" || cfg.UpstreamRepo == "" {
		return nil, fmt.Errorf("github: upstream repository not configured")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GitHub{
		baseURL:    baseURL,
		token:      cfg.Token,
		owner:      cfg.UpstreamOwner,
		repo:       cfg.UpstreamRepo,
		httpClient: httpClient,
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfter reads the backoff of a rate-limited response: Retry-After for
// secondary limits, X-RateLimit-Reset for primary ones. Zero means unknown.
func (g *GitHub) retryAfter(header http.Header) time.Duration {
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if value := header.Get("X-RateLimit-Reset"); value != "" {
		if reset, err := strconv.ParseInt(value, 10, 64); err == nil {
			if d := time.Unix(reset, 0).Sub(g.now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

func (g *GitHub) do(ctx context.Context, method, path string, requestBody, result any) error {
	return g.doWithRetry(ctx, method, path, requestBody, result, false)
}

// doWithRetry sends one request. A rate-limited response is retried once
// after the advertised backoff.
func (g *GitHub) doWithRetry(ctx context.Context, method, path string, requestBody, result any, isRetry bool) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("github: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("github: creating request: %w", err)
	}
	if g.token != "" {
		request.Header.Set("Authorization", "Bearer "+g.token)
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := g.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := netx.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("github: reading response body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rateLimited := response.StatusCode == http.StatusTooManyRequests ||
			(response.StatusCode == http.StatusForbidden && isRateLimitMessage(string(body)))
		if !isRetry && rateLimited {
			if wait := g.retryAfter(response.Header); wait > 0 && wait <= maxRateLimitWait {
				if err := g.sleep(ctx, wait); err != nil {
					return err
				}
				return g.doWithRetry(ctx, method, path, requestBody, result, true)
			}
		}
		return parseAPIError(response.StatusCode, body)
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("github: decoding %s: %w", path, err)
		}
	}
	return nil
}

func (g *GitHub) forkPath(login string) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(login), url.PathEscape(g.repo))
}

type repository struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	Fork     bool   `json:"fork"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	Parent *struct {
		FullName string `json:"full_name"`
	} `json:"parent"`
	Source *struct {
		FullName string `json:"full_name"`
	} `json:"source"`
}

// authenticatedLogin returns the account owning the token. It is looked up
// once and cached.
func (g *GitHub) authenticatedLogin(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tokenLogin != "" {
		return g.tokenLogin, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := g.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return "", fmt.Errorf("resolving token owner: %w", err)
	}
	if user.Login == "" {
		return "", fmt.Errorf("resolving token owner: empty login")
	}
	g.tokenLogin = user.Login
	return g.tokenLogin, nil
}

// CreateFork asks GitHub to fork the upstream repository into login. Unless
// login owns the token the fork is requested for organization login, and
// the host rejects accounts the token cannot create repositories in. A fork
// created under any other account is reported as ErrForkOwner.
func (g *GitHub) CreateFork(ctx context.Context, login string) error {
	tokenLogin, err := g.authenticatedLogin(ctx)
	if err != nil {
		return fmt.Errorf("creating fork for %s: %w", login, err)
	}

	body := map[string]any{"default_branch_only": false}
	if !strings.EqualFold(tokenLogin, login) {
		body["organization"] = login
	}

	path := fmt.Sprintf("/repos/%s/%s/forks", url.PathEscape(g.owner), url.PathEscape(g.repo))
	var repo repository
	if err := g.do(ctx, http.MethodPost, path, body, &repo); err != nil {
		return fmt.Errorf("creating fork for %s: %w", login, err)
	}
	if repo.Owner.Login != "" && !strings.EqualFold(repo.Owner.Login, login) {
		return fmt.Errorf("%w: fork of %s/%s created under %s, not %s", ErrForkOwner, g.owner, g.repo, repo.Owner.Login, login)
	}
	return nil
}

// ForkStatus inspects <login>/<repo>. A repository that exists but is not a
// fork of the upstream is reported as failed.
func (g *GitHub) ForkStatus(ctx context.Context, login string) (models.ForkInfo, error) {
	info := models.ForkInfo{Login: login}

	var repo repository
	if err := g.do(ctx, http.MethodGet, g.forkPath(login), nil, &repo); err != nil {
		if IsNotFound(err) {
			info.State = models.ForkAbsent
			return info, nil
		}
		return info, fmt.Errorf("fork status for %s: %w", login, err)
	}

	upstream := g.owner + "/" + g.repo
	info.URL = repo.HTMLURL
	switch {
	case repo.Parent != nil && strings.EqualFold(repo.Parent.FullName, upstream),
		repo.Source != nil && strings.EqualFold(repo.Source.FullName, upstream):
		info.State = models.ForkReady
	default:
		info.State = models.ForkFailed
		info.Error = fmt.Sprintf("%s is not a fork of %s", repo.FullName, upstream)
	}
	return info, nil
}

type treeResponse struct {
	SHA       string `json:"sha"`
	Truncated bool   `json:"truncated"`
	Tree      []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
		Size int64  `json:"size"`
	} `json:"tree"`
}

// ListTree lists every blob of branch recursively. The sha of each entry is
// the git blob id of the file content.
func (g *GitHub) ListTree(ctx context.Context, login, branch string) ([]models.ExternalFileRecord, error) {
	path := fmt.Sprintf("%s/git/trees/%s?recursive=1", g.forkPath(login), url.PathEscape(branch))

	var tree treeResponse
	if err := g.do(ctx, http.MethodGet, path, nil, &tree); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s@%s", ErrForkAbsent, login, g.repo, branch)
		}
		return nil, fmt.Errorf("listing %s/%s@%s: %w", login, g.repo, branch, err)
	}
	if tree.Truncated {
		return nil, fmt.Errorf("%w: %s/%s@%s", ErrTreeTruncated, login, g.repo, branch)
	}

	records := make([]models.ExternalFileRecord, 0, len(tree.Tree))
	for _, entry := range tree.Tree {
		if entry.Type != "blob" {
			continue
		}
		records = append(records, models.ExternalFileRecord{
			Path: entry.Path,
			Hash: strings.ToLower(entry.SHA),
			Size: entry.Size,
		})
	}
	return records, nil
}

// DeleteFork deletes <login>/<repo>. A missing fork counts as deleted.
func (g *GitHub) DeleteFork(ctx context.Context, login string) error {
	if err := g.do(ctx, http.MethodDelete, g.forkPath(login), nil, nil); err != nil && !IsNotFound(err) {
		return fmt.Errorf("deleting fork of %s: %w", login, err)
	}
	return nil
}
