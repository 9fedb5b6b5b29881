package forge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/metrics"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

var errForkNotReady = errors.New("fork not ready")

// ForkOptions tunes a ForkManager.
type ForkOptions struct {
	// Workers bounds how many fork creations run at once.
	Workers int
	// PollAttempts bounds readiness checks after a creation request.
	PollAttempts int
	// PollInterval is the first wait between readiness checks; it doubles
	// on every attempt.
	PollInterval time.Duration
}

// ForkManager creates contributor forks in the background. Creation runs on
// bounded worker capacity, concurrent requests for one login share a single
// creation, and readiness is polled with exponential backoff until the
// polling attempts run out or the manager is closed.
type ForkManager struct {
	gw      Gateway
	sem     *semaphore.Weighted
	group   singleflight.Group
	opts    ForkOptions
	log     logging.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	states map[string]models.ForkInfo
}

func NewForkManager(gw Gateway, opts ForkOptions, log logging.Logger, m *metrics.Metrics) *ForkManager {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ForkManager{
		gw:      gw,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		opts:    opts,
		log:     log.With("module", "forks"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		states:  make(map[string]models.ForkInfo),
	}
}

func (m *ForkManager) setState(info models.ForkInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[info.Login] = info
}

func (m *ForkManager) tracked(login string) (models.ForkInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.states[login]
	return info, ok
}

func (m *ForkManager) forget(login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, login)
}

// State reports the fork of login. Creations in progress (or failed) on this
// instance take precedence over what the host reports.
func (m *ForkManager) State(ctx context.Context, login string) (models.ForkInfo, error) {
	if info, ok := m.tracked(login); ok && info.State != models.ForkReady {
		return info, nil
	}
	info, err := m.gw.ForkStatus(ctx, login)
	if err != nil {
		return models.ForkInfo{}, err
	}
	if info.State == models.ForkReady {
		m.forget(login)
	}
	return info, nil
}

// Ensure makes sure login has a fork. If it already exists its state is
// returned; otherwise a background creation is started (at most one per
// login) and the pending state is returned immediately.
func (m *ForkManager) Ensure(ctx context.Context, login string) (models.ForkInfo, error) {
	if info, ok := m.tracked(login); ok && info.State == models.ForkPending {
		return info, nil
	}

	info, err := m.gw.ForkStatus(ctx, login)
	if err != nil {
		return models.ForkInfo{}, err
	}
	if info.State != models.ForkAbsent {
		return info, nil
	}

	pending := models.ForkInfo{Login: login, State: models.ForkPending}
	m.setState(pending)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _, _ = m.group.Do(login, func() (any, error) {
			m.create(login)
			return nil, nil
		})
	}()
	return pending, nil
}

func (m *ForkManager) create(login string) {
	ctx := m.ctx
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.setState(models.ForkInfo{Login: login, State: models.ForkFailed, Error: err.Error()})
		return
	}
	defer m.sem.Release(1)

	m.metrics.ForkOperationStarted()
	defer m.metrics.ForkOperationDone()

	info, err := m.createAndWait(ctx, login)
	if err != nil {
		m.log.Error(ctx, "fork creation failed", "login", login, "error", err)
		m.setState(models.ForkInfo{Login: login, State: models.ForkFailed, Error: err.Error()})
		return
	}
	m.log.Info(ctx, "fork ready", "login", login, "url", info.URL)
	m.setState(info)
}

func (m *ForkManager) createAndWait(ctx context.Context, login string) (models.ForkInfo, error) {
	if err := m.gw.CreateFork(ctx, login); err != nil {
		return models.ForkInfo{}, err
	}

	backoff := retry.WithMaxRetries(uint64(m.opts.PollAttempts-1), retry.NewExponential(m.opts.PollInterval))

	var info models.ForkInfo
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		current, err := m.gw.ForkStatus(ctx, login)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		switch current.State {
		case models.ForkReady:
			info = current
			return nil
		case models.ForkFailed:
			return fmt.Errorf("%s", current.Error)
		default:
			return retry.RetryableError(errForkNotReady)
		}
	})
	if err != nil {
		return models.ForkInfo{}, fmt.Errorf("waiting for fork of %s: %w", login, err)
	}
	return info, nil
}

// Delete removes the fork of login.
func (m *ForkManager) Delete(ctx context.Context, login string) error {
	if err := m.gw.DeleteFork(ctx, login); err != nil {
		return err
	}
	m.forget(login)
	return nil
}

// Close stops pending creations and waits for their goroutines.
func (m *ForkManager) Close() {
	m.cancel()
	m.wg.Wait()
}
