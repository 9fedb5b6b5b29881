// Package server wires the texture council service: database, object storage,
// git host gateway, services, background scheduler and the HTTP API, and runs
// them until the process is signalled.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/config"
	"github.com/dmitrijs2005/texcouncil/internal/server/forge"
	"github.com/dmitrijs2005/texcouncil/internal/server/httpapi"
	"github.com/dmitrijs2005/texcouncil/internal/server/keylock"
	"github.com/dmitrijs2005/texcouncil/internal/server/metrics"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/texcouncil/internal/server/scheduler"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
	"github.com/dmitrijs2005/texcouncil/internal/server/storage"
)

// Blob key prefix of reference images extracted from mod archives.
const texturesPrefix = "textures"

const lockTTL = 5 * time.Minute

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	registry *prometheus.Registry
	closers  []func() error

	forks         *forge.ForkManager
	users         *services.UserService
	contributions *services.ContributionService
	polls         *services.PollService
	reconciler    *services.Reconciler
	ingestor      *services.Ingestor
	forkService   *services.ForkService
	worker        *scheduler.Worker
}

// OpenDatabase opens the PostgreSQL pool described by cfg and checks it.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return db, nil
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, err := logging.New(c.LogFormat, c.LogLevel)
	if err != nil {
		return nil, err
	}
	app := &App{config: c, logger: logger}

	if err := app.init(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *App) init(ctx context.Context) error {
	c := app.config

	db, err := OpenDatabase(ctx, c)
	if err != nil {
		return err
	}
	app.db = db
	app.closers = append(app.closers, db.Close)

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		return fmt.Errorf("repository manager error: %w", err)
	}
	if err := rm.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}

	blobs, err := storage.NewBlobStore(ctx, c)
	if err != nil {
		return fmt.Errorf("storage init error: %w", err)
	}
	if closer, ok := blobs.(io.Closer); ok {
		app.closers = append(app.closers, closer.Close)
	}
	content := storage.NewContentStore(blobs, c.StoragePrefix)
	textures := storage.NewContentStore(blobs, texturesPrefix)

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(app.registry)

	locks, err := app.newLocker(ctx)
	if err != nil {
		return err
	}

	gateway, err := forge.NewGitHub(forge.GitHubConfig{
		BaseURL:       c.GitHubBaseURL,
		Token:         c.GitHubToken,
		UpstreamOwner: c.UpstreamOwner,
		UpstreamRepo:  c.UpstreamRepo,
	})
	if err != nil {
		return fmt.Errorf("git host init error: %w", err)
	}
	app.forks = forge.NewForkManager(gateway, forge.ForkOptions{
		Workers:      c.ForkWorkers,
		PollAttempts: c.ForkPollAttempts,
		PollInterval: c.ForkPollInterval,
	}, app.logger, m)

	app.users = services.NewUserService(db, rm, c)
	app.contributions = services.NewContributionService(db, rm, content, c, app.logger, m)
	app.polls = services.NewPollService(db, rm, locks, app.logger, m)
	app.reconciler = services.NewReconciler(db, rm, gateway, locks, c, app.logger, m)
	app.ingestor = services.NewIngestor(db, rm, textures, app.logger, m)
	app.forkService = services.NewForkService(db, rm, app.forks, app.logger)
	app.worker = scheduler.NewWorker(app.reconciler, app.polls, c.ReconcileInterval, c.ReconcileParallelism, app.logger)
	return nil
}

// newLocker serializes per-key work through Redis when configured, so that
// several server instances share the locks; otherwise in-process.
func (app *App) newLocker(ctx context.Context) (keylock.Locker, error) {
	if app.config.RedisAddr == "" {
		return keylock.NewLocal(), nil
	}
	rdb, err := keylock.Dial(ctx, app.config.RedisAddr)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, rdb.Close)
	return keylock.NewRedis(rdb, "texcouncil:lock:", lockTTL, app.logger), nil
}

func (app *App) Users() *services.UserService                 { return app.users }
func (app *App) Contributions() *services.ContributionService { return app.contributions }
func (app *App) Polls() *services.PollService                 { return app.polls }
func (app *App) Reconciler() *services.Reconciler             { return app.reconciler }
func (app *App) Ingestor() *services.Ingestor                 { return app.ingestor }
func (app *App) Logger() logging.Logger                       { return app.logger }

// Router builds the HTTP handler of the API.
func (app *App) Router() *gin.Engine {
	log := app.logger
	return httpapi.NewRouter(httpapi.RouterConfig{
		Logger:              log,
		AuthMiddleware:      httpapi.NewAuthMiddleware(log, app.users),
		MaxBodyBytes:        app.config.MaxUploadBytes * 4,
		ContributionHandler: httpapi.NewContributionHandler(log, app.contributions, app.polls, app.config.MaxUploadBytes),
		ForkHandler:         httpapi.NewForkHandler(log, app.forkService, app.reconciler),
		ModHandler:          httpapi.NewModHandler(log, app.ingestor, app.config.MaxUploadBytes),
		Gatherer:            app.registry,
	})
}

// Close stops background fork work and releases connections.
func (app *App) Close() {
	if app.forks != nil {
		app.forks.Close()
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Error(context.Background(), "close failed", "error", err)
		}
	}
	app.closers = nil
	if z, ok := app.logger.(*logging.ZapLogger); ok {
		_ = z.Sync()
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	gin.SetMode(gin.ReleaseMode)
	s := httpapi.NewServer(app.config.HTTPAddr, app.Router(), app.logger)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.Close()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.worker.Run(ctx)
	}()

	wg.Wait()
}
