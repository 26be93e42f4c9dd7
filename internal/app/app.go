// Package app is the composition root: it turns a config.Config into wired
// repositories, intake, the worker and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/api"
	"github.com/JakeFAU/postgrab/internal/clock/system"
	"github.com/JakeFAU/postgrab/internal/config"
	"github.com/JakeFAU/postgrab/internal/download"
	"github.com/JakeFAU/postgrab/internal/extract"
	"github.com/JakeFAU/postgrab/internal/fetcher/headless"
	"github.com/JakeFAU/postgrab/internal/grabber"
	artifacthash "github.com/JakeFAU/postgrab/internal/hash/sha256"
	"github.com/JakeFAU/postgrab/internal/id/uuid"
	"github.com/JakeFAU/postgrab/internal/intake"
	"github.com/JakeFAU/postgrab/internal/metrics"
	"github.com/JakeFAU/postgrab/internal/platform"
	"github.com/JakeFAU/postgrab/internal/policy/ratelimit"
	amqppublisher "github.com/JakeFAU/postgrab/internal/publisher/amqp"
	memorypublisher "github.com/JakeFAU/postgrab/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/postgrab/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/postgrab/internal/publisher/pubsub"
	"github.com/JakeFAU/postgrab/internal/queue"
	gcsstorage "github.com/JakeFAU/postgrab/internal/storage/gcs"
	localstorage "github.com/JakeFAU/postgrab/internal/storage/local"
	memorystorage "github.com/JakeFAU/postgrab/internal/storage/memory"
	pgstore "github.com/JakeFAU/postgrab/internal/storage/postgres"
	s3storage "github.com/JakeFAU/postgrab/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/postgrab/internal/storage/sqlite"
	"github.com/JakeFAU/postgrab/internal/telemetry"
	"github.com/JakeFAU/postgrab/internal/thumbnail"
	"github.com/JakeFAU/postgrab/internal/worker"
)

// Options choose which long-running parts Build assembles.
type Options struct {
	// Worker builds the browser, download engine and worker loop.
	Worker bool
	// API builds the HTTP server.
	API bool
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Registry *platform.Registry
	Repo     grabber.JobRepository
	Intake   *intake.Service
	Queue    *queue.Service
	Worker   *worker.Worker
	API      *api.Server

	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:      cfg,
		logger:   logger,
		Registry: platform.Default(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "postgrab",
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.Repo, err = openRepository(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.addCloser("job store", a.Repo.Close)

	clock := system.New()
	a.Intake = intake.New(a.Repo, a.Registry, localstorage.FileChecker{}, uuid.New(), clock, logger)
	a.Queue = queue.New(a.Repo, clock, logger)

	if opts.Worker {
		if err = a.buildWorker(ctx, clock); err != nil {
			return nil, err
		}
	}
	if opts.API {
		a.API = api.NewServer(a.Intake, api.Options{
			APIKey: apiKey(cfg.Auth),
			Ready:  a.ready,
		}, logger)
	}
	logger.Info("application built",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("worker", a.Worker != nil),
		zap.Bool("api", a.API != nil),
	)
	return a, nil
}

func apiKey(cfg config.AuthConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.APIKey
}

func openRepository(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (grabber.JobRepository, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory job store; jobs are lost on exit")
		return memorystorage.NewJobStore(), nil
	case "sqlite":
		repo, err := sqlitestore.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("sqlite job store opened", zap.String("path", cfg.SQLite.Path))
		return repo, nil
	case "postgres":
		repo, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			Migrate:         cfg.Postgres.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("postgres job store opened", zap.String("table", cfg.Postgres.Table))
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func (a *App) buildWorker(ctx context.Context, clock grabber.Clock) error {
	cfg := a.cfg
	sessions, err := a.openBrowser()
	if err != nil {
		return err
	}
	a.addCloser("browser", sessions.Close)

	mirror, err := openMirror(ctx, cfg.Mirror, a.logger)
	if err != nil {
		return err
	}
	if c, ok := mirror.(io.Closer); ok {
		a.addCloser("mirror", c.Close)
	}

	publisher, err := openPublisher(ctx, cfg.Events, a.logger)
	if err != nil {
		return err
	}
	if c, ok := publisher.(io.Closer); ok {
		a.addCloser("publisher", c.Close)
	}

	var limiter *ratelimit.Limiter
	if cfg.Download.RatePerDomain > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Download.RatePerDomain,
			DefaultBurst: cfg.Download.BurstPerHost,
		})
		a.logger.Info("download rate limiter enabled",
			zap.Float64("rate_per_domain", cfg.Download.RatePerDomain),
			zap.Int("burst", cfg.Download.BurstPerHost),
		)
	}

	downloader := download.New(
		&http.Client{},
		sessions,
		download.ExecRunner{},
		limiter,
		clock,
		download.Config{Timeout: cfg.Download.Timeout, FFmpegPath: cfg.Download.FFmpegPath},
		a.logger,
	)
	extractor := extract.New(a.Registry, extract.Config{
		ChallengeWait: cfg.Browser.ChallengeWait,
		ChallengePoll: cfg.Browser.ChallengePoll,
	}, a.logger)

	a.Worker = worker.New(
		a.Repo,
		a.Queue,
		sessions,
		extractor,
		downloader,
		thumbnail.New(cfg.Thumbnail.Width, cfg.Thumbnail.Height),
		artifacthash.New(),
		a.Registry,
		mirror,
		publisher,
		clock,
		worker.Config{
			PollInterval:      cfg.Worker.PollInterval,
			ReextractAttempts: cfg.Worker.ReextractAttempts,
			OutputDir:         cfg.Download.OutputDir,
			ThumbnailDir:      cfg.Download.ThumbnailDir,
			MinBytes:          cfg.Download.MinBytes,
			MinImageBytes:     cfg.Download.MinImageBytes,
			MirrorPrefix:      cfg.Mirror.Prefix,
			Topic:             cfg.Events.Topic,
		},
		a.logger,
	)
	return nil
}

func (a *App) openBrowser() (grabber.SessionProvider, error) {
	cfg := a.cfg.Browser
	if !cfg.Enabled {
		a.logger.Warn("browser disabled; only jobs with a pinned media url can complete")
		return headless.NewNoop(), nil
	}
	provider, err := headless.NewChromedp(headless.Config{
		Headless:          cfg.Headless,
		ExecPath:          cfg.ExecPath,
		UserDataDir:       cfg.UserDataDir,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavTimeout,
		Settle:            cfg.Settle,
		MaxSessions:       cfg.MaxSessions,
		MaxParked:         cfg.MaxParked,
		AcquireTimeout:    cfg.AcquireTimeout,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}
	a.logger.Info("using chromedp browser",
		zap.Bool("headless", cfg.Headless),
		zap.Int("max_sessions", cfg.MaxSessions),
	)
	return provider, nil
}

func openMirror(ctx context.Context, cfg config.MirrorConfig, logger *zap.Logger) (grabber.BlobStore, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		logger.Info("using in-memory artifact mirror")
		return memorystorage.NewBlobStore(), nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		logger.Info("using local artifact mirror", zap.String("path", cfg.Local.BaseDir))
		return store, nil
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       cfg.GCS.Bucket,
			VerifyBucket: cfg.GCS.VerifyBucket,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		logger.Info("using GCS artifact mirror", zap.String("bucket", cfg.GCS.Bucket))
		return store, nil
	case "s3":
		store, err := s3storage.New(s3storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 mirror init failed: %w", err)
		}
		logger.Info("using S3 artifact mirror", zap.String("bucket", cfg.S3.Bucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown mirror provider: %s", cfg.Provider)
	}
}

func openPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (grabber.Publisher, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		p, err := gcppublisher.Open(ctx, gcppublisher.Config{ProjectID: cfg.PubSub.ProjectID}, logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return p, nil
	case "nats":
		p, err := natspublisher.Connect(natspublisher.Config{URL: cfg.NATS.URL}, logger)
		if err != nil {
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		logger.Info("NATS publisher initialized", zap.String("subject", cfg.Topic))
		return p, nil
	case "amqp":
		p, err := amqppublisher.Dial(amqppublisher.Config{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("amqp publisher init failed: %w", err)
		}
		logger.Info("AMQP publisher initialized", zap.String("routing_key", cfg.Topic))
		return p, nil
	default:
		return nil, fmt.Errorf("unknown events provider: %s", cfg.Provider)
	}
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

func (a *App) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.Repo.List(ctx, grabber.ListFilter{Limit: 1}); err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	return nil
}

// RecoverStale fails running jobs older than worker.stale_after.
func (a *App) RecoverStale(ctx context.Context) (int, error) {
	n, err := a.Queue.RecoverStale(ctx, a.cfg.Worker.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return n, nil
}

// RunWorker recovers stale jobs once and then polls until ctx is done.
func (a *App) RunWorker(ctx context.Context) error {
	if a.Worker == nil {
		return errors.New("worker not built")
	}
	if _, err := a.RecoverStale(ctx); err != nil {
		return err
	}
	a.Worker.Run(ctx)
	return nil
}

// Serve runs the HTTP server, plus the worker when built and enabled, until
// ctx is canceled or the listener fails.
func (a *App) Serve(ctx context.Context) error {
	if a.API == nil {
		return errors.New("api not built")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerDone := make(chan error, 1)
	if a.Worker != nil && a.cfg.Worker.Enabled {
		go func() { workerDone <- a.RunWorker(ctx) }()
	} else {
		workerDone <- nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("http server: %w", runErr)
		}
	}
	a.logger.Info("shutdown initiated")
	cancel()

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-workerDone; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases everything Build opened, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		a.tracerShutdown = nil
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
