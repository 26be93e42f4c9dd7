package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/config"
	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/intake"
	memorypublisher "github.com/JakeFAU/postgrab/internal/publisher/memory"
	localstorage "github.com/JakeFAU/postgrab/internal/storage/local"
	memorystorage "github.com/JakeFAU/postgrab/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Tracing: config.TracingConfig{Exporter: "none"},
		Store: config.StoreConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "jobs.db")},
		},
		Worker: config.WorkerConfig{
			Enabled:           true,
			PollInterval:      time.Second,
			StaleAfter:        time.Minute,
			ReextractAttempts: 1,
		},
		Download: config.DownloadConfig{
			OutputDir:    filepath.Join(dir, "out"),
			ThumbnailDir: filepath.Join(dir, "thumbs"),
		},
		Thumbnail: config.ThumbnailConfig{Width: 100, Height: 100},
		Mirror:    config.MirrorConfig{Provider: "none"},
		Events:    config.EventsConfig{Provider: "none"},
	}
}

func TestBuildWiresIntakeAndAPI(t *testing.T) {
	cfg := testConfig(t)

	a, err := Build(context.Background(), cfg, zap.NewNop(), Options{API: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	require.NotNil(t, a.API)
	require.Nil(t, a.Worker)

	job, err := a.Intake.CreateJob(context.Background(), intake.Submission{
		URL: "https://www.tiktok.com/@someone/video/7234567890123456789",
	})
	require.NoError(t, err)

	stored, err := a.Repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusQueued, stored.Status)
	require.NoError(t, a.ready(context.Background()))
}

func TestBuildWorkerWithBrowserDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Mirror = config.MirrorConfig{Provider: "local", Local: config.LocalMirror{BaseDir: t.TempDir()}}
	cfg.Events = config.EventsConfig{Provider: "memory", Topic: "postgrab.jobs"}

	a, err := Build(context.Background(), cfg, nil, Options{Worker: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	require.NotNil(t, a.Worker)
	require.Nil(t, a.API)

	claimed, err := a.Worker.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestRunWorkerStopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Worker.PollInterval = 10 * time.Millisecond

	a, err := Build(context.Background(), cfg, nil, Options{Worker: true})
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, a.RunWorker(ctx))
}

func TestRunWorkerRequiresWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"

	a, err := Build(context.Background(), cfg, nil, Options{})
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	require.Error(t, a.RunWorker(context.Background()))
	require.Error(t, a.Serve(context.Background()))
}

func TestBuildRejectsUnknownProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mysql"
	_, err := Build(context.Background(), cfg, nil, Options{})
	require.ErrorContains(t, err, "unknown store driver")

	cfg = testConfig(t)
	cfg.Mirror.Provider = "ftp"
	_, err = Build(context.Background(), cfg, nil, Options{Worker: true})
	require.ErrorContains(t, err, "unknown mirror provider")

	cfg = testConfig(t)
	cfg.Events.Provider = "kafka"
	_, err = Build(context.Background(), cfg, nil, Options{Worker: true})
	require.ErrorContains(t, err, "unknown events provider")
}

func TestOpenMirrorAndPublisherKinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mirror, err := openMirror(ctx, config.MirrorConfig{Provider: "none"}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, mirror)

	mirror, err = openMirror(ctx, config.MirrorConfig{Provider: "memory"}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &memorystorage.BlobStore{}, mirror)

	mirror, err = openMirror(ctx, config.MirrorConfig{
		Provider: "local",
		Local:    config.LocalMirror{BaseDir: t.TempDir()},
	}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &localstorage.BlobStore{}, mirror)

	pub, err := openPublisher(ctx, config.EventsConfig{Provider: ""}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, pub)

	pub, err = openPublisher(ctx, config.EventsConfig{Provider: "memory"}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &memorypublisher.Publisher{}, pub)
}

func TestRecoverStaleUsesConfiguredAge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Worker.StaleAfter = time.Nanosecond

	a, err := Build(context.Background(), cfg, nil, Options{})
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	_, err = a.Intake.CreateJob(context.Background(), intake.Submission{
		URL: "https://www.tiktok.com/@someone/video/7234567890123456789",
	})
	require.NoError(t, err)
	job, ok, err := a.Queue.ClaimNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	n, err := a.RecoverStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := a.Repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusFailed, stored.Status)
	require.Equal(t, grabber.CodeStaleJobRecovered, stored.ErrorCode)
}
