package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/download"
	"github.com/JakeFAU/postgrab/internal/grabber"
	artifacthash "github.com/JakeFAU/postgrab/internal/hash/sha256"
	"github.com/JakeFAU/postgrab/internal/intake"
	"github.com/JakeFAU/postgrab/internal/platform"
	pubmemory "github.com/JakeFAU/postgrab/internal/publisher/memory"
	"github.com/JakeFAU/postgrab/internal/queue"
	"github.com/JakeFAU/postgrab/internal/storage/memory"
	"github.com/JakeFAU/postgrab/internal/thumbnail"
)

const (
	postURL  = "https://www.tiktok.com/@someone/video/7234567890123456789"
	mediaURL = "https://v16.tiktokcdn.com/play/hd.mp4"
	coverURL = "https://p16.tiktokcdn.com/cover.png"
)

var mp4Body = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

type nopSession struct{}

func (nopSession) Navigate(context.Context, string) (grabber.PageState, error) {
	return grabber.PageState{}, nil
}

func (nopSession) CollectMediaCandidateURLs(context.Context) ([]grabber.NetworkMedia, error) {
	return nil, nil
}

func (nopSession) CollectImageURLs(context.Context) ([]string, error) { return nil, nil }

func (nopSession) CollectMetadata(context.Context) (map[string]string, error) { return nil, nil }

func (nopSession) CollectDiagnostics(context.Context) (grabber.PageState, error) {
	return grabber.PageState{}, nil
}

func (nopSession) Dispose() error { return nil }

type fakeSessions struct{}

func (fakeSessions) NewSession(context.Context) (grabber.BrowserSession, error) {
	return nopSession{}, nil
}

func (fakeSessions) Cookies(context.Context, string) ([]*http.Cookie, error) { return nil, nil }

func (fakeSessions) Close() error { return nil }

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (grabber.Extraction, error)
}

func (f *fakeExtractor) Extract(_ context.Context, _ grabber.BrowserSession, _ string) (grabber.Extraction, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call)
}

func (f *fakeExtractor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func extraction(url string) grabber.Extraction {
	return grabber.Extraction{
		MediaURL:      url,
		SourceType:    grabber.ClassifyMediaURL(url),
		CandidateURLs: []string{url},
		ImageURLs:     []string{coverURL},
		Metadata:      map[string]string{"title": "clip", "author_name": "Some One"},
	}
}

type fakeDownloader struct {
	mu       sync.Mutex
	requests []download.Request
	fn       func(call int, req download.Request) (grabber.DownloadResult, error)
}

func (f *fakeDownloader) Download(_ context.Context, req download.Request) (grabber.DownloadResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.fn(call, req)
}

func (f *fakeDownloader) mediaRequests() []download.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []download.Request
	for _, r := range f.requests {
		if r.URL != coverURL {
			out = append(out, r)
		}
	}
	return out
}

func store(req download.Request, body []byte, contentType string) (grabber.DownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(req.Target), 0o755); err != nil {
		return grabber.DownloadResult{}, err
	}
	if err := os.WriteFile(req.Target, body, 0o600); err != nil {
		return grabber.DownloadResult{}, err
	}
	return grabber.DownloadResult{Path: req.Target, Bytes: int64(len(body)), ContentType: contentType}, nil
}

func coverPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// succeed serves the cover image and a valid mp4 for everything else.
func succeed(cover []byte) func(int, download.Request) (grabber.DownloadResult, error) {
	return func(_ int, req download.Request) (grabber.DownloadResult, error) {
		if req.URL == coverURL {
			return store(req, cover, "image/png")
		}
		return store(req, mp4Body, "video/mp4")
	}
}

type harness struct {
	intake     *intake.Service
	repo       *memory.JobStore
	extractor  *fakeExtractor
	downloader *fakeDownloader
	mirror     *memory.BlobStore
	publisher  *pubmemory.Publisher
	worker     *Worker
	outDir     string
	thumbDir   string
}

func newHarness(t *testing.T, extractor *fakeExtractor, downloader *fakeDownloader, reextract int) *harness {
	t.Helper()
	return newHarnessWithRepo(t, memory.NewJobStore(), extractor, downloader, reextract)
}

func newHarnessWithRepo(
	t *testing.T,
	repo grabber.JobRepository,
	extractor *fakeExtractor,
	downloader *fakeDownloader,
	reextract int,
) *harness {
	t.Helper()
	clock := fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	registry := platform.Default()
	dir := t.TempDir()
	h := &harness{
		intake:     intake.New(repo, registry, nil, &seqIDs{}, clock, nil),
		extractor:  extractor,
		downloader: downloader,
		mirror:     memory.NewBlobStore(),
		publisher:  pubmemory.New(),
		outDir:     filepath.Join(dir, "videos"),
		thumbDir:   filepath.Join(dir, "thumbs"),
	}
	if ms, ok := repo.(*memory.JobStore); ok {
		h.repo = ms
	}
	h.worker = New(
		repo,
		queue.New(repo, clock, nil),
		fakeSessions{},
		extractor,
		downloader,
		thumbnail.New(64, 64),
		artifacthash.New(),
		registry,
		h.mirror,
		h.publisher,
		clock,
		Config{
			PollInterval:      5 * time.Millisecond,
			ReextractAttempts: reextract,
			OutputDir:         h.outDir,
			ThumbnailDir:      h.thumbDir,
			MinBytes:          16,
			MirrorPrefix:      "mirror",
			Topic:             "postgrab.jobs",
		},
		zap.NewNop(),
	)
	return h
}

func TestTickCompletesExtractedJob(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) { return extraction(mediaURL), nil }}
	downloader := &fakeDownloader{fn: succeed(coverPNG(t))}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)

	claimed, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusCompleted, job.Status)
	require.Equal(t, grabber.ProgressDone, job.ProgressPct)
	require.Equal(t, 1, job.AttemptCount)
	require.Equal(t, mediaURL, job.ExtractedURL)
	require.Equal(t, grabber.SourceTypeDirect, job.SourceType)
	require.Equal(t, filepath.Join(h.outDir, "tiktok-someone", created.ID+".mp4"), job.OutputPath)
	require.FileExists(t, job.OutputPath)
	require.Equal(t, filepath.Join(h.thumbDir, "tiktok-someone", created.ID+".jpg"), job.ThumbnailPath)
	require.FileExists(t, job.ThumbnailPath)
	require.NoFileExists(t, job.ThumbnailPath+".src")
	require.Equal(t, coverURL, job.ThumbnailURL)
	require.Equal(t, "someone", job.Handle)
	require.Equal(t, "Some One", job.DisplayName)
	require.Empty(t, job.ErrorCode)
	require.NotNil(t, job.CompletedAt)

	digest, err := artifacthash.New().Hash(mp4Body)
	require.NoError(t, err)
	require.Equal(t, digest, job.Metadata["sha256"])

	uri := "memory://mirror/tiktok-someone/" + created.ID + ".mp4"
	require.Equal(t, uri, job.Metadata["artifact_uri"])
	body, contentType, ok := h.mirror.Object("mirror/tiktok-someone/" + created.ID + ".mp4")
	require.True(t, ok)
	require.Equal(t, mp4Body, body)
	require.Equal(t, "video/mp4", contentType)

	events := h.publisher.Events("postgrab.jobs")
	require.Len(t, events, 1)
	require.Equal(t, grabber.JobStatusCompleted, events[0].Status)
	require.Equal(t, uri, events[0].ArtifactURI)

	media := downloader.mediaRequests()
	require.Len(t, media, 1)
	require.Equal(t, "https://www.tiktok.com/", media[0].Headers.Get("Referer"))
}

func TestTickPinnedURLSkipsExtraction(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) {
		return grabber.Extraction{}, errors.New("must not extract")
	}}
	downloader := &fakeDownloader{fn: succeed(nil)}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	pinned := "https://v16.tiktokcdn.com/hls/master.m3u8"
	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL, ExtractedURL: pinned})
	require.NoError(t, err)

	claimed, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusCompleted, job.Status)
	require.Zero(t, extractor.count())
	media := downloader.mediaRequests()
	require.Len(t, media, 1)
	require.Equal(t, pinned, media[0].URL)
	require.Equal(t, grabber.SourceTypeHLS, media[0].SourceType)
	require.Empty(t, job.ThumbnailPath)
}

func TestTickEmptyQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeExtractor{}, &fakeDownloader{}, 1)
	claimed, err := h.worker.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestTickExtractionFailureRecordsCode(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) {
		return grabber.Extraction{Metadata: map[string]string{"author_name": "Some One"}},
			grabber.NewError(grabber.CodeNoMediaURL, "no media url found on page")
	}}
	downloader := &fakeDownloader{fn: succeed(nil)}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusFailed, job.Status)
	require.Equal(t, grabber.CodeNoMediaURL, job.ErrorCode)
	require.Equal(t, "no media url found on page", job.Error)
	require.Equal(t, "Some One", job.DisplayName)
	require.NotNil(t, job.FailedAt)
	require.Empty(t, downloader.mediaRequests())

	events := h.publisher.Events("postgrab.jobs")
	require.Len(t, events, 1)
	require.Equal(t, grabber.CodeNoMediaURL, events[0].ErrorCode)
}

func TestTickUnavailableVideoFillsIdentityFromURL(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) {
		return grabber.Extraction{}, grabber.NewError(grabber.CodeVideoUnavailable, "video unavailable")
	}}
	downloader := &fakeDownloader{fn: succeed(nil)}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusFailed, job.Status)
	require.Equal(t, grabber.CodeVideoUnavailable, job.ErrorCode)
	require.Equal(t, "tiktok", job.Platform)
	require.Equal(t, "someone", job.Handle)
	require.Equal(t, "tiktok-someone", job.Slug)
	require.Empty(t, downloader.mediaRequests())
}

func TestTickAbandonsJobCanceledMidFlight(t *testing.T) {
	t.Parallel()

	var h *harness
	var jobID string
	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) {
		_, err := h.intake.RequestStatusTransition(context.Background(), jobID, grabber.JobStatusCanceled)
		if err != nil {
			return grabber.Extraction{}, err
		}
		return extraction(mediaURL), nil
	}}
	downloader := &fakeDownloader{fn: succeed(nil)}
	h = newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	jobID = created.ID

	claimed, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusCanceled, job.Status)
	require.Empty(t, downloader.mediaRequests())
	require.Empty(t, h.publisher.Events("postgrab.jobs"))
}

type failingSaveRepo struct {
	*memory.JobStore
}

func (r failingSaveRepo) Save(context.Context, grabber.Job, grabber.JobStatus) error {
	return errors.New("connection reset")
}

func TestTickStoreFailureAborts(t *testing.T) {
	t.Parallel()

	base := memory.NewJobStore()
	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) { return extraction(mediaURL), nil }}
	downloader := &fakeDownloader{fn: succeed(nil)}
	h := newHarnessWithRepo(t, failingSaveRepo{base}, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)

	claimed, err := h.worker.Tick(ctx)
	require.True(t, claimed)
	require.ErrorContains(t, err, "connection reset")

	job, err := base.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusRunning, job.Status)
	require.Empty(t, downloader.mediaRequests())
	require.Empty(t, h.publisher.Events("postgrab.jobs"))
}

func TestRunSkipsOverlappingTicksAndDrains(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return extraction(mediaURL), nil
	}}
	downloader := &fakeDownloader{fn: succeed(nil)}
	h := newHarness(t, extractor, downloader, 1)

	first, err := h.intake.CreateJob(context.Background(), intake.Submission{URL: postURL})
	require.NoError(t, err)
	second, err := h.intake.CreateJob(context.Background(), intake.Submission{
		URL: "https://www.tiktok.com/@someone/video/7234567890123456790",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	<-entered
	// Several ticks elapse while the first job is blocked.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, extractor.count())

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight tick finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after drain")
	}

	job, err := h.repo.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusCompleted, job.Status)

	job, err = h.repo.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusQueued, job.Status)
}
