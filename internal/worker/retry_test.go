package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/postgrab/internal/download"
	"github.com/JakeFAU/postgrab/internal/fetcher/headless"
	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/intake"
)

const freshURL = "https://v16.tiktokcdn.com/play/fresh.mp4"

func TestTickReextractsAfterExpiredURL(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(call int) (grabber.Extraction, error) {
		if call == 1 {
			return extraction(mediaURL), nil
		}
		return extraction(freshURL), nil
	}}
	downloader := &fakeDownloader{fn: func(_ int, req download.Request) (grabber.DownloadResult, error) {
		if req.URL == mediaURL {
			return grabber.DownloadResult{}, grabber.NewError(grabber.CodeExpiredMediaURL, "expired")
		}
		return store(req, mp4Body, "video/mp4")
	}}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusCompleted, job.Status)
	require.Equal(t, freshURL, job.ExtractedURL)
	require.Equal(t, 2, extractor.count())
}

func TestTickGivesUpAfterReextractBudget(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) { return extraction(mediaURL), nil }}
	downloader := &fakeDownloader{fn: func(_ int, req download.Request) (grabber.DownloadResult, error) {
		return grabber.DownloadResult{}, &download.AccessDeniedError{
			URL:           req.URL,
			Anonymous:     "unexpected status 403 Forbidden",
			Authenticated: "unexpected status 403 Forbidden",
		}
	}}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusFailed, job.Status)
	require.Equal(t, grabber.CodeAccessDenied, job.ErrorCode)
	require.Contains(t, job.Error, "anonymous")
	require.Equal(t, 2, extractor.count())
	require.Len(t, downloader.mediaRequests(), 2)
}

func TestTickInvalidMediaTriggersReextract(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(call int) (grabber.Extraction, error) {
		if call == 1 {
			return extraction(mediaURL), nil
		}
		return extraction(freshURL), nil
	}}
	downloader := &fakeDownloader{fn: func(_ int, req download.Request) (grabber.DownloadResult, error) {
		if req.URL == mediaURL {
			return store(req, []byte("<html><body>Log in to TikTok</body></html>"), "text/html")
		}
		return store(req, mp4Body, "video/mp4")
	}}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusCompleted, job.Status)
	require.Equal(t, freshURL, job.ExtractedURL)
}

func TestTickPinnedURLReextractsFromSourcePage(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) { return extraction(freshURL), nil }}
	downloader := &fakeDownloader{fn: func(_ int, req download.Request) (grabber.DownloadResult, error) {
		if req.URL != freshURL {
			return grabber.DownloadResult{}, grabber.NewError(grabber.CodeExpiredMediaURL, "expired")
		}
		return store(req, mp4Body, "video/mp4")
	}}
	h := newHarness(t, extractor, downloader, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{
		URL:          postURL,
		ExtractedURL: "https://v16.tiktokcdn.com/play/old.mp4?x-expires=1",
	})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusCompleted, job.Status)
	require.Equal(t, 1, extractor.count())
}

func TestTickDoesNotReextractFinalCodes(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) { return extraction(mediaURL), nil }}
	downloader := &fakeDownloader{fn: func(int, download.Request) (grabber.DownloadResult, error) {
		return grabber.DownloadResult{}, grabber.NewError(grabber.CodeDownloadFailed, "unexpected status 502 Bad Gateway")
	}}
	h := newHarness(t, extractor, downloader, 3)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.CodeDownloadFailed, job.ErrorCode)
	require.Equal(t, 1, extractor.count())
}

func TestTickReextractDisabled(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) { return extraction(mediaURL), nil }}
	downloader := &fakeDownloader{fn: func(int, download.Request) (grabber.DownloadResult, error) {
		return grabber.DownloadResult{}, grabber.NewError(grabber.CodeExpiredMediaURL, "expired")
	}}
	h := newHarness(t, extractor, downloader, 0)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.CodeExpiredMediaURL, job.ErrorCode)
	require.Equal(t, 1, extractor.count())
}

func deniedEverywhere(_ int, req download.Request) (grabber.DownloadResult, error) {
	return grabber.DownloadResult{}, &download.AccessDeniedError{
		URL:           req.URL,
		Anonymous:     "unexpected status 403 Forbidden",
		Authenticated: "no browser cookies",
	}
}

func TestTickPinnedURLWithoutBrowserKeepsDownloadCode(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(int) (grabber.Extraction, error) { return extraction(freshURL), nil }}
	h := newHarness(t, extractor, &fakeDownloader{fn: deniedEverywhere}, 1)
	h.worker.sessions = headless.NewNoop()
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL, ExtractedURL: mediaURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusFailed, job.Status)
	require.Equal(t, grabber.CodeAccessDenied, job.ErrorCode)
	require.Contains(t, job.Error, "anonymous")
	require.Contains(t, job.Error, "no browser cookies")
	require.NotContains(t, job.Error, "headless browser not configured")
	require.Equal(t, 0, extractor.count())
}

func TestTickFailedReextractKeepsDownloadCode(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{fn: func(call int) (grabber.Extraction, error) {
		if call == 1 {
			return extraction(mediaURL), nil
		}
		return grabber.Extraction{}, grabber.NewError(grabber.CodeNavigationFailed, "navigate: net::ERR_TIMED_OUT")
	}}
	h := newHarness(t, extractor, &fakeDownloader{fn: deniedEverywhere}, 1)
	ctx := context.Background()

	created, err := h.intake.CreateJob(ctx, intake.Submission{URL: postURL})
	require.NoError(t, err)
	_, err = h.worker.Tick(ctx)
	require.NoError(t, err)

	job, err := h.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, grabber.JobStatusFailed, job.Status)
	require.Equal(t, grabber.CodeAccessDenied, job.ErrorCode)
	require.Contains(t, job.Error, "anonymous")
	require.Contains(t, job.Error, "re-extract")
	require.Equal(t, 2, extractor.count())
}
