// Package worker implements the claim, extract, download and persist loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/download"
	"github.com/JakeFAU/postgrab/internal/extract"
	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/metrics"
	"github.com/JakeFAU/postgrab/internal/platform"
	"github.com/JakeFAU/postgrab/internal/queue"
)

const tracerName = "github.com/JakeFAU/postgrab/internal/worker"

// DefaultPollInterval is used when Config.PollInterval is unset.
const DefaultPollInterval = 2 * time.Second

// Extractor selects a media URL from a live page.
type Extractor interface {
	Extract(ctx context.Context, session grabber.BrowserSession, sourceURL string) (grabber.Extraction, error)
}

// Downloader fetches a media URL to disk.
type Downloader interface {
	Download(ctx context.Context, req download.Request) (grabber.DownloadResult, error)
}

// Hasher digests a finished artifact.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Thumbnailer rewrites a downloaded cover image into the stored thumbnail.
type Thumbnailer interface {
	Normalize(srcPath, dstPath string) (int, int, error)
}

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
	// ReextractAttempts bounds fresh extractions after an expired, denied or
	// invalid download.
	ReextractAttempts int
	OutputDir         string
	ThumbnailDir      string
	MinBytes          int64
	MinImageBytes     int64
	MirrorPrefix      string
	Topic             string
}

// Worker processes one job per tick.
type Worker struct {
	repo        grabber.JobRepository
	claims      *queue.Service
	sessions    grabber.SessionProvider
	extractor   Extractor
	downloader  Downloader
	thumbnailer Thumbnailer
	hasher      Hasher
	registry    *platform.Registry
	mirror      grabber.BlobStore
	publisher   grabber.Publisher
	clock       grabber.Clock
	cfg         Config
	logger      *zap.Logger

	ticking atomic.Bool
}

// New constructs a Worker. thumbnailer, hasher, mirror and publisher may be nil.
func New(
	repo grabber.JobRepository,
	claims *queue.Service,
	sessions grabber.SessionProvider,
	extractor Extractor,
	downloader Downloader,
	thumbnailer Thumbnailer,
	hasher Hasher,
	registry *platform.Registry,
	mirror grabber.BlobStore,
	publisher grabber.Publisher,
	clock grabber.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReextractAttempts < 0 {
		cfg.ReextractAttempts = 0
	}
	return &Worker{
		repo:        repo,
		claims:      claims,
		sessions:    sessions,
		extractor:   extractor,
		downloader:  downloader,
		thumbnailer: thumbnailer,
		hasher:      hasher,
		registry:    registry,
		mirror:      mirror,
		publisher:   publisher,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.Named("worker"),
	}
}

// Run ticks at the poll interval until ctx is done, then waits for the
// in-flight tick. Ticks run detached from ctx so shutdown never interrupts a
// job halfway.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	tickCtx := context.WithoutCancel(ctx)
	w.logger.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, draining in-flight tick")
			return
		case <-ticker.C:
			if !w.ticking.CompareAndSwap(false, true) {
				metrics.ObserveTickSkipped()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer w.ticking.Store(false)
				if _, err := w.Tick(tickCtx); err != nil {
					w.logger.Error("tick failed", zap.Error(err))
				}
			}()
		}
	}
}

// persistError marks store failures that abort a tick without further writes.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return e.err.Error() }

func (e *persistError) Unwrap() error { return e.err }

// errAbandoned means the job left running under us, usually an operator cancel.
var errAbandoned = errors.New("job is no longer running")

// Tick claims and processes at most one job. It reports whether a job was
// claimed. Job failures are recorded on the job; only store errors are
// returned.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	job, ok, err := w.claims.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "tick")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("trace_id", job.TraceID),
		attribute.Int("attempt", job.AttemptCount),
	)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	err = w.process(ctx, job)
	switch {
	case errors.Is(err, errAbandoned):
		w.logger.Warn("job changed status during processing, abandoning", zap.String("job_id", job.ID))
		return true, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return true, err
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job grabber.Job) error {
	started := w.clock.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	p, u := w.resolve(job.SourceURL)
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("trace_id", job.TraceID))

	if job.ExtractedURL == "" {
		if err := w.extract(ctx, &job); err != nil {
			return w.fail(ctx, job, err, p, u, started)
		}
	} else {
		if job.SourceType == "" {
			job.SourceType = grabber.ClassifyMediaURL(job.ExtractedURL)
		}
		logger.Info("using pinned media url", zap.String("media_url", job.ExtractedURL))
	}

	w.applyIdentity(&job, p, u)
	output := filepath.Join(w.cfg.OutputDir, job.Slug, job.ID+".mp4")

	res, err := w.acquire(ctx, &job, p, output)
	if err != nil {
		return w.fail(ctx, job, err, p, u, started)
	}
	w.digest(&job, res.Path)
	w.thumbnail(ctx, &job, p)

	now := w.clock.Now()
	job.Status = grabber.JobStatusCompleted
	job.ProgressPct = grabber.ProgressDone
	job.OutputPath = res.Path
	job.CompletedAt = grabber.TimePtr(now)
	job.UpdatedAt = now
	job.Error = ""
	job.ErrorCode = ""
	w.mirrorArtifact(ctx, &job)
	if err := w.save(ctx, job); err != nil {
		return err
	}

	logger.Info("job completed",
		zap.String("output_path", job.OutputPath),
		zap.Int64("bytes", res.Bytes),
		zap.String("strategy", res.Strategy),
	)
	metrics.ObserveJob(string(job.Status), "", now.Sub(started))
	w.publish(ctx, job)
	return nil
}

func (w *Worker) resolve(raw string) (*platform.Platform, *url.URL) {
	if w.registry == nil {
		return nil, nil
	}
	p, u, err := w.registry.Resolve(raw)
	if err != nil {
		return nil, nil
	}
	return p, u
}

// extract runs one extraction attempt and persists its fields at 50%.
func (w *Worker) extract(ctx context.Context, job *grabber.Job) error {
	if w.sessions == nil || w.extractor == nil {
		return grabber.NewError(grabber.CodeNavigationFailed, "no browser configured")
	}
	session, err := w.sessions.NewSession(ctx)
	if err != nil {
		return grabber.WrapError(grabber.CodeNavigationFailed, "open browser session", err)
	}
	ext, err := w.extractor.Extract(ctx, session, job.SourceURL)
	mergeMetadata(job, ext.Metadata)
	if err != nil {
		var challenge *extract.ChallengeError
		if errors.As(err, &challenge) {
			w.logger.Warn("access challenge left open for operator",
				zap.String("job_id", job.ID),
				zap.String("kind", string(challenge.Kind)),
			)
		}
		return err
	}

	job.ExtractedURL = ext.MediaURL
	job.SourceType = ext.SourceType
	job.CandidateURLs = ext.CandidateURLs
	job.ImageURLs = ext.ImageURLs
	job.ProgressPct = grabber.ProgressExtracted
	job.UpdatedAt = w.clock.Now()
	return w.save(ctx, *job)
}

func mergeMetadata(job *grabber.Job, in map[string]string) {
	if len(in) == 0 {
		return
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]string, len(in))
	}
	for k, v := range in {
		job.Metadata[k] = v
	}
}

// acquire runs the download chain, re-extracting a fresh media URL when the
// failure suggests the current one went stale.
func (w *Worker) acquire(ctx context.Context, job *grabber.Job, p *platform.Platform, output string) (grabber.DownloadResult, error) {
	var headers http.Header
	if p != nil {
		headers = p.Headers()
	}
	for attempt := 0; ; attempt++ {
		res, err := w.downloadMedia(ctx, job, headers, output)
		if err == nil {
			return res, nil
		}
		if !reextractable(err) || attempt >= w.cfg.ReextractAttempts || !w.canExtract() {
			return grabber.DownloadResult{}, err
		}
		metrics.ObserveReextraction()
		w.logger.Info("download failed, re-extracting media url",
			zap.String("job_id", job.ID),
			zap.String("code", string(grabber.CodeOf(err))),
			zap.Error(err),
		)
		if extractErr := w.extract(ctx, job); extractErr != nil {
			// The download failure stays first so it decides the stored code.
			return grabber.DownloadResult{}, errors.Join(err, fmt.Errorf("re-extract: %w", extractErr))
		}
	}
}

// canExtract reports whether a live browser can serve another extraction.
// Providers may opt out through an Available method.
func (w *Worker) canExtract() bool {
	if w.sessions == nil || w.extractor == nil {
		return false
	}
	if a, ok := w.sessions.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}

func reextractable(err error) bool {
	switch grabber.CodeOf(err) {
	case grabber.CodeExpiredMediaURL, grabber.CodeAccessDenied, grabber.CodeInvalidMedia:
		return true
	default:
		return false
	}
}

func (w *Worker) downloadMedia(ctx context.Context, job *grabber.Job, headers http.Header, output string) (grabber.DownloadResult, error) {
	res, err := w.downloader.Download(ctx, download.Request{
		URL:        job.ExtractedURL,
		Target:     output,
		SourceType: job.SourceType,
		Headers:    headers,
	})
	if err != nil {
		return grabber.DownloadResult{}, err
	}
	if err := download.Validate(res, download.Expect{Kind: download.KindVideo, MinBytes: w.cfg.MinBytes}); err != nil {
		_ = os.Remove(res.Path)
		return grabber.DownloadResult{}, err
	}
	return res, nil
}

// thumbnail stores the first usable cover image. Failures only log.
func (w *Worker) thumbnail(ctx context.Context, job *grabber.Job, p *platform.Platform) {
	if w.thumbnailer == nil || len(job.ImageURLs) == 0 {
		return
	}
	var headers http.Header
	if p != nil {
		headers = p.Headers()
	}
	dst := filepath.Join(w.cfg.ThumbnailDir, job.Slug, job.ID+".jpg")
	src := dst + ".src"
	defer func() { _ = os.Remove(src) }()

	for _, imageURL := range job.ImageURLs {
		res, err := w.downloader.Download(ctx, download.Request{
			URL:        imageURL,
			Target:     src,
			SourceType: grabber.SourceTypeDirect,
			Headers:    headers,
		})
		if err == nil {
			err = download.Validate(res, download.Expect{Kind: download.KindImage, MinBytes: w.cfg.MinImageBytes})
		}
		if err == nil {
			_, _, err = w.thumbnailer.Normalize(src, dst)
		}
		if err != nil {
			w.logger.Debug("thumbnail candidate rejected",
				zap.String("job_id", job.ID),
				zap.String("image_url", imageURL),
				zap.Error(err),
			)
			continue
		}
		job.ThumbnailURL = imageURL
		job.ThumbnailPath = dst
		return
	}
	w.logger.Warn("no usable thumbnail", zap.String("job_id", job.ID))
}

func (w *Worker) digest(job *grabber.Job, path string) {
	if w.hasher == nil {
		return
	}
	sum, err := w.hasher.HashFile(path)
	if err != nil {
		w.logger.Warn("artifact digest failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	mergeMetadata(job, map[string]string{"sha256": sum})
}

func (w *Worker) mirrorArtifact(ctx context.Context, job *grabber.Job) {
	if w.mirror == nil {
		return
	}
	f, err := os.Open(job.OutputPath)
	if err != nil {
		w.logger.Warn("open artifact for mirror failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()

	key := job.Slug + "/" + job.ID + ".mp4"
	if prefix := strings.Trim(w.cfg.MirrorPrefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	uri, err := w.mirror.PutObject(ctx, key, "video/mp4", f)
	if err != nil {
		w.logger.Warn("mirror upload failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	mergeMetadata(job, map[string]string{"artifact_uri": uri})
}

func (w *Worker) applyIdentity(job *grabber.Job, p *platform.Platform, u *url.URL) {
	if p != nil {
		job.ApplyIdentity(p.Account(u, job.Metadata))
	}
	if job.Slug == "" {
		job.Slug = platform.Slugify(platform.HostDomainID(job.SourceURL))
	}
	if job.Slug == "" {
		job.Slug = "unknown"
	}
}

// fail records the terminal failure. The cause is never returned; only a
// store error is.
func (w *Worker) fail(
	ctx context.Context,
	job grabber.Job,
	cause error,
	p *platform.Platform,
	u *url.URL,
	started time.Time,
) error {
	var pe *persistError
	if errors.As(cause, &pe) || errors.Is(cause, errAbandoned) {
		return cause
	}
	w.applyIdentity(&job, p, u)
	now := w.clock.Now()
	job.Status = grabber.JobStatusFailed
	job.FailedAt = grabber.TimePtr(now)
	job.UpdatedAt = now
	job.Error = cause.Error()
	job.ErrorCode = grabber.CodeOf(cause)
	if err := w.save(ctx, job); err != nil {
		return err
	}
	w.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("code", string(job.ErrorCode)),
		zap.Error(cause),
	)
	metrics.ObserveJob(string(job.Status), string(job.ErrorCode), now.Sub(started))
	w.publish(ctx, job)
	return nil
}

func (w *Worker) save(ctx context.Context, job grabber.Job) error {
	err := w.repo.Save(ctx, job, grabber.JobStatusRunning)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, grabber.ErrStatusConflict):
		return errAbandoned
	default:
		return &persistError{err: fmt.Errorf("save job %s: %w", job.ID, err)}
	}
}

func (w *Worker) publish(ctx context.Context, job grabber.Job) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := grabber.JobEvent{
		JobID:       job.ID,
		TraceID:     job.TraceID,
		Status:      job.Status,
		ErrorCode:   job.ErrorCode,
		SourceURL:   job.SourceURL,
		OutputPath:  job.OutputPath,
		ArtifactURI: job.Metadata["artifact_uri"],
		Platform:    job.Platform,
		Handle:      job.Handle,
		At:          w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
