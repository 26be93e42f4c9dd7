// Package intake validates submitted post URLs and creates jobs without ever
// leaving two active records for one canonical URL.
package intake

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/metrics"
	"github.com/JakeFAU/postgrab/internal/platform"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	// createAttempts bounds the retry when a constraint race is lost to a job
	// that became inactive before it could be re-read.
	createAttempts = 3
)

// Submission is one request to grab a post.
type Submission struct {
	URL      string
	DomainID string
	// ExtractedURL pins the media URL and skips extraction.
	ExtractedURL string
}

// DuplicateError points at the active job that already owns the URL.
type DuplicateError struct {
	JobID  string
	Status grabber.JobStatus
	Code   grabber.Code
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: job %s is %s", e.Code, e.JobID, e.Status)
}

// ErrorCode implements grabber.Coded.
func (e *DuplicateError) ErrorCode() grabber.Code {
	return e.Code
}

// TraceIDGenerator mints trace ids for new jobs.
type TraceIDGenerator interface {
	NewTraceID() (string, error)
}

// Service is the intake entry point used by the API and CLI.
type Service struct {
	repo      grabber.JobRepository
	registry  *platform.Registry
	artifacts grabber.ArtifactChecker
	ids       grabber.IDGenerator
	clock     grabber.Clock
	logger    *zap.Logger
}

// New constructs a Service. artifacts may be nil, in which case completed
// jobs are always reported as duplicates.
func New(
	repo grabber.JobRepository,
	registry *platform.Registry,
	artifacts grabber.ArtifactChecker,
	ids grabber.IDGenerator,
	clock grabber.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		registry:  registry,
		artifacts: artifacts,
		ids:       ids,
		clock:     clock,
		logger:    logger.Named("intake"),
	}
}

// CreateJob validates the submission and creates a queued job, requeues a
// completed job whose artifact has vanished, or returns a *DuplicateError.
func (s *Service) CreateJob(ctx context.Context, sub Submission) (grabber.Job, error) {
	p, canonical, err := s.validate(sub)
	if err != nil {
		metrics.ObserveIntake("invalid")
		return grabber.Job{}, err
	}
	sourceURL := strings.TrimSpace(sub.URL)

	for attempt := 0; attempt < createAttempts; attempt++ {
		existing, err := s.repo.FindActive(ctx, canonical, sourceURL)
		switch {
		case err == nil:
			return s.handleExisting(ctx, existing, sub)
		case !errors.Is(err, grabber.ErrJobNotFound):
			return grabber.Job{}, fmt.Errorf("find active job: %w", err)
		}

		job, err := s.newJob(p, sourceURL, canonical, sub)
		if err != nil {
			return grabber.Job{}, err
		}
		err = s.repo.Create(ctx, job)
		if err == nil {
			metrics.ObserveIntake("created")
			s.logger.Info("job created",
				zap.String("job_id", job.ID),
				zap.String("trace_id", job.TraceID),
				zap.String("canonical_url", canonical),
				zap.Bool("pinned", job.ExtractedURL != ""),
			)
			return job, nil
		}
		if !errors.Is(err, grabber.ErrDuplicateActive) {
			return grabber.Job{}, fmt.Errorf("create job: %w", err)
		}
		// A concurrent submission won the constraint; re-read to report it.
		s.logger.Debug("create lost uniqueness race", zap.String("canonical_url", canonical))
	}
	return grabber.Job{}, fmt.Errorf("create job: %w", grabber.ErrDuplicateActive)
}

func (s *Service) handleExisting(ctx context.Context, existing grabber.Job, sub Submission) (grabber.Job, error) {
	if existing.Status == grabber.JobStatusCompleted && s.artifactMissing(ctx, existing) {
		requeued, err := s.requeue(ctx, existing, sub)
		if err == nil {
			return requeued, nil
		}
		if !errors.Is(err, grabber.ErrStatusConflict) {
			return grabber.Job{}, err
		}
		// Someone else touched the record; fall through with a fresh read.
		if existing, err = s.repo.Get(ctx, existing.ID); err != nil {
			return grabber.Job{}, fmt.Errorf("reload job: %w", err)
		}
	}
	metrics.ObserveIntake("duplicate")
	return grabber.Job{}, duplicateOf(existing)
}

func (s *Service) artifactMissing(ctx context.Context, job grabber.Job) bool {
	if s.artifacts == nil {
		return false
	}
	if job.OutputPath == "" {
		return true
	}
	ok, err := s.artifacts.Exists(ctx, job.OutputPath)
	if err != nil {
		s.logger.Warn("artifact check failed; treating as present",
			zap.String("job_id", job.ID), zap.String("path", job.OutputPath), zap.Error(err))
		return false
	}
	return !ok
}

// requeue repairs a completed record whose output is gone. It writes
// completed -> queued directly, which no lifecycle path is allowed to do.
func (s *Service) requeue(ctx context.Context, job grabber.Job, sub Submission) (grabber.Job, error) {
	now := s.clock.Now()
	next := job.Clone()
	next.Status = grabber.JobStatusQueued
	next.ProgressPct = grabber.ProgressClaimed
	next.UpdatedAt = now
	next.StartedAt = nil
	next.CompletedAt = nil
	next.FailedAt = nil
	next.OutputPath = ""
	next.ThumbnailPath = ""
	next.Error = ""
	next.ErrorCode = ""
	next.ExtractedURL = ""
	next.SourceType = ""
	if pinned := strings.TrimSpace(sub.ExtractedURL); pinned != "" {
		next.ExtractedURL = pinned
		next.SourceType = grabber.ClassifyMediaURL(pinned)
	}
	if err := s.repo.Save(ctx, next, grabber.JobStatusCompleted); err != nil {
		return grabber.Job{}, fmt.Errorf("requeue job: %w", err)
	}
	metrics.ObserveIntake("requeued")
	s.logger.Info("requeued completed job with missing artifact",
		zap.String("job_id", job.ID), zap.String("missing_path", job.OutputPath))
	return next, nil
}

func (s *Service) validate(sub Submission) (*platform.Platform, string, error) {
	raw := strings.TrimSpace(sub.URL)
	if raw == "" {
		return nil, "", grabber.NewError(grabber.CodeInvalidURL, "url is required")
	}
	p, _, err := s.registry.Resolve(raw)
	if err != nil {
		return nil, "", grabber.WrapError(grabber.CodeInvalidURL, "unsupported post url", err)
	}
	canonical, err := grabber.CanonicalizePostURL(raw)
	if err != nil {
		return nil, "", grabber.WrapError(grabber.CodeInvalidURL, "malformed post url", err)
	}
	if pinned := strings.TrimSpace(sub.ExtractedURL); pinned != "" {
		if err := ValidateMediaURL(pinned); err != nil {
			return nil, "", err
		}
	}
	return p, canonical, nil
}

func (s *Service) newJob(p *platform.Platform, sourceURL, canonical string, sub Submission) (grabber.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return grabber.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	traceID := id
	if tg, ok := s.ids.(TraceIDGenerator); ok {
		if traceID, err = tg.NewTraceID(); err != nil {
			return grabber.Job{}, fmt.Errorf("generate trace id: %w", err)
		}
	}
	now := s.clock.Now()
	job := grabber.Job{
		ID:           id,
		SourceURL:    sourceURL,
		CanonicalURL: canonical,
		DomainID:     s.registry.DomainID(sub.DomainID, p.ID, sourceURL),
		TraceID:      traceID,
		Status:       grabber.JobStatusQueued,
		ProgressPct:  grabber.ProgressClaimed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if u, err := url.Parse(sourceURL); err == nil {
		job.ApplyIdentity(p.Account(u, nil))
	}
	if pinned := strings.TrimSpace(sub.ExtractedURL); pinned != "" {
		job.ExtractedURL = pinned
		job.SourceType = grabber.ClassifyMediaURL(pinned)
	}
	return job, nil
}

// ValidateMediaURL accepts absolute http(s) URLs only.
func ValidateMediaURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return grabber.WrapError(grabber.CodeInvalidURL, "malformed media url", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return grabber.NewError(grabber.CodeInvalidURL, "media url must be absolute http(s)")
	}
	return nil
}

func duplicateOf(job grabber.Job) *DuplicateError {
	code := grabber.CodeDuplicateActiveJob
	if job.Status == grabber.JobStatusCompleted {
		code = grabber.CodeDuplicateCompletedJob
	}
	return &DuplicateError{JobID: job.ID, Status: job.Status, Code: code}
}
