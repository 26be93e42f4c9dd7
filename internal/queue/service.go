// Package queue claims queued jobs for workers and recovers jobs orphaned in
// the running state.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/metrics"
)

// DefaultStaleAfter is how long a job may sit in running before recovery
// presumes its worker died.
const DefaultStaleAfter = 15 * time.Minute

// StaleMessage is the error persisted on recovered jobs.
const StaleMessage = "job recovered after restart: exceeded stale threshold"

// Service claims queued jobs and heals orphaned running ones.
type Service struct {
	repo   grabber.JobRepository
	clock  grabber.Clock
	logger *zap.Logger
}

// New constructs a Service.
func New(repo grabber.JobRepository, clock grabber.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, clock: clock, logger: logger.Named("queue")}
}

// ClaimNext atomically moves the oldest queued job to running. It does not
// block when the queue is empty.
func (s *Service) ClaimNext(ctx context.Context) (grabber.Job, bool, error) {
	job, ok, err := s.repo.ClaimNextQueued(ctx, s.clock.Now())
	if err != nil {
		return grabber.Job{}, false, fmt.Errorf("claim next job: %w", err)
	}
	if ok {
		s.logger.Debug("claimed job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptCount),
		)
	}
	return job, ok, nil
}

// RecoverStale fails every running job started more than maxAge ago and
// returns how many were healed. Non-positive maxAge uses DefaultStaleAfter.
func (s *Service) RecoverStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}
	now := s.clock.Now()
	healed, err := s.repo.FailStaleRunning(ctx, now.Add(-maxAge), now, grabber.CodeStaleJobRecovered, StaleMessage)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if healed > 0 {
		metrics.ObserveStaleRecovered(healed)
		s.logger.Warn("recovered stale running jobs",
			zap.Int("count", healed),
			zap.Duration("max_age", maxAge),
		)
	}
	return healed, nil
}
