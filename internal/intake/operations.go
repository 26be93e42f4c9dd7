package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// OperatorFailedMessage is persisted when an operator fails a job by hand.
const OperatorFailedMessage = "failed by operator"

// ErrInvalidFilter rejects list filters naming an unknown status.
var ErrInvalidFilter = errors.New("invalid list filter")

// ManualRetry submits the job's source URL again with a pinned media URL so the
// worker skips extraction. Dedup rules apply to the new submission.
func (s *Service) ManualRetry(ctx context.Context, jobID, mediaURL string) (grabber.Job, error) {
	if err := ValidateMediaURL(mediaURL); err != nil {
		return grabber.Job{}, err
	}
	original, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return grabber.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	job, err := s.CreateJob(ctx, Submission{
		URL:          original.SourceURL,
		DomainID:     original.DomainID,
		ExtractedURL: mediaURL,
	})
	if err != nil {
		return grabber.Job{}, err
	}
	s.logger.Info("manual retry queued",
		zap.String("job_id", job.ID), zap.String("retry_of", original.ID))
	return job, nil
}

// RequestStatusTransition applies an operator status change. Only canceled
// and failed are operator targets; the rest belong to the claim path and the
// worker.
func (s *Service) RequestStatusTransition(
	ctx context.Context,
	jobID string,
	next grabber.JobStatus,
) (grabber.Job, error) {
	if next != grabber.JobStatusCanceled && next != grabber.JobStatusFailed {
		return grabber.Job{}, grabber.NewError(
			grabber.CodeInvalidStatusTransition,
			fmt.Sprintf("status %q cannot be requested", next),
		)
	}
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return grabber.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	current := job.Status
	if err := grabber.CheckTransition(current, next); err != nil {
		return grabber.Job{}, err
	}

	now := s.clock.Now()
	job.Status = next
	job.UpdatedAt = now
	switch next {
	case grabber.JobStatusCanceled:
		job.CanceledAt = grabber.TimePtr(now)
	case grabber.JobStatusFailed:
		job.FailedAt = grabber.TimePtr(now)
		job.Error = OperatorFailedMessage
		job.ErrorCode = grabber.CodeOperatorFailed
	}
	if err := s.repo.Save(ctx, job, current); err != nil {
		if errors.Is(err, grabber.ErrStatusConflict) {
			return grabber.Job{}, grabber.WrapError(
				grabber.CodeInvalidStatusTransition,
				fmt.Sprintf("job %s left %s before the change applied", jobID, current),
				err,
			)
		}
		return grabber.Job{}, fmt.Errorf("save job %s: %w", jobID, err)
	}
	s.logger.Info("status changed by operator",
		zap.String("job_id", jobID),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
	)
	return job, nil
}

// Get loads a job.
func (s *Service) Get(ctx context.Context, jobID string) (grabber.Job, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return grabber.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// List returns jobs newest first with a bounded page size.
func (s *Service) List(ctx context.Context, filter grabber.ListFilter) ([]grabber.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	jobs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
