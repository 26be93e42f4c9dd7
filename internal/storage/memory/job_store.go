// Package memory provides in-process implementations of the job repository
// and blob store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// JobStore is a mutex-guarded JobRepository. It enforces the same partial
// uniqueness on canonical URL that the SQL stores declare as an index.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]grabber.Job
	active map[string]string // canonical url -> job id
	seq    map[string]uint64
	next   uint64
}

var _ grabber.JobRepository = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]grabber.Job),
		active: make(map[string]string),
		seq:    make(map[string]uint64),
	}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job grabber.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status.IsActive() {
		if _, taken := s.active[job.CanonicalURL]; taken {
			return grabber.ErrDuplicateActive
		}
		s.active[job.CanonicalURL] = job.ID
	}
	s.next++
	s.seq[job.ID] = s.next
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (grabber.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return grabber.Job{}, grabber.ErrJobNotFound
	}
	return job.Clone(), nil
}

// FindActive returns the active job owning canonicalURL, or any active job
// submitted with the exact sourceURL.
func (s *JobStore) FindActive(_ context.Context, canonicalURL, sourceURL string) (grabber.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.active[canonicalURL]; ok {
		return s.jobs[id].Clone(), nil
	}
	if sourceURL != "" {
		for _, id := range s.orderedIDs(false) {
			job := s.jobs[id]
			if job.SourceURL == sourceURL && job.Status.IsActive() {
				return job.Clone(), nil
			}
		}
	}
	return grabber.Job{}, grabber.ErrJobNotFound
}

// Save overwrites the job when its stored status still equals expected.
func (s *JobStore) Save(_ context.Context, job grabber.Job, expected grabber.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return grabber.ErrJobNotFound
	}
	if current.Status != expected {
		return grabber.ErrStatusConflict
	}
	if job.Status.IsActive() {
		if owner, taken := s.active[job.CanonicalURL]; taken && owner != job.ID {
			return grabber.ErrDuplicateActive
		}
	}
	if current.Status.IsActive() && s.active[current.CanonicalURL] == job.ID {
		delete(s.active, current.CanonicalURL)
	}
	if job.Status.IsActive() {
		s.active[job.CanonicalURL] = job.ID
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ClaimNextQueued moves the oldest queued job to running under the write lock.
func (s *JobStore) ClaimNextQueued(_ context.Context, now time.Time) (grabber.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.orderedIDs(false) {
		job := s.jobs[id]
		if job.Status != grabber.JobStatusQueued {
			continue
		}
		job.Status = grabber.JobStatusRunning
		job.StartedAt = grabber.TimePtr(now)
		job.UpdatedAt = now
		job.AttemptCount++
		job.ProgressPct = grabber.ProgressClaimed
		s.jobs[id] = job
		return job.Clone(), true, nil
	}
	return grabber.Job{}, false, nil
}

// FailStaleRunning fails every running job started before cutoff.
func (s *JobStore) FailStaleRunning(
	_ context.Context,
	cutoff, now time.Time,
	code grabber.Code,
	message string,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	healed := 0
	for id, job := range s.jobs {
		if job.Status != grabber.JobStatusRunning || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = grabber.JobStatusFailed
		job.FailedAt = grabber.TimePtr(now)
		job.UpdatedAt = now
		job.Error = message
		job.ErrorCode = code
		if s.active[job.CanonicalURL] == id {
			delete(s.active, job.CanonicalURL)
		}
		s.jobs[id] = job
		healed++
	}
	return healed, nil
}

// List returns jobs newest first.
func (s *JobStore) List(_ context.Context, filter grabber.ListFilter) ([]grabber.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]grabber.Job, 0)
	skipped := 0
	for _, id := range s.orderedIDs(true) {
		job := s.jobs[id]
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, job.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *JobStore) Close() error {
	return nil
}

// orderedIDs sorts by creation time, then insertion order. Callers hold the lock.
func (s *JobStore) orderedIDs(newestFirst bool) []string {
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	before := func(x, y string) bool {
		a, b := s.jobs[x], s.jobs[y]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return s.seq[x] < s.seq[y]
	}
	sort.Slice(ids, func(i, j int) bool {
		if newestFirst {
			return before(ids[j], ids[i])
		}
		return before(ids[i], ids[j])
	})
	return ids
}
