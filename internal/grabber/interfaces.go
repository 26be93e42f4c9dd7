package grabber

import (
	"context"
	"io"
	"net/http"
	"time"
)

// JobRepository persists job records. Implementations must make
// ClaimNextQueued a single indivisible operation and enforce uniqueness of
// CanonicalURL across ActiveStatuses.
type JobRepository interface {
	// Create inserts a new record, returning ErrDuplicateActive when another
	// active job already owns the canonical URL.
	Create(ctx context.Context, job Job) error
	// Get loads a job by id or returns ErrJobNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// FindActive returns the active job matching the canonical URL or the exact
	// source URL, or ErrJobNotFound.
	FindActive(ctx context.Context, canonicalURL, sourceURL string) (Job, error)
	// Save overwrites the record when its stored status equals expected,
	// otherwise it returns ErrStatusConflict.
	Save(ctx context.Context, job Job, expected JobStatus) error
	// ClaimNextQueued moves the oldest queued job to running.
	ClaimNextQueued(ctx context.Context, now time.Time) (Job, bool, error)
	// FailStaleRunning fails running jobs started before cutoff.
	FailStaleRunning(ctx context.Context, cutoff, now time.Time, code Code, message string) (int, error)
	// List returns jobs newest first.
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	Close() error
}

// BrowserSession is one browser tab scoped to a single extraction attempt.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) (PageState, error)
	CollectMediaCandidateURLs(ctx context.Context) ([]NetworkMedia, error)
	CollectImageURLs(ctx context.Context) ([]string, error)
	CollectMetadata(ctx context.Context) (map[string]string, error)
	CollectDiagnostics(ctx context.Context) (PageState, error)
	Dispose() error
}

// ParkableSession is a session that can outlive its extraction, for example
// a tab left open on a challenge page for an operator. Park hands ownership
// back to the provider and frees the caller's concurrency slot.
type ParkableSession interface {
	BrowserSession
	Park()
}

// SessionProvider owns the shared browser and hands out sessions.
type SessionProvider interface {
	NewSession(ctx context.Context) (BrowserSession, error)
	// Cookies returns the browser's cookies applicable to url, used to
	// authenticate media requests.
	Cookies(ctx context.Context, url string) ([]*http.Cookie, error)
	Close() error
}

// CommandRunner spawns external processes.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ArtifactChecker verifies that a completed job's output still exists.
type ArtifactChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// BlobStore mirrors finished artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes job events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
