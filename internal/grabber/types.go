package grabber

import (
	"time"
)

// JobStatus represents the lifecycle state of a grab job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// ActiveStatuses are the statuses covered by the canonical URL uniqueness constraint.
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted}

// IsActive reports whether the status participates in deduplication.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed out of the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// SourceType describes how the selected media URL must be fetched.
type SourceType string

// Source types recorded on a job once a media URL is known.
const (
	SourceTypeDirect SourceType = "direct"
	SourceTypeHLS    SourceType = "hls"
)

// Progress checkpoints written by the worker during one run.
const (
	ProgressClaimed   = 0
	ProgressExtracted = 50
	ProgressDone      = 100
)

// Job is the durable record tracking one post URL through the pipeline.
type Job struct {
	ID           string `json:"id"`
	SourceURL    string `json:"source_url"`
	CanonicalURL string `json:"canonical_url"`
	DomainID     string `json:"domain_id"`
	TraceID      string `json:"trace_id"`

	Status       JobStatus  `json:"status"`
	ProgressPct  int        `json:"progress_pct"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`

	SourceType    SourceType        `json:"source_type,omitempty"`
	ExtractedURL  string            `json:"extracted_url,omitempty"`
	CandidateURLs []string          `json:"candidate_urls,omitempty"`
	ImageURLs     []string          `json:"image_urls,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ThumbnailURL  string            `json:"thumbnail_url,omitempty"`
	ThumbnailPath string            `json:"thumbnail_path,omitempty"`
	OutputPath    string            `json:"output_path,omitempty"`

	Platform    string `json:"platform,omitempty"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Slug        string `json:"slug,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode Code   `json:"error_code,omitempty"`
}

// Clone returns a deep copy so callers can mutate slices and maps safely.
func (j Job) Clone() Job {
	out := j
	out.CandidateURLs = cloneStrings(j.CandidateURLs)
	out.ImageURLs = cloneStrings(j.ImageURLs)
	if j.Metadata != nil {
		out.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.FailedAt = cloneTime(j.FailedAt)
	out.CanceledAt = cloneTime(j.CanceledAt)
	return out
}

// Identity is the account a post belongs to.
type Identity struct {
	Platform    string
	Handle      string
	DisplayName string
	Slug        string
}

// ApplyIdentity fills empty account fields from id.
func (j *Job) ApplyIdentity(id Identity) {
	if j.Platform == "" {
		j.Platform = id.Platform
	}
	if j.Handle == "" {
		j.Handle = id.Handle
	}
	if j.DisplayName == "" {
		j.DisplayName = id.DisplayName
	}
	if j.Slug == "" {
		j.Slug = id.Slug
	}
}

// ListFilter narrows repository listings.
type ListFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

// PageState is a snapshot of the browser tab used for challenge and
// availability classification.
type PageState struct {
	Title    string
	Text     string
	FinalURL string
	HTML     string
}

// NetworkMedia is one response observed on the wire while the page loaded.
type NetworkMedia struct {
	URL      string
	MimeType string
}

// Extraction is the outcome of a successful extraction attempt.
type Extraction struct {
	MediaURL      string
	SourceType    SourceType
	CandidateURLs []string
	ImageURLs     []string
	Metadata      map[string]string
}

// DownloadResult reports what landed on disk.
type DownloadResult struct {
	Path        string
	Bytes       int64
	ContentType string
	Strategy    string
}

// JobEvent is published whenever a job reaches a terminal state.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	TraceID     string    `json:"trace_id"`
	Status      JobStatus `json:"status"`
	ErrorCode   Code      `json:"error_code,omitempty"`
	SourceURL   string    `json:"source_url"`
	OutputPath  string    `json:"output_path,omitempty"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Handle      string    `json:"handle,omitempty"`
	At          time.Time `json:"at"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
