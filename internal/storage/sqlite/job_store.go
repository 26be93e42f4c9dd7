// Package sqlite is a single-node durable job repository on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

//go:embed schema.sql
var schemaSQL string

// Fixed-width UTC timestamps sort lexically in the same order as in time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// JobStore implements grabber.JobRepository on SQLite.
type JobStore struct {
	db   *sql.DB
	path string
}

var _ grabber.JobRepository = (*JobStore)(nil)

// Open creates or connects to the database at path and applies the schema.
func Open(ctx context.Context, path string) (*JobStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store.sqlite.path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	store := &JobStore{db: db, path: path}
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const columns = `id, source_url, canonical_url, domain_id, trace_id, status, progress_pct,
	attempt_count, created_at, updated_at, started_at, completed_at, failed_at, canceled_at,
	source_type, extracted_url, candidate_urls, image_urls, metadata, thumbnail_url,
	thumbnail_path, output_path, platform, handle, display_name, slug, error, error_code`

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job grabber.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	query := fmt.Sprintf(`INSERT INTO jobs (%s) VALUES (%s)`, columns, placeholders)
	if _, err := s.execWithRetry(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return grabber.ErrDuplicateActive
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (grabber.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grabber.Job{}, grabber.ErrJobNotFound
	}
	if err != nil {
		return grabber.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindActive prefers the canonical match over an exact source URL match.
func (s *JobStore) FindActive(ctx context.Context, canonicalURL, sourceURL string) (grabber.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs
WHERE status IN ('queued', 'running', 'completed') AND (canonical_url = ? OR source_url = ?)
ORDER BY (canonical_url = ?) DESC, created_at, seq
LIMIT 1`, canonicalURL, sourceURL, canonicalURL)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grabber.Job{}, grabber.ErrJobNotFound
	}
	if err != nil {
		return grabber.Job{}, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// Save overwrites the row when its status still equals expected.
func (s *JobStore) Save(ctx context.Context, job grabber.Job, expected grabber.JobStatus) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// id moves from the front to the WHERE clause.
	args = append(args[1:], job.ID, string(expected))
	res, err := s.execWithRetry(ctx, `UPDATE jobs SET
	source_url = ?, canonical_url = ?, domain_id = ?, trace_id = ?, status = ?,
	progress_pct = ?, attempt_count = ?, created_at = ?, updated_at = ?,
	started_at = ?, completed_at = ?, failed_at = ?, canceled_at = ?,
	source_type = ?, extracted_url = ?, candidate_urls = ?, image_urls = ?,
	metadata = ?, thumbnail_url = ?, thumbnail_path = ?, output_path = ?,
	platform = ?, handle = ?, display_name = ?, slug = ?, error = ?, error_code = ?
WHERE id = ? AND status = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return grabber.ErrDuplicateActive
		}
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, job.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return grabber.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check job status: %w", err)
	}
	return grabber.ErrStatusConflict
}

// ClaimNextQueued moves the oldest queued row to running in one statement;
// SQLite's single writer makes it indivisible.
func (s *JobStore) ClaimNextQueued(ctx context.Context, now time.Time) (grabber.Job, bool, error) {
	query := fmt.Sprintf(`UPDATE jobs SET
	status = 'running', started_at = ?, updated_at = ?,
	attempt_count = attempt_count + 1, progress_pct = %d
WHERE id = (SELECT id FROM jobs WHERE status = 'queued' ORDER BY created_at, seq LIMIT 1)
RETURNING %s`, grabber.ProgressClaimed, columns)
	ts := formatTime(now)
	var (
		job grabber.Job
		err error
	)
	retryErr := retryOnBusy(ctx, func() error {
		job, err = scanJob(s.db.QueryRowContext(ctx, query, ts, ts))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if retryErr != nil {
		return grabber.Job{}, false, fmt.Errorf("claim job: %w", retryErr)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return grabber.Job{}, false, nil
	}
	return job, true, nil
}

// FailStaleRunning fails running rows started before cutoff.
func (s *JobStore) FailStaleRunning(
	ctx context.Context,
	cutoff, now time.Time,
	code grabber.Code,
	message string,
) (int, error) {
	ts := formatTime(now)
	res, err := s.execWithRetry(ctx, `UPDATE jobs SET
	status = 'failed', failed_at = ?, updated_at = ?, error = ?, error_code = ?
WHERE status = 'running' AND started_at < ?`, ts, ts, message, string(code), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return int(n), nil
}

// List returns jobs newest first.
func (s *JobStore) List(ctx context.Context, filter grabber.ListFilter) ([]grabber.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]grabber.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *JobStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

type sqliteCoder interface{ Code() int }

func isUniqueViolation(err error) bool {
	var coder sqliteCoder
	if errors.As(err, &coder) {
		return coder.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusy(err error) bool {
	var coder sqliteCoder
	if errors.As(err, &coder) && coder.Code()&0xff == sqlite3.SQLITE_BUSY {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

type scanner interface {
	Scan(dest ...any) error
}

func jobArgs(job grabber.Job) ([]any, error) {
	candidates, err := json.Marshal(nonNilStrings(job.CandidateURLs))
	if err != nil {
		return nil, fmt.Errorf("marshal candidate urls: %w", err)
	}
	images, err := json.Marshal(nonNilStrings(job.ImageURLs))
	if err != nil {
		return nil, fmt.Errorf("marshal image urls: %w", err)
	}
	metadata := job.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return []any{
		job.ID,
		job.SourceURL,
		job.CanonicalURL,
		job.DomainID,
		job.TraceID,
		string(job.Status),
		job.ProgressPct,
		job.AttemptCount,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		nullableTime(job.FailedAt),
		nullableTime(job.CanceledAt),
		string(job.SourceType),
		job.ExtractedURL,
		string(candidates),
		string(images),
		string(meta),
		job.ThumbnailURL,
		job.ThumbnailPath,
		job.OutputPath,
		job.Platform,
		job.Handle,
		job.DisplayName,
		job.Slug,
		job.Error,
		string(job.ErrorCode),
	}, nil
}

func scanJob(row scanner) (grabber.Job, error) {
	var (
		job                                  grabber.Job
		status, sourceType, code             string
		created, updated                     string
		started, completed, failed, canceled sql.NullString
		candidates, images, meta             string
	)
	err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&job.CanonicalURL,
		&job.DomainID,
		&job.TraceID,
		&status,
		&job.ProgressPct,
		&job.AttemptCount,
		&created,
		&updated,
		&started,
		&completed,
		&failed,
		&canceled,
		&sourceType,
		&job.ExtractedURL,
		&candidates,
		&images,
		&meta,
		&job.ThumbnailURL,
		&job.ThumbnailPath,
		&job.OutputPath,
		&job.Platform,
		&job.Handle,
		&job.DisplayName,
		&job.Slug,
		&job.Error,
		&code,
	)
	if err != nil {
		return grabber.Job{}, err
	}
	job.Status = grabber.JobStatus(status)
	job.SourceType = grabber.SourceType(sourceType)
	job.ErrorCode = grabber.Code(code)
	if job.CreatedAt, err = parseTime(created); err != nil {
		return grabber.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return grabber.Job{}, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{started, &job.StartedAt},
		{completed, &job.CompletedAt},
		{failed, &job.FailedAt},
		{canceled, &job.CanceledAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return grabber.Job{}, err
		}
		*f.dst = &t
	}
	if err := json.Unmarshal([]byte(candidates), &job.CandidateURLs); err != nil {
		return grabber.Job{}, fmt.Errorf("decode candidate urls: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &job.ImageURLs); err != nil {
		return grabber.Job{}, fmt.Errorf("decode image urls: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		return grabber.Job{}, fmt.Errorf("decode metadata: %w", err)
	}
	if len(job.CandidateURLs) == 0 {
		job.CandidateURLs = nil
	}
	if len(job.ImageURLs) == 0 {
		job.ImageURLs = nil
	}
	if len(job.Metadata) == 0 {
		job.Metadata = nil
	}
	return job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
