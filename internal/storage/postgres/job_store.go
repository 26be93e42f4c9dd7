// Package postgres provides the Postgres-backed job repository.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

//go:embed schema.sql
var schemaSQL string

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies the embedded schema on startup.
	Migrate bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore implements grabber.JobRepository on Postgres.
type JobStore struct {
	pool  pool
	table string
}

var _ grabber.JobRepository = (*JobStore)(nil)

// NewJobStore connects using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: p, table: table}, nil
}

// Migrate creates the table and its indexes if missing.
func (s *JobStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{table}}", s.table)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const columns = `id, source_url, canonical_url, domain_id, trace_id, status, progress_pct,
	attempt_count, created_at, updated_at, started_at, completed_at, failed_at, canceled_at,
	source_type, extracted_url, candidate_urls, image_urls, metadata, thumbnail_url,
	thumbnail_path, output_path, platform, handle, display_name, slug, error, error_code`

const activeStatuses = `('queued', 'running', 'completed')`

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job grabber.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28
)`, s.table, columns)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return grabber.ErrDuplicateActive
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (grabber.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return grabber.Job{}, grabber.ErrJobNotFound
	}
	if err != nil {
		return grabber.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindActive prefers the canonical match over an exact source URL match.
func (s *JobStore) FindActive(ctx context.Context, canonicalURL, sourceURL string) (grabber.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status IN %s AND (canonical_url = $1 OR source_url = $2)
ORDER BY (canonical_url = $1) DESC, created_at, seq
LIMIT 1`, columns, s.table, activeStatuses)
	job, err := scanJob(s.pool.QueryRow(ctx, query, canonicalURL, sourceURL))
	if errors.Is(err, pgx.ErrNoRows) {
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
	args = append(args, string(expected))
	query := fmt.Sprintf(`UPDATE %s SET
	source_url = $2, canonical_url = $3, domain_id = $4, trace_id = $5, status = $6,
	progress_pct = $7, attempt_count = $8, created_at = $9, updated_at = $10,
	started_at = $11, completed_at = $12, failed_at = $13, canceled_at = $14,
	source_type = $15, extracted_url = $16, candidate_urls = $17, image_urls = $18,
	metadata = $19, thumbnail_url = $20, thumbnail_path = $21, output_path = $22,
	platform = $23, handle = $24, display_name = $25, slug = $26, error = $27, error_code = $28
WHERE id = $1 AND status = $29`, s.table)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return grabber.ErrDuplicateActive
		}
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), job.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return grabber.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check job status: %w", err)
	}
	return grabber.ErrStatusConflict
}

// ClaimNextQueued moves the oldest queued row to running. SKIP LOCKED lets
// concurrent workers claim different rows without blocking each other.
func (s *JobStore) ClaimNextQueued(ctx context.Context, now time.Time) (grabber.Job, bool, error) {
	query := fmt.Sprintf(`UPDATE %[1]s SET
	status = 'running', started_at = $1, updated_at = $1,
	attempt_count = attempt_count + 1, progress_pct = %[2]d
WHERE id = (
	SELECT id FROM %[1]s
	WHERE status = 'queued'
	ORDER BY created_at, seq
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %[3]s`, s.table, grabber.ProgressClaimed, columns)
	job, err := scanJob(s.pool.QueryRow(ctx, query, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return grabber.Job{}, false, nil
	}
	if err != nil {
		return grabber.Job{}, false, fmt.Errorf("claim job: %w", err)
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
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'failed', failed_at = $1, updated_at = $1, error = $2, error_code = $3
WHERE status = 'running' AND started_at < $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, now, message, string(code), cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// List returns jobs newest first.
func (s *JobStore) List(ctx context.Context, filter grabber.ListFilter) ([]grabber.Job, error) {
	var (
		where string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = fmt.Sprintf("WHERE status = $%d", len(args))
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d`,
		columns, s.table, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
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
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.FailedAt,
		job.CanceledAt,
		string(job.SourceType),
		job.ExtractedURL,
		candidates,
		images,
		meta,
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

func scanJob(row pgx.Row) (grabber.Job, error) {
	var (
		job                      grabber.Job
		status, sourceType, code string
		candidates, images, meta []byte
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
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.FailedAt,
		&job.CanceledAt,
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
	if err := decodeJSON(candidates, &job.CandidateURLs); err != nil {
		return grabber.Job{}, fmt.Errorf("decode candidate urls: %w", err)
	}
	if err := decodeJSON(images, &job.ImageURLs); err != nil {
		return grabber.Job{}, fmt.Errorf("decode image urls: %w", err)
	}
	if err := decodeJSON(meta, &job.Metadata); err != nil {
		return grabber.Job{}, fmt.Errorf("decode metadata: %w", err)
	}
	return job, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
