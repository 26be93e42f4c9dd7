package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/intake"
	"github.com/JakeFAU/postgrab/internal/platform"
	"github.com/JakeFAU/postgrab/internal/storage/memory"
)

const tiktokURL = "https://www.tiktok.com/@someone/video/7234567890123456789"

func TestServer_SubmitJob_Created(t *testing.T) {
	t.Parallel()

	server, repo := newTestServer(t, Options{})
	rec := do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, "job-001", job.ID)
	require.Equal(t, grabber.JobStatusQueued, job.Status)

	stored, err := repo.Get(context.Background(), "job-001")
	require.NoError(t, err)
	require.Equal(t, tiktokURL, stored.SourceURL)
}

func TestServer_SubmitJob_DuplicateConflict(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`"}`).Code)

	rec := do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`?lang=en"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(grabber.CodeDuplicateActiveJob), body["code"])
	require.Equal(t, "job-001", body["job_id"])
	require.Equal(t, string(grabber.JobStatusQueued), body["status"])
}

func TestServer_SubmitJob_InvalidInput(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})

	rec := do(t, server, http.MethodPost, "/v1/jobs", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/v1/jobs", `{"url":"https://example.com/not-a-post"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), string(grabber.CodeInvalidURL))

	rec = do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`","extracted_url":"ftp://cdn/x.mp4"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`"}`)

	rec := do(t, server, http.MethodGet, "/v1/jobs/job-001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "job-001", decodeJob(t, rec).ID)

	rec = do(t, server, http.MethodGet, "/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), string(grabber.CodeJobNotFound))
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`"}`)
	do(t, server, http.MethodPost, "/v1/jobs", `{"url":"https://www.instagram.com/reel/Cabc123/"}`)

	rec := do(t, server, http.MethodGet, "/v1/jobs?status=queued&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []grabber.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)

	require.Equal(t, http.StatusBadRequest, do(t, server, http.MethodGet, "/v1/jobs?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, server, http.MethodGet, "/v1/jobs?limit=ten", "").Code)
}

func TestServer_ChangeStatus(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`"}`)

	rec := do(t, server, http.MethodPost, "/v1/jobs/job-001/status", `{"status":"failed"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), string(grabber.CodeInvalidStatusTransition))

	rec = do(t, server, http.MethodPost, "/v1/jobs/job-001/status", `{"status":"canceled"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, grabber.JobStatusCanceled, decodeJob(t, rec).Status)

	rec = do(t, server, http.MethodPost, "/v1/jobs/job-001/status", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RetryJob_PinsMediaURL(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	do(t, server, http.MethodPost, "/v1/jobs", `{"url":"`+tiktokURL+`"}`)
	do(t, server, http.MethodPost, "/v1/jobs/job-001/status", `{"status":"canceled"}`)

	rec := do(t, server, http.MethodPost, "/v1/jobs/job-001/retry", `{"media_url":"https://cdn.example.com/v.mp4"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, "job-002", job.ID)
	require.Equal(t, "https://cdn.example.com/v.mp4", job.ExtractedURL)
}

func TestServer_InternalErrorHidesDetail(t *testing.T) {
	t.Parallel()

	server := NewServer(failingJobs{err: errors.New("db exploded")}, Options{}, zap.NewNop())
	rec := do(t, server, http.MethodGet, "/v1/jobs/abc", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "exploded")
	require.Contains(t, rec.Body.String(), string(grabber.CodeUnknown))
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{APIKey: "secret"})

	rec := do(t, server, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/healthz", "").Code)
}

func TestServer_Readiness(t *testing.T) {
	t.Parallel()

	down := NewServer(failingJobs{}, Options{Ready: func(context.Context) error {
		return errors.New("store unreachable")
	}}, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, down, http.MethodGet, "/readyz", "").Code)

	up, _ := newTestServer(t, Options{})
	require.Equal(t, http.StatusOK, do(t, up, http.MethodGet, "/readyz", "").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	do(t, server, http.MethodGet, "/healthz", "")
	rec := do(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, Options{})
	require.NotEmpty(t, do(t, server, http.MethodGet, "/healthz", "").Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type failingJobs struct {
	err error
}

func (f failingJobs) CreateJob(context.Context, intake.Submission) (grabber.Job, error) {
	return grabber.Job{}, f.err
}

func (f failingJobs) ManualRetry(context.Context, string, string) (grabber.Job, error) {
	return grabber.Job{}, f.err
}

func (f failingJobs) RequestStatusTransition(context.Context, string, grabber.JobStatus) (grabber.Job, error) {
	return grabber.Job{}, f.err
}

func (f failingJobs) Get(context.Context, string) (grabber.Job, error) {
	return grabber.Job{}, f.err
}

func (f failingJobs) List(context.Context, grabber.ListFilter) ([]grabber.Job, error) {
	return nil, f.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *memory.JobStore) {
	t.Helper()
	repo := memory.NewJobStore()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := intake.New(repo, platform.Default(), nil, &seqIDs{}, clock, zap.NewNop())
	return NewServer(svc, opts, zap.NewNop()), repo
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) grabber.Job {
	t.Helper()
	var body struct {
		Job grabber.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Job
}
