// Package download turns a media URL into a file on disk. Direct URLs are
// streamed over HTTP with an anonymous request first and the browser
// session's cookies second; HLS playlists are remuxed by ffmpeg.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/metrics"
	"github.com/JakeFAU/postgrab/internal/policy/ratelimit"
)

const tracerName = "github.com/JakeFAU/postgrab/internal/download"

// Strategy names reported on results and metrics.
const (
	StrategyAnonymous = "anonymous"
	StrategySession   = "session"
	StrategyHLS       = "hls"
)

// CookieSource supplies browser cookies for authenticated requests.
type CookieSource interface {
	Cookies(ctx context.Context, url string) ([]*http.Cookie, error)
}

// Config controls the engine.
type Config struct {
	// Timeout bounds a whole Download call. Zero means no limit beyond ctx.
	Timeout    time.Duration
	FFmpegPath string
}

// Request describes one download.
type Request struct {
	URL    string
	Target string
	// SourceType forces the mode; empty means detect from the URL.
	SourceType grabber.SourceType
	Headers    http.Header
}

// Engine executes downloads.
type Engine struct {
	client  *http.Client
	cookies CookieSource
	runner  grabber.CommandRunner
	limiter *ratelimit.Limiter
	clock   grabber.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Engine. cookies, limiter and runner may be nil; without a
// runner HLS downloads fail.
func New(
	client *http.Client,
	cookies CookieSource,
	runner grabber.CommandRunner,
	limiter *ratelimit.Limiter,
	clock grabber.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Engine{
		client:  client,
		cookies: cookies,
		runner:  runner,
		limiter: limiter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("download"),
	}
}

// AccessDeniedError reports that both the anonymous and the cookie-backed
// request were refused.
type AccessDeniedError struct {
	URL           string
	Anonymous     string
	Authenticated string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %s: anonymous: %s; authenticated: %s", e.URL, e.Anonymous, e.Authenticated)
}

// ErrorCode implements grabber.Coded.
func (e *AccessDeniedError) ErrorCode() grabber.Code {
	return grabber.CodeAccessDenied
}

// statusError is a non-2xx response.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.status, http.StatusText(e.status))
}

func denied(err error) bool {
	var se *statusError
	return errors.As(err, &se) && (se.status == http.StatusUnauthorized || se.status == http.StatusForbidden)
}

// Download fetches req.URL into req.Target. The file appears at Target only
// once it is complete.
func (e *Engine) Download(ctx context.Context, req Request) (result grabber.DownloadResult, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "download")
	defer span.End()
	span.SetAttributes(attribute.String("media_url", req.URL), attribute.String("target", req.Target))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(grabber.CodeOf(err)))
		}
	}()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	if err := os.MkdirAll(filepath.Dir(req.Target), 0o755); err != nil {
		return grabber.DownloadResult{}, grabber.WrapError(grabber.CodeDownloadFailed, "create target directory", err)
	}

	mode := req.SourceType
	if mode == "" {
		mode = grabber.ClassifyMediaURL(req.URL)
	}
	if mode == grabber.SourceTypeHLS {
		return e.downloadHLS(ctx, req)
	}
	return e.downloadDirect(ctx, req)
}

func (e *Engine) downloadDirect(ctx context.Context, req Request) (grabber.DownloadResult, error) {
	if expiry, ok := ExpiresAt(req.URL); ok && !expiry.After(e.now()) {
		return grabber.DownloadResult{}, grabber.NewError(grabber.CodeExpiredMediaURL,
			fmt.Sprintf("signed media url expired at %s", expiry.UTC().Format(time.RFC3339)))
	}
	logger := e.logger.With(zap.String("url", req.URL))

	res, anonErr := e.attempt(ctx, req, StrategyAnonymous, nil)
	if anonErr == nil {
		return res, nil
	}
	if !denied(anonErr) {
		return grabber.DownloadResult{}, grabber.WrapError(grabber.CodeDownloadFailed, "download media", anonErr)
	}
	logger.Info("anonymous request denied, retrying with session cookies", zap.Error(anonErr))

	cookies, err := e.sessionCookies(ctx, req.URL)
	if err != nil {
		return grabber.DownloadResult{}, &AccessDeniedError{URL: req.URL, Anonymous: anonErr.Error(), Authenticated: err.Error()}
	}
	res, authErr := e.attempt(ctx, req, StrategySession, cookies)
	if authErr == nil {
		return res, nil
	}
	if denied(authErr) {
		return grabber.DownloadResult{}, &AccessDeniedError{URL: req.URL, Anonymous: anonErr.Error(), Authenticated: authErr.Error()}
	}
	return grabber.DownloadResult{}, grabber.WrapError(grabber.CodeDownloadFailed, "download media with session cookies", authErr)
}

func (e *Engine) sessionCookies(ctx context.Context, rawURL string) ([]*http.Cookie, error) {
	if e.cookies == nil {
		return nil, errors.New("no browser session configured")
	}
	cookies, err := e.cookies.Cookies(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("read session cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil, errors.New("no session cookies available")
	}
	return cookies, nil
}

func (e *Engine) attempt(ctx context.Context, req Request, strategy string, cookies []*http.Cookie) (grabber.DownloadResult, error) {
	res, err := e.fetch(ctx, req, strategy, cookies)
	outcome := "ok"
	switch {
	case denied(err):
		outcome = "denied"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveDownloadAttempt(strategy, outcome)
	return res, err
}

func (e *Engine) fetch(ctx context.Context, req Request, strategy string, cookies []*http.Cookie) (grabber.DownloadResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, req.URL); err != nil {
			return grabber.DownloadResult{}, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return grabber.DownloadResult{}, fmt.Errorf("build request: %w", err)
	}
	if req.Headers != nil {
		httpReq.Header = req.Headers.Clone()
	}
	for _, c := range cookies {
		httpReq.AddCookie(c)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return grabber.DownloadResult{}, fmt.Errorf("get media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return grabber.DownloadResult{}, &statusError{status: resp.StatusCode}
	}

	n, err := writeAtomic(req.Target, resp.Body)
	if err != nil {
		return grabber.DownloadResult{}, err
	}
	metrics.ObserveDownloadBytes(req.URL, n)
	e.logger.Debug("media stored",
		zap.String("path", req.Target),
		zap.String("strategy", strategy),
		zap.Int64("bytes", n),
	)
	return grabber.DownloadResult{
		Path:        req.Target,
		Bytes:       n,
		ContentType: resp.Header.Get("Content-Type"),
		Strategy:    strategy,
	}, nil
}

// writeAtomic streams r into target.part and renames it over target.
func writeAtomic(target string, r io.Reader) (int64, error) {
	part := target + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("write %s: %w", part, err)
	}
	if err := os.Rename(part, target); err != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("rename %s: %w", part, err)
	}
	return n, nil
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock.Now()
}
