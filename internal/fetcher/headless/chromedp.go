// Package headless drives a shared Chrome instance through chromedp. Each
// extraction gets its own tab; tabs share the browser's cookie jar so an
// operator can log in once and every session benefits.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// Config controls the browser.
type Config struct {
	Headless          bool
	ExecPath          string
	UserDataDir       string
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to let client-side rendering run after the body is ready.
	Settle time.Duration
	// MaxSessions caps concurrently open tabs. Zero means unlimited.
	MaxSessions int
	// MaxParked caps tabs kept open on challenge pages; the oldest is closed
	// when a new one is parked.
	MaxParked int
	// AcquireTimeout bounds the wait for a free tab slot.
	AcquireTimeout time.Duration
}

const (
	defaultMaxParked      = 4
	defaultAcquireTimeout = 2 * time.Minute
)

// Provider owns the browser process and hands out tab sessions.
type Provider struct {
	cfg           Config
	limiter       chan struct{}
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger

	mu     sync.Mutex
	parked []*Session
}

var _ grabber.SessionProvider = (*Provider)(nil)

// NewChromedp prepares the allocator. Chrome starts lazily with the first tab.
func NewChromedp(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.MaxParked <= 0 {
		cfg.MaxParked = defaultMaxParked
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	var limiter chan struct{}
	if cfg.MaxSessions > 0 {
		limiter = make(chan struct{}, cfg.MaxSessions)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browser, browserCancel := chromedp.NewContext(allocCtx)
	return &Provider{
		cfg:           cfg,
		limiter:       limiter,
		allocCancel:   allocCancel,
		browser:       browser,
		browserCancel: browserCancel,
		logger:        logger.Named("headless"),
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		// A visible window lets an operator clear challenges by hand.
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close disposes parked tabs and shuts the browser down.
func (p *Provider) Close() error {
	p.mu.Lock()
	parked := p.parked
	p.parked = nil
	p.mu.Unlock()
	for _, s := range parked {
		_ = s.Dispose()
	}
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	return nil
}

// ParkedSessions reports how many challenged tabs are being held open.
func (p *Provider) ParkedSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parked)
}

// NewSession opens a tab. The tab stays open until Dispose.
func (p *Provider) NewSession(ctx context.Context) (grabber.BrowserSession, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(p.browser)
	s := p.newSession(tabCtx, cancel)
	chromedp.ListenTarget(tabCtx, s.media.captureEvent)
	if err := chromedp.Run(tabCtx, s.setupAction()); err != nil {
		_ = s.Dispose()
		return nil, fmt.Errorf("open browser tab: %w", err)
	}
	return s, nil
}

func (p *Provider) newSession(ctx context.Context, cancel context.CancelFunc) *Session {
	return &Session{
		ctx:      ctx,
		cancel:   cancel,
		provider: p,
		cfg:      p.cfg,
		media:    newMediaCapture(),
		logger:   p.logger,
	}
}

// park takes ownership of a challenged tab. Past MaxParked the oldest tab
// is closed.
func (p *Provider) park(s *Session) {
	p.mu.Lock()
	p.parked = append(p.parked, s)
	var evicted []*Session
	if limit := p.cfg.MaxParked; limit > 0 && len(p.parked) > limit {
		n := len(p.parked) - limit
		evicted = append(evicted, p.parked[:n]...)
		p.parked = append([]*Session(nil), p.parked[n:]...)
	}
	p.mu.Unlock()
	for _, old := range evicted {
		p.logger.Info("closing oldest parked challenge tab")
		_ = old.Dispose()
	}
}

func (p *Provider) unpark(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.parked {
		if cur == s {
			p.parked = append(p.parked[:i], p.parked[i+1:]...)
			return
		}
	}
}

// Cookies reads the browser cookies that apply to rawURL.
func (p *Provider) Cookies(ctx context.Context, rawURL string) ([]*http.Cookie, error) {
	tabCtx, cancel := chromedp.NewContext(p.browser)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var cookies []*network.Cookie
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{rawURL}).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil || c.Name == "" {
			continue
		}
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

func (p *Provider) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser session wait canceled: %w", ctx.Err())
	}
}

func (p *Provider) release() {
	if p.limiter == nil {
		return
	}
	select {
	case <-p.limiter:
	default:
	}
}

// Session is one tab.
type Session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	provider *Provider
	cfg      Config
	media    *mediaCapture
	logger   *zap.Logger

	once        sync.Once
	releaseOnce sync.Once
}

var _ grabber.ParkableSession = (*Session)(nil)

var _ grabber.BrowserSession = (*Session)(nil)

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// run executes actions on the tab, bounded by the caller's ctx and timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and returns the rendered page.
func (s *Session) Navigate(ctx context.Context, url string) (grabber.PageState, error) {
	s.media.reset()
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if s.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.Settle))
	}
	if err := s.run(ctx, s.cfg.NavigationTimeout, actions...); err != nil {
		return grabber.PageState{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	return s.CollectDiagnostics(ctx)
}

// CollectMediaCandidateURLs returns media responses seen since the last Navigate.
func (s *Session) CollectMediaCandidateURLs(context.Context) ([]grabber.NetworkMedia, error) {
	return s.media.snapshot(), nil
}

const imagesScript = `Array.from(document.images)
	.filter(i => (i.naturalWidth || i.width) >= 200)
	.map(i => i.currentSrc || i.src)
	.filter(u => u && u.startsWith("http"))`

// CollectImageURLs returns large rendered images in document order.
func (s *Session) CollectImageURLs(ctx context.Context) ([]string, error) {
	var images []string
	if err := s.run(ctx, 10*time.Second, chromedp.Evaluate(imagesScript, &images)); err != nil {
		return nil, fmt.Errorf("collect images: %w", err)
	}
	return images, nil
}

const metadataScript = `(() => {
	const out = {};
	for (const m of document.querySelectorAll("meta[property], meta[name]")) {
		const key = m.getAttribute("property") || m.getAttribute("name");
		const value = m.getAttribute("content");
		if (key && value && !(key in out)) out[key] = value;
	}
	const author = document.querySelector("[rel=author], [itemprop=author] [itemprop=name]");
	if (author && !out.author_name) out.author_name = author.textContent.trim();
	return out;
})()`

// CollectMetadata returns meta tag values keyed by property or name, with
// common fields mapped to stable keys.
func (s *Session) CollectMetadata(ctx context.Context) (map[string]string, error) {
	var raw map[string]string
	if err := s.run(ctx, 10*time.Second, chromedp.Evaluate(metadataScript, &raw)); err != nil {
		return nil, fmt.Errorf("collect metadata: %w", err)
	}
	return normalizeMetadata(raw), nil
}

func normalizeMetadata(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	alias := map[string][]string{
		"title":       {"og:title", "twitter:title"},
		"description": {"og:description", "description", "twitter:description"},
		"author":      {"author", "twitter:creator"},
	}
	for key, sources := range alias {
		if out[key] != "" {
			continue
		}
		for _, src := range sources {
			if v := out[src]; v != "" {
				out[key] = v
				break
			}
		}
	}
	return out
}

// CollectDiagnostics snapshots the tab as it is now.
func (s *Session) CollectDiagnostics(ctx context.Context) (grabber.PageState, error) {
	var page grabber.PageState
	err := s.run(ctx, 15*time.Second,
		chromedp.Location(&page.FinalURL),
		chromedp.Title(&page.Title),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &page.Text),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return grabber.PageState{}, fmt.Errorf("collect diagnostics: %w", err)
	}
	return page, nil
}

// Dispose closes the tab. Safe to call more than once.
func (s *Session) Dispose() error {
	s.once.Do(func() {
		s.cancel()
		s.releaseSlot()
		if s.provider != nil {
			s.provider.unpark(s)
		}
		s.logger.Debug("browser tab closed", zap.Int("media_responses", len(s.media.snapshot())))
	})
	return nil
}

// Park keeps the tab open for an operator but frees its slot so later
// extractions are not blocked. The provider closes it on eviction or Close.
func (s *Session) Park() {
	s.releaseSlot()
	if s.provider != nil {
		s.provider.park(s)
	}
	s.logger.Info("parked challenged browser tab")
}

func (s *Session) releaseSlot() {
	s.releaseOnce.Do(func() {
		if s.provider != nil {
			s.provider.release()
		}
	})
}

// mediaCapture records media responses observed on the wire.
type mediaCapture struct {
	mu    sync.Mutex
	seen  map[string]bool
	items []grabber.NetworkMedia
}

func newMediaCapture() *mediaCapture {
	return &mediaCapture{seen: make(map[string]bool)}
}

func (m *mediaCapture) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Response != nil {
		m.capture(resp.Type, resp.Response.URL, resp.Response.MimeType)
	}
}

func (m *mediaCapture) capture(kind network.ResourceType, url, mimeType string) {
	if !isMediaResponse(kind, url, mimeType) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[url] {
		return
	}
	m.seen[url] = true
	m.items = append(m.items, grabber.NetworkMedia{URL: url, MimeType: mimeType})
}

func (m *mediaCapture) snapshot() []grabber.NetworkMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]grabber.NetworkMedia(nil), m.items...)
}

func (m *mediaCapture) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = make(map[string]bool)
	m.items = nil
}

var mediaExts = map[string]bool{".mp4": true, ".m4v": true, ".mov": true, ".webm": true, ".m3u8": true}

func isMediaResponse(kind network.ResourceType, rawURL, mimeType string) bool {
	if !strings.HasPrefix(rawURL, "http") {
		return false
	}
	mimeType = strings.ToLower(mimeType)
	if strings.HasPrefix(mimeType, "video/") || strings.Contains(mimeType, "mpegurl") {
		return true
	}
	if kind == network.ResourceTypeMedia {
		return true
	}
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return mediaExts[strings.ToLower(path.Ext(p))]
}
