// Package extract turns a live page session into a ranked media candidate.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/metrics"
	"github.com/JakeFAU/postgrab/internal/platform"
)

const tracerName = "github.com/JakeFAU/postgrab/internal/extract"

// Config bounds challenge handling.
type Config struct {
	// ChallengeWait is how long a blocking challenge may take to clear before
	// the attempt fails. Zero fails immediately.
	ChallengeWait time.Duration
	ChallengePoll time.Duration
}

// Engine runs one extraction per session.
type Engine struct {
	registry *platform.Registry
	cfg      Config
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs an Engine.
func New(registry *platform.Registry, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChallengePoll <= 0 {
		cfg.ChallengePoll = 2 * time.Second
	}
	return &Engine{
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("extract"),
		sleep:    sleepContext,
	}
}

// Extract navigates the session to sourceURL and selects the best media URL.
// The session is disposed on every path except a blocking challenge, where it
// is parked so an operator can still act on the page.
func (e *Engine) Extract(
	ctx context.Context,
	session grabber.BrowserSession,
	sourceURL string,
) (result grabber.Extraction, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "extract")
	defer span.End()

	p, itemID := e.resolve(sourceURL)
	platformID := "unknown"
	if p != nil {
		platformID = p.ID
	}
	span.SetAttributes(attribute.String("platform", platformID), attribute.String("source_url", sourceURL))
	logger := e.logger.With(zap.String("platform", platformID), zap.String("url", sourceURL))

	keepSession := false
	defer func() {
		if !keepSession {
			if derr := session.Dispose(); derr != nil {
				logger.Warn("dispose session failed", zap.Error(derr))
			}
		}
		outcome := "ok"
		if err != nil {
			outcome = string(grabber.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.ObserveExtraction(platformID, outcome)
	}()

	page, err := session.Navigate(ctx, sourceURL)
	if err != nil {
		return grabber.Extraction{}, grabber.WrapError(grabber.CodeNavigationFailed, "navigate "+sourceURL, err)
	}
	if kind := blocking(p, ClassifyChallenge(page)); kind != ChallengeNone {
		logger.Warn("access challenge detected", zap.String("kind", string(kind)), zap.String("final_url", page.FinalURL))
		resolved, ok := e.awaitResolution(ctx, session, p)
		if !ok {
			keepSession = true
			if parkable, ok := session.(grabber.ParkableSession); ok {
				parkable.Park()
			}
			return grabber.Extraction{}, &ChallengeError{Kind: kind, Platform: platformID, URL: sourceURL}
		}
		logger.Info("access challenge cleared")
		page = resolved
	}
	if itemID == "" && page.FinalURL != "" {
		// Short links only reveal the post id after redirects.
		if fp, fid := e.resolve(page.FinalURL); fp != nil {
			itemID = fid
		}
	}

	network, err := session.CollectMediaCandidateURLs(ctx)
	if err != nil {
		logger.Warn("collect network candidates failed", zap.Error(err))
	}
	diag, err := session.CollectDiagnostics(ctx)
	if err != nil {
		logger.Warn("collect diagnostics failed", zap.Error(err))
		diag = page
	}
	images, err := session.CollectImageURLs(ctx)
	if err != nil {
		logger.Warn("collect image urls failed", zap.Error(err))
	}
	metadata, err := session.CollectMetadata(ctx)
	if err != nil {
		logger.Warn("collect metadata failed", zap.Error(err))
	}

	var doc *goquery.Document
	if strings.TrimSpace(diag.HTML) != "" {
		if doc, err = goquery.NewDocumentFromReader(strings.NewReader(diag.HTML)); err != nil {
			logger.Warn("parse page html failed", zap.Error(err))
			doc = nil
		}
	}

	set := newCandidateSet()
	networkCandidates(network, set)
	harvestContent(doc, diag.HTML, set)
	harvestStructured(doc, set)
	direct, hls := Partition(set.list())
	direct = RankDirect(direct, itemID)
	hls = RankHLS(hls)

	result = grabber.Extraction{
		CandidateURLs: urlsOf(direct, hls),
		ImageURLs:     mergeImages(images, doc),
		Metadata:      enrichMetadata(metadata, page, platformID, itemID),
	}
	switch {
	case len(direct) > 0:
		result.MediaURL = direct[0].URL
		result.SourceType = grabber.SourceTypeDirect
	case len(hls) > 0:
		result.MediaURL = hls[0].URL
		result.SourceType = grabber.SourceTypeHLS
	case LooksUnavailable(diag) || LooksUnavailable(page):
		return result, grabber.NewError(grabber.CodeVideoUnavailable, "post content is unavailable")
	default:
		return result, grabber.NewError(grabber.CodeNoMediaURL, "no media url found on page")
	}
	logger.Info("media selected",
		zap.String("source_type", string(result.SourceType)),
		zap.Int("direct_candidates", len(direct)),
		zap.Int("hls_candidates", len(hls)),
	)
	return result, nil
}

func (e *Engine) resolve(raw string) (*platform.Platform, string) {
	if e.registry == nil {
		return nil, ""
	}
	p, u, err := e.registry.Resolve(raw)
	if err != nil {
		return nil, ""
	}
	return p, p.ItemID(u)
}

// blocking filters out login walls on platforms that still render media to
// anonymous visitors.
func blocking(p *platform.Platform, kind ChallengeKind) ChallengeKind {
	if kind == ChallengeAuthRequired && (p == nil || !p.LoginWallBlocks) {
		return ChallengeNone
	}
	return kind
}

// awaitResolution polls the page until the challenge clears or the wait
// budget runs out.
func (e *Engine) awaitResolution(
	ctx context.Context,
	session grabber.BrowserSession,
	p *platform.Platform,
) (grabber.PageState, bool) {
	if e.cfg.ChallengeWait <= 0 {
		return grabber.PageState{}, false
	}
	polls := int((e.cfg.ChallengeWait + e.cfg.ChallengePoll - 1) / e.cfg.ChallengePoll)
	for i := 0; i < polls; i++ {
		if err := e.sleep(ctx, e.cfg.ChallengePoll); err != nil {
			return grabber.PageState{}, false
		}
		page, err := session.CollectDiagnostics(ctx)
		if err != nil {
			continue
		}
		if blocking(p, ClassifyChallenge(page)) == ChallengeNone {
			return page, true
		}
	}
	return grabber.PageState{}, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func urlsOf(groups ...[]Candidate) []string {
	var out []string
	for _, g := range groups {
		for _, c := range g {
			out = append(out, c.URL)
		}
	}
	return out
}

func mergeImages(images []string, doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		u := cleanURL(raw)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, img := range images {
		add(img)
	}
	if doc != nil {
		add(metaContent(doc, "og:image"))
		add(metaContent(doc, "twitter:image"))
		doc.Find("video[poster]").Each(func(_ int, sel *goquery.Selection) {
			add(sel.AttrOr("poster", ""))
		})
	}
	return out
}

func enrichMetadata(in map[string]string, page grabber.PageState, platformID, itemID string) map[string]string {
	out := make(map[string]string, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	if out["title"] == "" && page.Title != "" {
		out["title"] = page.Title
	}
	if platformID != "unknown" {
		out["platform"] = platformID
	}
	if itemID != "" {
		out["item_id"] = itemID
	}
	return out
}
