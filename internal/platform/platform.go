// Package platform holds the per-platform strategy table: URL validation,
// routing keys, media request headers, login-wall policy, and account
// identity derivation.
package platform

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// ErrUnsupported is returned for URLs no registered platform accepts.
var ErrUnsupported = errors.New("unsupported platform url")

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Platform is one entry in the strategy table.
type Platform struct {
	ID       string
	DomainID string
	Hosts    []string
	// LoginWallBlocks treats an auth-required page as a hard block.
	LoginWallBlocks bool
	Referer         string

	match   func(u *url.URL) bool
	itemID  func(u *url.URL) string
	handle  func(u *url.URL) string
	headers http.Header
}

// Match reports whether u is a post URL for this platform.
func (p *Platform) Match(u *url.URL) bool {
	if p.match == nil {
		return true
	}
	return p.match(u)
}

// ItemID returns the post identifier embedded in u, if any.
func (p *Platform) ItemID(u *url.URL) string {
	if p.itemID == nil {
		return ""
	}
	return p.itemID(u)
}

// Headers returns a copy of the headers sent with media requests.
func (p *Platform) Headers() http.Header {
	out := http.Header{
		"User-Agent": {defaultUserAgent},
		"Accept":     {"*/*"},
	}
	if p.Referer != "" {
		out.Set("Referer", p.Referer)
		out.Set("Origin", strings.TrimSuffix(p.Referer, "/"))
	}
	for k, values := range p.headers {
		out[k] = append([]string(nil), values...)
	}
	return out
}

// Account derives the account identity from the post URL and any extracted
// metadata. URL-derived handles win over metadata.
func (p *Platform) Account(u *url.URL, metadata map[string]string) grabber.Identity {
	id := grabber.Identity{Platform: p.ID}
	if p.handle != nil && u != nil {
		id.Handle = p.handle(u)
	}
	if id.Handle == "" {
		id.Handle = firstNonEmpty(metadata, "handle", "author", "username", "author_handle")
	}
	id.Handle = strings.TrimPrefix(strings.TrimSpace(id.Handle), "@")
	id.DisplayName = firstNonEmpty(metadata, "author_name", "display_name", "og:site_author")
	if id.Handle != "" {
		id.Slug = Slugify(p.ID, id.Handle)
	} else {
		id.Slug = Slugify(p.ID)
	}
	return id
}

func firstNonEmpty(metadata map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(metadata[k]); v != "" {
			return v
		}
	}
	return ""
}

var slugRun = regexp.MustCompile(`[a-z0-9]+`)

// Slugify lowercases parts and joins their alphanumeric runs with dashes.
func Slugify(parts ...string) string {
	var runs []string
	for _, part := range parts {
		runs = append(runs, slugRun.FindAllString(strings.ToLower(part), -1)...)
	}
	return strings.Join(runs, "-")
}

// Registry is the O(1) lookup built once at startup.
type Registry struct {
	byID   map[string]*Platform
	byHost map[string]*Platform
}

// NewRegistry indexes platforms by id and host.
func NewRegistry(platforms ...*Platform) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]*Platform, len(platforms)),
		byHost: make(map[string]*Platform),
	}
	for _, p := range platforms {
		if p == nil || p.ID == "" {
			return nil, fmt.Errorf("platform id is required")
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate platform %q", p.ID)
		}
		r.byID[p.ID] = p
		for _, host := range p.Hosts {
			host = strings.ToLower(host)
			if other, dup := r.byHost[host]; dup {
				return nil, fmt.Errorf("host %q registered by %q and %q", host, other.ID, p.ID)
			}
			r.byHost[host] = p
		}
	}
	return r, nil
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := NewRegistry(builtins()...)
	if err != nil {
		panic(fmt.Sprintf("builtin platform table: %v", err))
	}
	return r
}

// Get looks a platform up by id.
func (r *Registry) Get(id string) (*Platform, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Lookup returns the platform owning the URL's host without validating the path.
func (r *Registry) Lookup(rawURL string) (*Platform, *url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return nil, nil, false
	}
	p, ok := r.byHost[normalizeHost(u.Hostname())]
	return p, u, ok
}

// Resolve validates rawURL against the registry.
func (r *Registry) Resolve(rawURL string) (*Platform, *url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}
	p, ok := r.byHost[normalizeHost(u.Hostname())]
	if !ok {
		return nil, nil, fmt.Errorf("%w: host %q", ErrUnsupported, u.Hostname())
	}
	if !p.Match(u) {
		return nil, nil, fmt.Errorf("%w: %s path %q is not a post", ErrUnsupported, p.ID, u.Path)
	}
	return p, u, nil
}

// DomainID picks the routing key: the explicit value wins, then the
// platform's key, then a key derived by re-parsing the URL.
func (r *Registry) DomainID(explicit, platformID, rawURL string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if p, ok := r.byID[platformID]; ok && p.DomainID != "" {
		return p.DomainID
	}
	if p, _, ok := r.Lookup(rawURL); ok && p.DomainID != "" {
		return p.DomainID
	}
	return HostDomainID(rawURL)
}

// HostDomainID derives a routing key from the second-level label of the host.
func HostDomainID(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	labels := strings.Split(normalizeHost(u.Hostname()), ".")
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	default:
		return labels[len(labels)-2]
	}
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
