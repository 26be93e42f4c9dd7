package grabber

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalizePostURL normalizes a post URL into the deduplication key.
// It lowercases the host, strips a leading "www.", removes the query and
// fragment, and trims a trailing slash from a non-root path. Applying it
// twice yields the same result.
func CanonicalizePostURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if len(u.Path) > 1 {
		trimmed := strings.TrimRight(u.Path, "/")
		if trimmed == "" {
			trimmed = "/"
		}
		u.Path = trimmed
		u.RawPath = ""
	}

	return u.String(), nil
}

// IsHLSURL reports whether the media URL points at an HLS playlist.
func IsHLSURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		if strings.Contains(lower[i:], "mpegurl") {
			return true
		}
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".m3u8")
}

// ClassifyMediaURL picks the source type for a pinned media URL.
func ClassifyMediaURL(rawURL string) SourceType {
	if IsHLSURL(rawURL) {
		return SourceTypeHLS
	}
	return SourceTypeDirect
}
