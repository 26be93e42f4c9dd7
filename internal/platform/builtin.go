package platform

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	tiktokPost      = regexp.MustCompile(`^/@([^/]+)/(video|photo)/(\d+)/?$`)
	tiktokShort     = regexp.MustCompile(`^/[A-Za-z0-9_-]+/?$`)
	instagramPost   = regexp.MustCompile(`^/(?:([^/]+)/)?(p|reel|reels|tv)/([A-Za-z0-9_-]+)/?$`)
	xStatus         = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})/status/(\d+)(?:/.*)?$`)
	youtubeShorts   = regexp.MustCompile(`^/shorts/([A-Za-z0-9_-]{6,})/?$`)
	youtubeShortURL = regexp.MustCompile(`^/([A-Za-z0-9_-]{6,})/?$`)
)

func builtins() []*Platform {
	return []*Platform{
		{
			ID:       "tiktok",
			DomainID: "tiktok",
			Hosts:    []string{"tiktok.com", "m.tiktok.com", "vm.tiktok.com", "vt.tiktok.com"},
			Referer:  "https://www.tiktok.com/",
			match: func(u *url.URL) bool {
				if isShortHost(u, "vm.tiktok.com", "vt.tiktok.com") {
					return tiktokShort.MatchString(u.Path)
				}
				return tiktokPost.MatchString(u.Path)
			},
			itemID: func(u *url.URL) string {
				return submatch(tiktokPost, u.Path, 3)
			},
			handle: func(u *url.URL) string {
				return submatch(tiktokPost, u.Path, 1)
			},
		},
		{
			ID:              "instagram",
			DomainID:        "instagram",
			Hosts:           []string{"instagram.com", "m.instagram.com"},
			Referer:         "https://www.instagram.com/",
			LoginWallBlocks: true,
			match: func(u *url.URL) bool {
				return instagramPost.MatchString(u.Path)
			},
			itemID: func(u *url.URL) string {
				return submatch(instagramPost, u.Path, 3)
			},
			handle: func(u *url.URL) string {
				return submatch(instagramPost, u.Path, 1)
			},
		},
		{
			ID:              "x",
			DomainID:        "x",
			Hosts:           []string{"x.com", "twitter.com", "mobile.twitter.com", "mobile.x.com"},
			Referer:         "https://x.com/",
			LoginWallBlocks: true,
			match: func(u *url.URL) bool {
				return xStatus.MatchString(u.Path)
			},
			itemID: func(u *url.URL) string {
				return submatch(xStatus, u.Path, 2)
			},
			handle: func(u *url.URL) string {
				return submatch(xStatus, u.Path, 1)
			},
		},
		{
			ID:       "youtube",
			DomainID: "youtube",
			Hosts:    []string{"youtube.com", "m.youtube.com", "youtu.be"},
			Referer:  "https://www.youtube.com/",
			match: func(u *url.URL) bool {
				if isShortHost(u, "youtu.be") {
					return youtubeShortURL.MatchString(u.Path)
				}
				return youtubeShorts.MatchString(u.Path)
			},
			itemID: func(u *url.URL) string {
				if isShortHost(u, "youtu.be") {
					return submatch(youtubeShortURL, u.Path, 1)
				}
				return submatch(youtubeShorts, u.Path, 1)
			},
		},
	}
}

func isShortHost(u *url.URL, hosts ...string) bool {
	host := normalizeHost(u.Hostname())
	for _, h := range hosts {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}

func submatch(re *regexp.Regexp, s string, idx int) string {
	m := re.FindStringSubmatch(s)
	if len(m) <= idx {
		return ""
	}
	return m[idx]
}
