package extract

import (
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Kind is what a candidate URL points at.
type Kind int

// Candidate kinds.
const (
	KindNone Kind = iota
	KindDirect
	KindHLS
)

var (
	directExts = map[string]bool{".mp4": true, ".m4v": true, ".mov": true, ".webm": true}
	audioExts  = map[string]bool{".m4a": true, ".mp3": true, ".aac": true, ".ogg": true, ".opus": true}

	// Segments of a stream are never a whole video.
	segmentExts = map[string]bool{".ts": true, ".m4s": true}

	audioHint = regexp.MustCompile(`(?i)/aud/|audio|mp4a|[_/-]dash_a|media-type=audio`)
	decoyHint = regexp.MustCompile(`(?i)/static/|/assets/|/login|login[_-]|placeholder|blank\.mp4|` +
		`/favicon|sprite|/logo|preload|/ads?/|/promo/`)
)

// Classify decides whether a candidate is direct media, an HLS playlist, or
// neither. Audio-only renditions and static or login decoys are neither.
func Classify(c Candidate) Kind {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return KindNone
	}
	mime := strings.ToLower(c.MimeType)
	lowerPath := strings.ToLower(u.Path)
	ext := path.Ext(lowerPath)

	if strings.HasPrefix(mime, "audio/") || audioExts[ext] || audioHint.MatchString(u.Path+"?"+u.RawQuery) {
		return KindNone
	}
	if strings.HasPrefix(mime, "image/") || strings.HasPrefix(mime, "text/") {
		return KindNone
	}
	if segmentExts[ext] || mime == "video/mp2t" || mime == "video/iso.segment" {
		return KindNone
	}
	if decoyHint.MatchString(u.Path) {
		return KindNone
	}
	if ext == ".m3u8" || strings.Contains(mime, "mpegurl") {
		return KindHLS
	}
	if directExts[ext] || strings.HasPrefix(mime, "video/") {
		return KindDirect
	}
	return KindNone
}

var (
	strongWatermark = regexp.MustCompile(`(?i)[?&](watermark|is_watermark|wm)=(1|true)\b|playwm|/watermark/|logo_name=`)
	weakWatermark   = regexp.MustCompile(`(?i)watermark|[_/-]wm[_/.-]|logo`)

	expiryParams    = []string{"x-expires", "expires", "expire", "oe", "x-amz-expires", "x-amz-date"}
	signatureParams = []string{"signature", "sig", "x-signature", "x-amz-signature", "policy", "key-pair-id", "tk"}
)

// score is compared field by field; earlier fields dominate later ones.
type score struct {
	identity       bool
	nonWatermarked bool
	likelyClean    bool
	signed         bool
	area           int
	bitrate        int64
	fps            float64
	codec          int
	mime           int
}

func scoreCandidate(c Candidate, itemID string) score {
	return score{
		identity:       itemID != "" && (c.ItemID == itemID || embedsItemID(c.URL, itemID)),
		nonWatermarked: !strongWatermark.MatchString(c.URL),
		likelyClean:    !weakWatermark.MatchString(c.URL),
		signed:         isSigned(c.URL),
		area:           c.Area(),
		bitrate:        c.Bitrate,
		fps:            c.FPS,
		codec:          codecRank(c.Codec),
		mime:           mimeRank(c.MimeType),
	}
}

// embedsItemID reports whether itemID is a whole path segment (extension
// ignored) or a whole query value of rawURL.
func embedsItemID(rawURL, itemID string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == itemID || strings.TrimSuffix(seg, path.Ext(seg)) == itemID {
			return true
		}
	}
	for _, values := range u.Query() {
		for _, v := range values {
			if v == itemID {
				return true
			}
		}
	}
	return false
}

// better reports whether a strictly outranks b.
func (a score) better(b score) bool {
	if a.identity != b.identity {
		return a.identity
	}
	if a.nonWatermarked != b.nonWatermarked {
		return a.nonWatermarked
	}
	if a.likelyClean != b.likelyClean {
		return a.likelyClean
	}
	if a.signed != b.signed {
		return a.signed
	}
	if a.area != b.area {
		return a.area > b.area
	}
	if a.bitrate != b.bitrate {
		return a.bitrate > b.bitrate
	}
	if a.fps != b.fps {
		return a.fps > b.fps
	}
	if a.codec != b.codec {
		return a.codec > b.codec
	}
	return a.mime > b.mime
}

func isSigned(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		for _, p := range expiryParams {
			if lower == p {
				return true
			}
		}
		for _, p := range signatureParams {
			if lower == p {
				return true
			}
		}
	}
	return false
}

func codecRank(codec string) int {
	switch normalizeCodec(codec) {
	case "avc1":
		return 3
	case "":
		return 2
	case "hevc":
		return 1
	default:
		return 0
	}
}

func mimeRank(mime string) int {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch {
	case mime == "video/mp4":
		return 2
	case strings.HasPrefix(mime, "video/"):
		return 1
	default:
		return 0
	}
}

// RankDirect orders direct candidates best first. Ties keep input order.
func RankDirect(candidates []Candidate, itemID string) []Candidate {
	scores := make([]score, len(candidates))
	idx := make([]int, len(candidates))
	for i, c := range candidates {
		scores[i] = scoreCandidate(c, itemID)
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return scores[idx[i]].better(scores[idx[j]])
	})
	out := make([]Candidate, len(candidates))
	for i, k := range idx {
		out[i] = candidates[k]
	}
	return out
}

// RankHLS orders playlists by area then bitrate. Ties keep input order.
func RankHLS(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Area() != out[j].Area() {
			return out[i].Area() > out[j].Area()
		}
		return out[i].Bitrate > out[j].Bitrate
	})
	return out
}

// Partition splits candidates by kind, preserving order.
func Partition(candidates []Candidate) (direct, hls []Candidate) {
	for _, c := range candidates {
		switch Classify(c) {
		case KindDirect:
			direct = append(direct, c)
		case KindHLS:
			hls = append(hls, c)
		}
	}
	return direct, hls
}
