package extract

import (
	"encoding/json"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// Candidate is one media URL plus whatever quality hints were found next to it.
type Candidate struct {
	URL      string
	MimeType string
	Width    int
	Height   int
	Bitrate  int64
	FPS      float64
	Codec    string
	// ItemID is the post id published alongside the URL in structured data.
	ItemID string
	Source string
}

// Area is the pixel count, zero when unknown.
func (c Candidate) Area() int {
	return c.Width * c.Height
}

// Candidate sources.
const (
	SourceNetwork    = "network"
	SourceContent    = "content"
	SourceStructured = "structured"
)

// candidateSet unions candidates by URL, keeping first-seen order and filling
// missing hints from later duplicates.
type candidateSet struct {
	order []string
	byURL map[string]*Candidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{byURL: make(map[string]*Candidate)}
}

func (s *candidateSet) add(c Candidate) {
	c.URL = cleanURL(c.URL)
	if c.URL == "" {
		return
	}
	applyURLHints(&c)
	existing, ok := s.byURL[c.URL]
	if !ok {
		cp := c
		s.byURL[c.URL] = &cp
		s.order = append(s.order, c.URL)
		return
	}
	mergeHints(existing, c)
}

func (s *candidateSet) list() []Candidate {
	out := make([]Candidate, 0, len(s.order))
	for _, u := range s.order {
		out = append(out, *s.byURL[u])
	}
	return out
}

func mergeHints(dst *Candidate, src Candidate) {
	if dst.MimeType == "" {
		dst.MimeType = src.MimeType
	}
	if dst.Width == 0 && dst.Height == 0 {
		dst.Width, dst.Height = src.Width, src.Height
	}
	if dst.Bitrate == 0 {
		dst.Bitrate = src.Bitrate
	}
	if dst.FPS == 0 {
		dst.FPS = src.FPS
	}
	if dst.Codec == "" {
		dst.Codec = src.Codec
	}
	if dst.ItemID == "" {
		dst.ItemID = src.ItemID
	}
}

var jsonEscapes = strings.NewReplacer(
	`\/`, `/`,
	`\u002F`, `/`,
	`\u002f`, `/`,
	`\u0026`, `&`,
	`&amp;`, `&`,
)

// cleanURL unescapes URLs lifted from scripts and rejects non-http values.
func cleanURL(raw string) string {
	raw = strings.TrimSpace(jsonEscapes.Replace(raw))
	for _, stop := range []string{`&quot;`, `"`, `\"`, `\`} {
		if i := strings.Index(raw, stop); i >= 0 {
			raw = raw[:i]
		}
	}
	raw = strings.TrimRight(raw, `,;)]}`)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	// Byte-range parameters turn a full file URL into one DASH segment.
	if q := u.Query(); q.Has("bytestart") || q.Has("byteend") {
		q.Del("bytestart")
		q.Del("byteend")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

var (
	resolutionInPath = regexp.MustCompile(`(?:^|[/_-])(\d{3,4})x(\d{3,4})(?:[/_.-]|$)`)
	heightInPath     = regexp.MustCompile(`(?:^|[/_-])(\d{3,4})p(?:[/_.-]|$)`)
)

// applyURLHints reads quality hints that CDNs encode in the URL itself.
func applyURLHints(c *Candidate) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return
	}
	q := u.Query()
	lowerPath := strings.ToLower(u.Path)

	if c.Bitrate == 0 {
		for _, key := range []string{"br", "bitrate", "bt"} {
			if n, err := strconv.ParseInt(q.Get(key), 10, 64); err == nil && n > 0 {
				c.Bitrate = n
				break
			}
		}
	}
	if c.Width == 0 && c.Height == 0 {
		if m := resolutionInPath.FindStringSubmatch(lowerPath); m != nil {
			c.Width, _ = strconv.Atoi(m[1])
			c.Height, _ = strconv.Atoi(m[2])
		} else if m := heightInPath.FindStringSubmatch(lowerPath); m != nil {
			c.Height, _ = strconv.Atoi(m[1])
		}
	}
	if c.Codec == "" {
		switch {
		case strings.Contains(lowerPath, "avc1") || strings.Contains(lowerPath, "h264"):
			c.Codec = "avc1"
		case strings.Contains(lowerPath, "hevc") || strings.Contains(lowerPath, "h265") ||
			strings.Contains(lowerPath, "hvc1") || strings.Contains(lowerPath, "bytevc1"):
			c.Codec = "hevc"
		}
	}
	if c.MimeType == "" {
		c.MimeType = inferMime(lowerPath, q)
	}
}

func inferMime(lowerPath string, q url.Values) string {
	if mt := strings.ToLower(q.Get("mime_type")); mt != "" {
		return strings.Replace(mt, "_", "/", 1)
	}
	switch path.Ext(lowerPath) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	}
	return ""
}

// harvestContent reads media URLs out of the DOM snapshot: video and source
// tags, Open Graph and Twitter card tags, and escaped URLs in inline scripts.
func harvestContent(doc *goquery.Document, html string, set *candidateSet) {
	if doc != nil {
		doc.Find("video[src], video source[src], source[src]").Each(func(_ int, sel *goquery.Selection) {
			src, _ := sel.Attr("src")
			c := Candidate{URL: src, MimeType: sel.AttrOr("type", ""), Source: SourceContent}
			video := sel
			if goquery.NodeName(sel) != "video" {
				video = sel.ParentsFiltered("video").First()
			}
			c.Width = atoi(video.AttrOr("width", ""))
			c.Height = atoi(video.AttrOr("height", ""))
			set.add(c)
		})

		og := Candidate{
			MimeType: metaContent(doc, "og:video:type"),
			Width:    atoi(metaContent(doc, "og:video:width")),
			Height:   atoi(metaContent(doc, "og:video:height")),
			Source:   SourceContent,
		}
		for _, key := range []string{"og:video:secure_url", "og:video:url", "og:video"} {
			if v := metaContent(doc, key); v != "" {
				c := og
				c.URL = v
				set.add(c)
			}
		}
		if v := metaContent(doc, "twitter:player:stream"); v != "" {
			set.add(Candidate{
				URL:      v,
				MimeType: metaContent(doc, "twitter:player:stream:content_type"),
				Width:    atoi(metaContent(doc, "twitter:player:width")),
				Height:   atoi(metaContent(doc, "twitter:player:height")),
				Source:   SourceContent,
			})
		}
	}

	for _, raw := range escapedMediaURL.FindAllString(html, -1) {
		set.add(Candidate{URL: raw, Source: SourceContent})
	}
}

var escapedMediaURL = regexp.MustCompile(`https?:(?:\\?/){2}[^\s"'<>]+?\.(?:mp4|m4v|webm|mov|m3u8)\b(?:[?\\][^\s"'<>]*)?`)

func metaContent(doc *goquery.Document, key string) string {
	sel := doc.Find(`meta[property="` + key + `"], meta[name="` + key + `"]`).First()
	return strings.TrimSpace(sel.AttrOr("content", ""))
}

// Script ids and types that carry platform state as JSON.
var structuredSelectors = []string{
	`script[type="application/ld+json"]`,
	`script#__NEXT_DATA__`,
	`script#SIGI_STATE`,
	`script#__UNIVERSAL_DATA_FOR_REHYDRATION__`,
}

var (
	urlKeys = map[string]bool{
		"contenturl": true, "playaddr": true, "downloadaddr": true, "playurl": true,
		"play_url": true, "video_url": true, "videourl": true, "src": true, "url": true,
		"urllist": true, "url_list": true, "playapi": true,
	}
	widthKeys   = []string{"width", "Width"}
	heightKeys  = []string{"height", "Height"}
	bitrateKeys = []string{"bitrate", "bitRate", "Bitrate", "bit_rate"}
	fpsKeys     = []string{"fps", "frameRate", "FPS", "frame_rate"}
	codecKeys   = []string{"codec", "codecType", "CodecType", "codec_type"}
	mimeKeys    = []string{"mimeType", "mime_type", "encodingFormat", "content_type", "contentType"}
	itemIDKeys  = []string{"aweme_id", "itemId", "item_id", "video_id", "shortcode", "id_str", "id"}
)

// harvestStructured walks JSON script payloads and collects URL-valued fields
// together with the sibling quality hints of the object holding them.
func harvestStructured(doc *goquery.Document, set *candidateSet) {
	if doc == nil {
		return
	}
	doc.Find(strings.Join(structuredSelectors, ", ")).Each(func(_ int, sel *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(strings.TrimSpace(sel.Text())), &payload); err != nil {
			return
		}
		walkJSON(payload, Candidate{Source: SourceStructured}, set, 0)
	})
}

const maxJSONDepth = 64

func walkJSON(node any, inherited Candidate, set *candidateSet, depth int) {
	if depth > maxJSONDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		hints := siblingHints(v, inherited)
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			child := v[key]
			if urlKeys[strings.ToLower(key)] {
				for _, s := range urlStrings(child) {
					c := hints
					c.URL = s
					set.add(c)
				}
			}
			switch child.(type) {
			case map[string]any, []any:
				walkJSON(child, hints, set, depth+1)
			}
		}
	case []any:
		for _, child := range v {
			walkJSON(child, inherited, set, depth+1)
		}
	}
}

func siblingHints(m map[string]any, inherited Candidate) Candidate {
	c := inherited
	c.URL = ""
	if n := firstInt(m, widthKeys); n > 0 {
		c.Width = n
	}
	if n := firstInt(m, heightKeys); n > 0 {
		c.Height = n
	}
	if n := firstInt(m, bitrateKeys); n > 0 {
		c.Bitrate = int64(n)
	}
	if f := firstFloat(m, fpsKeys); f > 0 {
		c.FPS = f
	}
	if s := firstString(m, codecKeys); s != "" {
		c.Codec = normalizeCodec(s)
	}
	if s := firstString(m, mimeKeys); s != "" && strings.Contains(s, "/") {
		c.MimeType = s
	}
	// The outermost id wins; nested objects carry their own ids (video, author).
	if c.ItemID == "" {
		c.ItemID = firstScalar(m, itemIDKeys)
	}
	return c
}

// urlStrings returns http strings held directly or one level down.
func urlStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "http") {
			return []string{t}
		}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && strings.HasPrefix(s, "http") {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func normalizeCodec(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "avc") || strings.Contains(lower, "h264"):
		return "avc1"
	case strings.Contains(lower, "hevc") || strings.Contains(lower, "h265") ||
		strings.Contains(lower, "hvc1") || strings.Contains(lower, "bytevc1"):
		return "hevc"
	}
	return lower
}

func firstInt(m map[string]any, keys []string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case string:
			if n := atoi(v); n > 0 {
				return n
			}
		}
	}
	return 0
}

func firstFloat(m map[string]any, keys []string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstScalar(m map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v > 0 {
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
	}
	return ""
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// networkCandidates converts responses seen on the wire.
func networkCandidates(media []grabber.NetworkMedia, set *candidateSet) {
	for _, m := range media {
		set.add(Candidate{URL: m.URL, MimeType: m.MimeType, Source: SourceNetwork})
	}
}
