package download

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

const amzDateLayout = "20060102T150405Z"

// ExpiresAt reads the signed expiry encoded in a media URL. When several
// parameters are present the earliest one wins.
func ExpiresAt(rawURL string) (time.Time, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, false
	}
	q := make(map[string]string)
	for key, values := range u.Query() {
		if len(values) > 0 {
			q[strings.ToLower(key)] = strings.TrimSpace(values[0])
		}
	}

	var found []time.Time
	for _, key := range []string{"x-expires", "expires", "expire"} {
		if t, ok := unixParam(q[key], 10); ok {
			found = append(found, t)
		}
	}
	// Meta CDNs encode the expiry as hex seconds.
	if t, ok := unixParam(q["oe"], 16); ok {
		found = append(found, t)
	}
	if date, ok := q["x-amz-date"]; ok {
		signed, err := time.Parse(amzDateLayout, date)
		ttl, terr := strconv.ParseInt(q["x-amz-expires"], 10, 64)
		if err == nil && terr == nil && ttl >= 0 {
			found = append(found, signed.Add(time.Duration(ttl)*time.Second))
		}
	}
	if len(found) == 0 {
		return time.Time{}, false
	}
	earliest := found[0]
	for _, t := range found[1:] {
		if t.Before(earliest) {
			earliest = t
		}
	}
	return earliest, true
}

func unixParam(v string, base int) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(v, base, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if base == 10 && n > 1e12 {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}
