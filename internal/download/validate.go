package download

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// MediaKind is what a download is expected to contain.
type MediaKind string

// Expected media kinds.
const (
	KindVideo MediaKind = "video"
	KindImage MediaKind = "image"
)

// Expect describes an acceptable download.
type Expect struct {
	Kind     MediaKind
	MinBytes int64
}

var videoOctetTypes = map[string]bool{
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"application/mp4":          true,
}

// Validate checks a finished download. It sniffs the file when the server
// sent no content type.
func Validate(res grabber.DownloadResult, want Expect) error {
	if res.Bytes <= 0 {
		return grabber.NewError(grabber.CodeInvalidMedia, "download produced an empty file")
	}
	ct := mediaType(res.ContentType)
	if ct == "" {
		ct = mediaType(sniff(res.Path))
	}
	if !acceptable(ct, want.Kind) {
		return grabber.NewError(grabber.CodeInvalidMedia,
			fmt.Sprintf("content type %q is not %s", ct, want.Kind))
	}
	if want.MinBytes > 0 && res.Bytes < want.MinBytes {
		return grabber.NewError(grabber.CodeInvalidMedia,
			fmt.Sprintf("download is %d bytes, expected at least %d", res.Bytes, want.MinBytes))
	}
	return nil
}

func acceptable(ct string, kind MediaKind) bool {
	if strings.HasPrefix(ct, "text/") || strings.Contains(ct, "html") || strings.Contains(ct, "json") {
		return false
	}
	switch kind {
	case KindImage:
		return strings.HasPrefix(ct, "image/")
	default:
		return strings.HasPrefix(ct, "video/") || videoOctetTypes[ct]
	}
}

func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func sniff(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return ""
	}
	return http.DetectContentType(buf[:n])
}
