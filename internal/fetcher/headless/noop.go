package headless

import (
	"context"
	"errors"
	"net/http"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// ErrBrowserDisabled is returned by Noop for every browser operation.
var ErrBrowserDisabled = errors.New("headless browser not configured")

// Noop stands in for the browser when it is disabled. Jobs with a pinned
// media URL still download; everything else fails extraction.
type Noop struct{}

var _ grabber.SessionProvider = Noop{}

// NewNoop creates a new Noop provider.
func NewNoop() Noop {
	return Noop{}
}

// NewSession always fails.
func (Noop) NewSession(context.Context) (grabber.BrowserSession, error) {
	return nil, ErrBrowserDisabled
}

// Cookies reports no cookies; downloads stay anonymous.
func (Noop) Cookies(context.Context, string) ([]*http.Cookie, error) {
	return nil, nil
}

// Available reports false; callers skip work that needs a page.
func (Noop) Available() bool { return false }

// Close does nothing.
func (Noop) Close() error { return nil }
