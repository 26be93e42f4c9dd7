// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

var _ grabber.Clock = Clock{}

// Clock implements grabber.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
