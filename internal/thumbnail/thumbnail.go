// Package thumbnail normalizes downloaded cover images into bounded JPEGs.
package thumbnail

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Default bounding box.
const (
	DefaultWidth  = 720
	DefaultHeight = 1280
)

const jpegQuality = 85

// Normalizer writes thumbnails that fit a bounding box.
type Normalizer struct {
	Width  int
	Height int
}

// New returns a Normalizer, applying defaults for non-positive sizes.
func New(width, height int) *Normalizer {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Normalizer{Width: width, Height: height}
}

// Normalize decodes srcPath, shrinks it to fit the box without upscaling and
// writes a JPEG to dstPath. It returns the output dimensions.
func (n *Normalizer) Normalize(srcPath, dstPath string) (w int, h int, _ error) {
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, fmt.Errorf("open: %w", err)
	}
	thumb := imaging.Fit(src, n.Width, n.Height, imaging.Lanczos)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, 0, fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(thumb, dstPath, imaging.JPEGQuality(jpegQuality)); err != nil {
		return 0, 0, fmt.Errorf("save: %w", err)
	}
	b := thumb.Bounds()
	return b.Dx(), b.Dy(), nil
}
