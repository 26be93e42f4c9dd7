package thumbnail

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func TestNormalizeShrinksToBox(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "cover.png")
	writePNG(t, src, 1000, 2000)

	dst := filepath.Join(tmp, "someone", "job.jpg")
	w, h, err := New(300, 300).Normalize(src, dst)
	require.NoError(t, err)
	require.Equal(t, 150, w)
	require.Equal(t, 300, h)

	out, err := imaging.Open(dst)
	require.NoError(t, err)
	require.Equal(t, 150, out.Bounds().Dx())
}

func TestNormalizeDoesNotUpscale(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "small.png")
	writePNG(t, src, 100, 50)

	w, h, err := New(0, 0).Normalize(src, filepath.Join(tmp, "out.jpg"))
	require.NoError(t, err)
	require.Equal(t, 100, w)
	require.Equal(t, 50, h)
}

func TestNormalizeRejectsNonImage(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "page.jpg")
	require.NoError(t, os.WriteFile(src, []byte("<html></html>"), 0o600))

	_, _, err := New(0, 0).Normalize(src, filepath.Join(tmp, "out.jpg"))
	require.ErrorContains(t, err, "open")
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	require.NoError(t, png.Encode(f, img))
}
