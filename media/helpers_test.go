package media

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// patternImage draws a deterministic gradient with a seed-dependent checker
// overlay, so different seeds give visibly different structure.
func patternImage(w, h, seed int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cell := 4 + seed%7
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*255/max(w, 1) + y*seed) % 256)
			if ((x/cell)+(y/cell)+seed)%2 == 0 {
				v = 255 - v
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: uint8((int(v) + seed*40) % 256), B: uint8(y % 256), A: 255})
		}
	}
	return img
}

func writeImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
