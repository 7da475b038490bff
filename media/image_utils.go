package media

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var supportedImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// IsRasterImage checks if the filename has a common raster image extension
func IsRasterImage(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedImageExtensions[ext]
}

// DecodeFile opens and decodes path with EXIF orientation applied.
// Any failure is reported as ErrUnreadableSource.
func DecodeFile(path string) (image.Image, ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("%w: %s: %v", ErrUnreadableSource, path, err)
	}
	defer f.Close()

	img, info, err := Decode(f)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	info.Extension = strings.ToLower(filepath.Ext(path))
	return img, info, nil
}

// Decode reads an image from r. r must support seeking back to the start so
// the format can be sniffed before the full decode.
func Decode(r io.ReadSeeker) (image.Image, ImageInfo, error) {
	_, format, err := image.DecodeConfig(r)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, ImageInfo{}, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}

	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}

	bounds := img.Bounds()
	colorFormat, hasAlpha := describeColor(img)
	return img, ImageInfo{
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		ColorFormat: colorFormat,
		HasAlpha:    hasAlpha,
		Format:      format,
	}, nil
}
