package media

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// Upscaler enlarges an image so that both sides reach at least the requested
// minimum. Implementations may be external (model based) transforms.
type Upscaler interface {
	Name() string
	Upscale(ctx context.Context, img image.Image, minWidth, minHeight int) (image.Image, error)
}

var resampleFilters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"mitchell":   imaging.MitchellNetravali,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
	"nearest":    imaging.NearestNeighbor,
}

// UpscalerNames lists the built-in resampling upscalers.
func UpscalerNames() []string {
	names := make([]string, 0, len(resampleFilters))
	for name := range resampleFilters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewUpscaler returns a built-in resampling upscaler by name.
func NewUpscaler(name string) (Upscaler, error) {
	filter, ok := resampleFilters[name]
	if !ok {
		return nil, fmt.Errorf("unknown upscaler '%s'", name)
	}
	return &ResampleUpscaler{name: name, filter: filter}, nil
}

// ResampleUpscaler enlarges with an imaging resampling filter, keeping the aspect ratio.
type ResampleUpscaler struct {
	name   string
	filter imaging.ResampleFilter
}

func (u *ResampleUpscaler) Name() string { return u.name }

func (u *ResampleUpscaler) Upscale(ctx context.Context, img image.Image, minWidth, minHeight int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidInput, w, h)
	}

	factor := math.Max(float64(minWidth)/float64(w), float64(minHeight)/float64(h))
	if factor <= 1 {
		return img, nil
	}
	newW := int(math.Ceil(float64(w) * factor))
	newH := int(math.Ceil(float64(h) * factor))
	return imaging.Resize(img, max(newW, minWidth), max(newH, minHeight), u.filter), nil
}
