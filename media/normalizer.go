package media

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// Alignment is the multiple both output sides are floored to.
	Alignment = 32
	// maxTargetFactor bounds the output size relative to the target resolution.
	maxTargetFactor = 4

	DefaultAspectTolerance = 0.05
	DefaultSizeTolerance   = 0.05
)

// NormalizerOptions configures a Normalizer. Preferred sizes that are not
// multiples of Alignment are ignored.
type NormalizerOptions struct {
	Preferred       []Size
	AspectTolerance float64
	SizeTolerance   float64
	Upscaler        Upscaler
}

// Normalizer resizes images to aligned target resolutions. It holds no state
// besides its options and is safe for concurrent use.
type Normalizer struct {
	preferred       []Size
	aspectTolerance float64
	sizeTolerance   float64
	upscaler        Upscaler
}

func NewNormalizer(opts NormalizerOptions) *Normalizer {
	n := &Normalizer{
		aspectTolerance: opts.AspectTolerance,
		sizeTolerance:   opts.SizeTolerance,
		upscaler:        opts.Upscaler,
	}
	if n.aspectTolerance <= 0 {
		n.aspectTolerance = DefaultAspectTolerance
	}
	if n.sizeTolerance < 0 {
		n.sizeTolerance = DefaultSizeTolerance
	}
	for _, p := range opts.Preferred {
		if p.Width > 0 && p.Height > 0 && p.Width%Alignment == 0 && p.Height%Alignment == 0 {
			n.preferred = append(n.preferred, p)
		}
	}
	if n.upscaler == nil {
		n.upscaler = &ResampleUpscaler{name: "lanczos", filter: imaging.Lanczos}
	}
	return n
}

// UpscalerName reports the configured upscaler.
func (n *Normalizer) UpscalerName() string {
	return n.upscaler.Name()
}

func aspectDeviation(w, h int, trueAspect float64) float64 {
	return math.Abs(float64(w)/float64(h)-trueAspect) / trueAspect
}

func alignDown(v int) int {
	return (v / Alignment) * Alignment
}

// ComputeTargetSize returns the output size for a srcW x srcH source at the
// given target resolution. Both sides of the result are multiples of Alignment
// and the aspect deviation is within the configured tolerance.
func (n *Normalizer) ComputeTargetSize(srcW, srcH, target int) (Size, error) {
	if srcW <= 0 || srcH <= 0 {
		return Size{}, fmt.Errorf("%w: %dx%d", ErrInvalidInput, srcW, srcH)
	}
	if target < Alignment {
		return Size{}, fmt.Errorf("%w: target resolution %d below alignment %d", ErrComputation, target, Alignment)
	}

	trueAspect := float64(srcW) / float64(srcH)
	if p, ok := n.pickPreferred(srcW, srcH, target, trueAspect); ok {
		return p, nil
	}

	landscape := srcW >= srcH
	long, short := srcW, srcH
	if !landscape {
		long, short = srcH, srcW
	}

	sizeFor := func(longSide int) Size {
		shortSide := int(math.Round(float64(short) * float64(longSide) / float64(long)))
		l, s := alignDown(longSide), alignDown(shortSide)
		if landscape {
			return Size{Width: l, Height: s}
		}
		return Size{Width: s, Height: l}
	}
	degenerate := func(sz Size) bool {
		limit := maxTargetFactor * target
		return sz.Width <= 0 || sz.Height <= 0 || sz.Width > limit || sz.Height > limit
	}

	best := sizeFor(target)
	if degenerate(best) {
		return Size{}, fmt.Errorf("%w: %dx%d at %d aligns to degenerate %dx%d", ErrComputation, srcW, srcH, target, best.Width, best.Height)
	}
	bestDev := aspectDeviation(best.Width, best.Height, trueAspect)

	// shrink the long side one alignment step at a time looking for a closer ratio
	for longSide := alignDown(target) - Alignment; bestDev > n.aspectTolerance && longSide >= target/2; longSide -= Alignment {
		candidate := sizeFor(longSide)
		if degenerate(candidate) {
			break
		}
		if dev := aspectDeviation(candidate.Width, candidate.Height, trueAspect); dev < bestDev {
			best, bestDev = candidate, dev
		}
	}

	if bestDev > n.aspectTolerance {
		return Size{}, fmt.Errorf("%w: %dx%d at %d deviates %.3f from aspect ratio (tolerance %.3f)",
			ErrComputation, srcW, srcH, target, bestDev, n.aspectTolerance)
	}
	return best, nil
}

// pickPreferred returns the preferred size for this target whose aspect ratio
// is closest to the source, provided the source's long side already matches
// it within tolerance and no enlargement would be needed.
func (n *Normalizer) pickPreferred(srcW, srcH, target int, trueAspect float64) (Size, bool) {
	srcLong := max(srcW, srcH)
	var best Size
	bestDev := math.Inf(1)
	for _, p := range n.preferred {
		pLong := max(p.Width, p.Height)
		if math.Abs(float64(pLong-target)) > n.sizeTolerance*float64(target) {
			continue
		}
		if math.Abs(float64(srcLong-pLong)) > n.sizeTolerance*float64(pLong) {
			continue
		}
		if srcW < p.Width || srcH < p.Height {
			continue
		}
		dev := aspectDeviation(p.Width, p.Height, trueAspect)
		if dev > n.aspectTolerance {
			continue
		}
		if dev < bestDev {
			best, bestDev = p, dev
		}
	}
	return best, !math.IsInf(bestDev, 1)
}

// Normalize produces the target-resolution variant of img. When the source is
// smaller than the computed size in either dimension the upscaler runs first
// and its name is recorded in the metadata.
func (n *Normalizer) Normalize(ctx context.Context, img image.Image, target int) (image.Image, NormalizationMetadata, error) {
	if err := checkBounds(img); err != nil {
		return nil, NormalizationMetadata{}, err
	}
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	size, err := n.ComputeTargetSize(srcW, srcH, target)
	if err != nil {
		return nil, NormalizationMetadata{}, err
	}

	meta := NormalizationMetadata{TargetWidth: size.Width, TargetHeight: size.Height}
	source := img
	if max(srcW, srcH) < target || srcW < size.Width || srcH < size.Height {
		upscaled, err := n.upscaler.Upscale(ctx, img, size.Width, size.Height)
		if err != nil {
			return nil, NormalizationMetadata{}, fmt.Errorf("%w: %s: %v", ErrUpscale, n.upscaler.Name(), err)
		}
		source = upscaled
		name := n.upscaler.Name()
		meta.WasUpscaled = true
		meta.UpscalerUsed = &name
	}

	out := imaging.Fill(source, size.Width, size.Height, imaging.Center, imaging.Lanczos)
	return out, meta, nil
}
