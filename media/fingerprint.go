package media

import (
	"encoding/binary"
	"fmt"
	"image"
	"strconv"

	"github.com/azr/phash"
	"github.com/disintegration/imaging"
	"github.com/zeebo/blake3"
)

// Fingerprint is a fixed-width 64-bit content hash.
type Fingerprint uint64

// String renders the fingerprint as 16 lowercase hex digits. This is the
// stored form; SQLite integers cannot hold values above 1<<63.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// ParseFingerprint parses the stored hex form.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid fingerprint %q: expected 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}

// Fingerprinter computes a deterministic fingerprint from decoded pixels only.
// File bytes, encoding and path never influence the result.
type Fingerprinter interface {
	Name() string
	Fingerprint(img image.Image) (Fingerprint, error)
}

const (
	FingerprintPerceptual = "phash"
	FingerprintPixel      = "pixel"
)

// NewFingerprinter returns the fingerprinter registered under name.
func NewFingerprinter(name string) (Fingerprinter, error) {
	switch name {
	case "", FingerprintPerceptual:
		return PerceptualFingerprinter{}, nil
	case FingerprintPixel:
		return PixelFingerprinter{}, nil
	default:
		return nil, fmt.Errorf("unknown fingerprint algorithm '%s'", name)
	}
}

// PerceptualFingerprinter hashes the low-frequency DCT coefficients of the
// image luminance. Lossless re-encodes produce the same value.
type PerceptualFingerprinter struct{}

func (PerceptualFingerprinter) Name() string { return FingerprintPerceptual }

func (PerceptualFingerprinter) Fingerprint(img image.Image) (fp Fingerprint, err error) {
	if err := checkBounds(img); err != nil {
		return 0, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFingerprint, r)
		}
	}()
	return Fingerprint(phash.DTC(img)), nil
}

// PixelFingerprinter is an exact digest of the canonical NRGBA pixels and the
// dimensions, truncated to 64 bits.
type PixelFingerprinter struct{}

func (PixelFingerprinter) Name() string { return FingerprintPixel }

func (PixelFingerprinter) Fingerprint(img image.Image) (Fingerprint, error) {
	if err := checkBounds(img); err != nil {
		return 0, err
	}
	canonical := imaging.Clone(img)
	w, h := canonical.Bounds().Dx(), canonical.Bounds().Dy()

	hasher := blake3.New()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(w))
	binary.BigEndian.PutUint32(dims[4:8], uint32(h))
	_, _ = hasher.Write(dims[:])
	for y := 0; y < h; y++ {
		start := y * canonical.Stride
		_, _ = hasher.Write(canonical.Pix[start : start+w*4])
	}

	sum := hasher.Sum(nil)
	return Fingerprint(binary.BigEndian.Uint64(sum[:8])), nil
}

func checkBounds(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidInput)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidInput, b.Dx(), b.Dy())
	}
	return nil
}
