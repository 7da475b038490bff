// media/types.go
package media

import (
	"errors"
	"image"
)

type AssetType string

const (
	AssetTypeDerived AssetType = "derived"
	AssetTypeExport  AssetType = "export"
	AssetTypeUnknown AssetType = "unknown"
)

var (
	// ErrUnreadableSource means the file could not be opened or decoded as an image.
	ErrUnreadableSource = errors.New("unreadable source image")
	// ErrInvalidInput means the image has zero or negative dimensions.
	ErrInvalidInput = errors.New("invalid input image")
	// ErrComputation means no aligned output size within tolerance exists.
	ErrComputation = errors.New("normalization computation failed")
	// ErrUpscale means the configured upscaler failed.
	ErrUpscale = errors.New("upscaling failed")
	// ErrFingerprint means the fingerprint function failed on decoded pixels.
	ErrFingerprint = errors.New("fingerprint computation failed")
	// ErrOutsideStore means a relative path resolved outside the storage root.
	ErrOutsideStore = errors.New("path outside storage root")
)

// Color formats recorded on image rows
const (
	ColorFormatGray      = "L"
	ColorFormatGrayAlpha = "LA"
	ColorFormatRGB       = "RGB"
	ColorFormatRGBA      = "RGBA"
	ColorFormatCMYK      = "CMYK"
	ColorFormatPaletted  = "P"
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// ImageInfo describes a decoded source image.
type ImageInfo struct {
	Width       int
	Height      int
	ColorFormat string
	HasAlpha    bool
	Extension   string
	Format      string // decoder name, e.g. "jpeg"
}

// NormalizationMetadata is what Normalize reports about its output.
type NormalizationMetadata struct {
	TargetWidth  int     `json:"target_width"`
	TargetHeight int     `json:"target_height"`
	WasUpscaled  bool    `json:"was_upscaled"`
	UpscalerUsed *string `json:"upscaler_used,omitempty"`
}

type opaquer interface {
	Opaque() bool
}

// describeColor derives the color format and alpha flag from the decoded image type.
func describeColor(img image.Image) (string, bool) {
	hasAlpha := false
	if o, ok := img.(opaquer); ok {
		hasAlpha = !o.Opaque()
	}

	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return ColorFormatGray, false
	case *image.CMYK:
		return ColorFormatCMYK, false
	case *image.Paletted:
		if hasAlpha {
			return ColorFormatRGBA, true
		}
		return ColorFormatPaletted, false
	}
	if hasAlpha {
		return ColorFormatRGBA, true
	}
	return ColorFormatRGB, false
}
