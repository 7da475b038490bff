package models

import "fmt"

// Resolution is an enumerated target resolution (length of the longer output side).
type Resolution int

const (
	Resolution512  Resolution = 512
	Resolution768  Resolution = 768
	Resolution1024 Resolution = 1024
	Resolution1536 Resolution = 1536
)

// KnownResolutions lists every resolution a derived image can be created for.
var KnownResolutions = []Resolution{Resolution512, Resolution768, Resolution1024, Resolution1536}

// Tag is the persisted key, e.g. "1024px".
func (r Resolution) Tag() string {
	return fmt.Sprintf("%dpx", int(r))
}

func (r Resolution) Valid() bool {
	for _, k := range KnownResolutions {
		if k == r {
			return true
		}
	}
	return false
}

// ParseResolution accepts either the bare number ("1024") or the tag form ("1024px").
func ParseResolution(s string) (Resolution, error) {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("invalid resolution %q: %w", s, err)
	}
	r := Resolution(v)
	if !r.Valid() {
		return 0, fmt.Errorf("unsupported resolution %q", s)
	}
	return r, nil
}

// DerivedImage is a normalized variant of an ImageAsset at one target resolution.
// It corresponds to the 'derived_images' table; at most one row per (image, resolution).
type DerivedImage struct {
	ID           uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID      uint    `gorm:"not null;uniqueIndex:idx_derived_image_resolution" json:"image_id"`
	Resolution   string  `gorm:"not null;uniqueIndex:idx_derived_image_resolution" json:"resolution"`
	StoredPath   string  `gorm:"not null" json:"stored_path"` // relative to MEDIA_STORAGE_PATH
	Width        int     `gorm:"not null" json:"width"`
	Height       int     `gorm:"not null" json:"height"`
	ColorFormat  string  `gorm:"not null" json:"color_format"`
	UpscalerUsed *string `gorm:"" json:"upscaler_used,omitempty"` // Nullable, nil means no upscaling was necessary
	CreatedAt    int64   `gorm:"not null" json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (DerivedImage) TableName() string {
	return "derived_images"
}

// WasUpscaled reports whether an upscaler ran before the final resize.
func (d DerivedImage) WasUpscaled() bool {
	return d.UpscalerUsed != nil && *d.UpscalerUsed != ""
}
