package models

// ImageAsset represents one distinct piece of original image content.
// It corresponds to the 'images' table. Fingerprint is the deduplication key.
type ImageAsset struct {
	ID           uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	Fingerprint  string  `gorm:"not null;uniqueIndex;size:16" json:"fingerprint"` // fixed-width lowercase hex
	OriginalPath string  `gorm:"not null;index" json:"original_path"`
	Width        int     `gorm:"not null" json:"width"`
	Height       int     `gorm:"not null" json:"height"`
	ColorFormat  string  `gorm:"not null" json:"color_format"`
	HasAlpha     bool    `gorm:"not null;default:false" json:"has_alpha"`
	Extension    string  `gorm:"not null" json:"extension"`
	TakenAt      *int64  `gorm:"" json:"taken_at,omitempty"`       // Nullable, Unix timestamp from EXIF
	ManualRating *string `gorm:"" json:"manual_rating,omitempty"` // Nullable, set by the editing surface
	CreatedAt    int64   `gorm:"not null" json:"created_at"`      // Stored as INTEGER in SQLite, Unix timestamp
	UpdatedAt    int64   `gorm:"not null" json:"updated_at"`      // Stored as INTEGER in SQLite, Unix timestamp

	// Relationships
	DerivedImages []DerivedImage `gorm:"foreignKey:ImageID" json:"derived_images,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (ImageAsset) TableName() string {
	return "images"
}
