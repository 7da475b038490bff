package models

// Tag is one tag emitted by a model for an image.
// It corresponds to the 'tags' table.
type Tag struct {
	ID               uint     `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID          uint     `gorm:"not null;uniqueIndex:idx_tag_image_model_value;index" json:"image_id"`
	ModelID          uint     `gorm:"not null;uniqueIndex:idx_tag_image_model_value" json:"model_id"`
	Tag              string   `gorm:"not null;uniqueIndex:idx_tag_image_model_value" json:"tag"`
	Confidence       *float64 `gorm:"" json:"confidence,omitempty"`
	IsExisting       bool     `gorm:"not null;default:false" json:"is_existing"`
	IsEditedManually bool     `gorm:"not null;default:false" json:"is_edited_manually"`
	CreatedAt        int64    `gorm:"not null" json:"created_at"`
	UpdatedAt        int64    `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Tag) TableName() string {
	return "tags"
}

// Caption is a free-text caption emitted by a model for an image.
// It corresponds to the 'captions' table.
type Caption struct {
	ID               uint     `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID          uint     `gorm:"not null;index" json:"image_id"`
	ModelID          uint     `gorm:"not null;index" json:"model_id"`
	Caption          string   `gorm:"not null" json:"caption"`
	Confidence       *float64 `gorm:"" json:"confidence,omitempty"`
	IsExisting       bool     `gorm:"not null;default:false" json:"is_existing"`
	IsEditedManually bool     `gorm:"not null;default:false" json:"is_edited_manually"`
	CreatedAt        int64    `gorm:"not null" json:"created_at"`
	UpdatedAt        int64    `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Caption) TableName() string {
	return "captions"
}

// Score is a quality score emitted by a model. Re-running a scorer appends a row.
// It corresponds to the 'scores' table.
type Score struct {
	ID               uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID          uint    `gorm:"not null;index" json:"image_id"`
	ModelID          uint    `gorm:"not null;index" json:"model_id"`
	Score            float64 `gorm:"not null" json:"score"`
	IsExisting       bool    `gorm:"not null;default:false" json:"is_existing"`
	IsEditedManually bool    `gorm:"not null;default:false" json:"is_edited_manually"`
	CreatedAt        int64   `gorm:"not null" json:"created_at"`
	UpdatedAt        int64   `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Score) TableName() string {
	return "scores"
}

// Rating is a content rating (e.g. "general", "sensitive", "explicit") emitted by a model.
// It corresponds to the 'ratings' table.
type Rating struct {
	ID               uint     `gorm:"primaryKey;autoIncrement" json:"id"`
	ImageID          uint     `gorm:"not null;index" json:"image_id"`
	ModelID          uint     `gorm:"not null;index" json:"model_id"`
	Rating           string   `gorm:"not null" json:"rating"`
	Confidence       *float64 `gorm:"" json:"confidence,omitempty"`
	IsExisting       bool     `gorm:"not null;default:false" json:"is_existing"`
	IsEditedManually bool     `gorm:"not null;default:false" json:"is_edited_manually"`
	CreatedAt        int64    `gorm:"not null" json:"created_at"`
	UpdatedAt        int64    `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Rating) TableName() string {
	return "ratings"
}
