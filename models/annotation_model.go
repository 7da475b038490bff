package models

// ModelKind enumerates what an annotation source produces.
type ModelKind string

const (
	ModelKindTagger     ModelKind = "tagger"
	ModelKindCaptioner  ModelKind = "captioner"
	ModelKindScorer     ModelKind = "scorer"
	ModelKindRater      ModelKind = "rater"
	ModelKindMultimodal ModelKind = "multimodal"
	ModelKindImport     ModelKind = "import"
	ModelKindManual     ModelKind = "manual"
)

// SidecarImportModel is the model name attached to annotations read from sidecar files.
const SidecarImportModel = "sidecar-import"

// AnnotationModel identifies a tagging/captioning/scoring source.
// It corresponds to the 'models' table.
type AnnotationModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"not null;uniqueIndex" json:"name"`
	Kind      ModelKind `gorm:"not null" json:"kind"`
	Provider  string    `gorm:"not null;default:''" json:"provider"`
	CreatedAt int64     `gorm:"not null" json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (AnnotationModel) TableName() string {
	return "models"
}
