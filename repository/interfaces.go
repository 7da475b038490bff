package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/models"
)

// ImageRepositoryInterface defines the methods for image data operations
type ImageRepositoryInterface interface {
	Create(ctx context.Context, image *models.ImageAsset) error
	GetByID(ctx context.Context, id uint) (*models.ImageAsset, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.ImageAsset, error)
	GetByPath(ctx context.Context, originalPath string) (*models.ImageAsset, error)
	FindFingerprintsBatch(ctx context.Context, fingerprints []string) (map[string]uint, error)
	GetMetadataBatch(ctx context.Context, ids []uint) ([]models.ImageAsset, error)
	ListIDs(ctx context.Context, afterID uint, limit int) ([]uint, error)
	SetManualRating(ctx context.Context, id uint, rating *string) error
	Count(ctx context.Context) (int64, error)
}

// DerivedImageRepositoryInterface defines the methods for derived image data operations
type DerivedImageRepositoryInterface interface {
	Get(ctx context.Context, imageID uint, resolution models.Resolution) (*models.DerivedImage, error)
	Create(ctx context.Context, derived *models.DerivedImage) error
	Delete(ctx context.Context, id uint) error
	ListByImage(ctx context.Context, imageID uint) ([]models.DerivedImage, error)
	GetByStoredPath(ctx context.Context, storedPath string) (*models.DerivedImage, error)
}

// ModelRepositoryInterface defines the methods for annotation model data operations
type ModelRepositoryInterface interface {
	GetByName(ctx context.Context, name string) (*models.AnnotationModel, error)
	GetOrCreate(ctx context.Context, name string, kind models.ModelKind, provider string) (uint, error)
	GetModelsByNameBatch(ctx context.Context, names []string) (map[string]uint, error)
	ListAll(ctx context.Context) ([]models.AnnotationModel, error)
}

// AnnotationRepositoryInterface defines the methods for tag/caption/score/rating data operations
type AnnotationRepositoryInterface interface {
	UpsertTags(ctx context.Context, imageID, modelID uint, values []TagValue) (UpsertResult, error)
	UpsertCaptions(ctx context.Context, imageID, modelID uint, values []CaptionValue) (UpsertResult, error)
	AppendScores(ctx context.Context, imageID, modelID uint, values []ScoreValue) (UpsertResult, error)
	AppendRatings(ctx context.Context, imageID, modelID uint, values []RatingValue) (UpsertResult, error)
	EditTag(ctx context.Context, tagID uint, text string) error
	EditCaption(ctx context.Context, captionID uint, text string) error
	EditScore(ctx context.Context, scoreID uint, value float64) error
	PurgeAnnotations(ctx context.Context, imageID, modelID uint) (int64, error)
	GetAnnotatedIDsBatch(ctx context.Context, ids []uint) (map[uint]struct{}, error)
	ListTags(ctx context.Context, imageID uint) ([]models.Tag, error)
	ListCaptions(ctx context.Context, imageID uint) ([]models.Caption, error)
	ListScores(ctx context.Context, imageID uint) ([]models.Score, error)
	ListRatings(ctx context.Context, imageID uint) ([]models.Rating, error)
}

// Repositories bundles the repositories that share one *gorm.DB so they can be
// rebound to a transaction together.
type Repositories struct {
	Images      *ImageRepository
	Derived     *DerivedImageRepository
	Models      *ModelRepository
	Annotations *AnnotationRepository
}

// NewRepositories builds every repository over db.
func NewRepositories(db *gorm.DB, batchSize int) *Repositories {
	return &Repositories{
		Images:      NewImageRepository(db, batchSize),
		Derived:     NewDerivedImageRepository(db),
		Models:      NewModelRepository(db, batchSize),
		Annotations: NewAnnotationRepository(db, batchSize),
	}
}

// WithTx rebinds the transactional repositories to tx. The model repository
// keeps its own connection because its cache must only hold committed ids.
func (r *Repositories) WithTx(tx *gorm.DB) *Repositories {
	return &Repositories{
		Images:      r.Images.WithTx(tx),
		Derived:     r.Derived.WithTx(tx),
		Models:      r.Models,
		Annotations: r.Annotations.WithTx(tx),
	}
}

var (
	_ ImageRepositoryInterface        = (*ImageRepository)(nil)
	_ DerivedImageRepositoryInterface = (*DerivedImageRepository)(nil)
	_ ModelRepositoryInterface        = (*ModelRepository)(nil)
	_ AnnotationRepositoryInterface   = (*AnnotationRepository)(nil)
)
