package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/models"
)

// ImageRepository handles database operations for ImageAsset entities
type ImageRepository struct {
	DB        *gorm.DB
	BatchSize int
}

// NewImageRepository creates a new instance of ImageRepository
func NewImageRepository(db *gorm.DB, batchSize int) *ImageRepository {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ImageRepository{DB: db, BatchSize: batchSize}
}

// WithTx returns a copy bound to tx.
func (r *ImageRepository) WithTx(tx *gorm.DB) *ImageRepository {
	return &ImageRepository{DB: tx, BatchSize: r.BatchSize}
}

// Create inserts a new image. A fingerprint that already exists yields ErrDuplicate.
func (r *ImageRepository) Create(ctx context.Context, image *models.ImageAsset) error {
	if image.Fingerprint == "" {
		return fmt.Errorf("%w: empty fingerprint", ErrInvalidInput)
	}
	if image.Width <= 0 || image.Height <= 0 {
		return fmt.Errorf("%w: non-positive dimensions %dx%d", ErrInvalidInput, image.Width, image.Height)
	}
	image.OriginalPath = filepath.ToSlash(image.OriginalPath)

	if err := r.DB.WithContext(ctx).Create(image).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: fingerprint %s", ErrDuplicate, image.Fingerprint)
		}
		return fmt.Errorf("failed to create image for %s: %w", image.OriginalPath, err)
	}
	return nil
}

// GetByID retrieves an image by its primary key
func (r *ImageRepository) GetByID(ctx context.Context, id uint) (*models.ImageAsset, error) {
	var image models.ImageAsset
	err := r.DB.WithContext(ctx).First(&image, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image %d: %w", id, err)
	}
	return &image, nil
}

// GetByFingerprint is the single indexed lookup used for deduplication.
func (r *ImageRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*models.ImageAsset, error) {
	var image models.ImageAsset
	err := r.DB.WithContext(ctx).Where("fingerprint = ?", fingerprint).Take(&image).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image by fingerprint %s: %w", fingerprint, err)
	}
	return &image, nil
}

// GetByPath retrieves the image registered from originalPath, if any
func (r *ImageRepository) GetByPath(ctx context.Context, originalPath string) (*models.ImageAsset, error) {
	var image models.ImageAsset
	err := r.DB.WithContext(ctx).Where("original_path = ?", filepath.ToSlash(originalPath)).Take(&image).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image by path %s: %w", originalPath, err)
	}
	return &image, nil
}

// FindFingerprintsBatch maps every known fingerprint in fingerprints to its image id.
// Unknown fingerprints are absent from the result.
func (r *ImageRepository) FindFingerprintsBatch(ctx context.Context, fingerprints []string) (map[string]uint, error) {
	found := make(map[string]uint, len(fingerprints))
	err := forEachChunk(distinct(fingerprints), r.BatchSize, func(chunk []string) error {
		var rows []models.ImageAsset
		if err := r.DB.WithContext(ctx).
			Select("id", "fingerprint").
			Where("fingerprint IN ?", chunk).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to look up fingerprints: %w", err)
		}
		for _, row := range rows {
			found[row.Fingerprint] = row.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetMetadataBatch loads images for ids, in the order ids were given. Unknown
// ids are skipped and repeated ids appear once.
func (r *ImageRepository) GetMetadataBatch(ctx context.Context, ids []uint) ([]models.ImageAsset, error) {
	ordered := distinct(ids)
	byID := make(map[uint]models.ImageAsset, len(ordered))
	err := forEachChunk(ordered, r.BatchSize, func(chunk []uint) error {
		var rows []models.ImageAsset
		if err := r.DB.WithContext(ctx).Where("id IN ?", chunk).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load image metadata: %w", err)
		}
		for _, row := range rows {
			byID[row.ID] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.ImageAsset, 0, len(byID))
	for _, id := range ordered {
		if img, ok := byID[id]; ok {
			out = append(out, img)
		}
	}
	return out, nil
}

// ListIDs pages through image ids in ascending order starting after afterID.
func (r *ImageRepository) ListIDs(ctx context.Context, afterID uint, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = r.BatchSize
	}
	var ids []uint
	err := r.DB.WithContext(ctx).Model(&models.ImageAsset{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list image ids: %w", err)
	}
	return ids, nil
}

// SetManualRating updates the soft rating applied by the editing surface. nil clears it.
func (r *ImageRepository) SetManualRating(ctx context.Context, id uint, rating *string) error {
	result := r.DB.WithContext(ctx).Model(&models.ImageAsset{}).
		Where("id = ?", id).
		Update("manual_rating", rating)
	if result.Error != nil {
		return fmt.Errorf("failed to set manual rating for image %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of registered images
func (r *ImageRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.DB.WithContext(ctx).Model(&models.ImageAsset{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}
