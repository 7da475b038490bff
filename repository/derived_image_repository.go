package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/models"
)

// DerivedImageRepository handles database operations for DerivedImage entities
type DerivedImageRepository struct {
	DB *gorm.DB
}

// NewDerivedImageRepository creates a new instance of DerivedImageRepository
func NewDerivedImageRepository(db *gorm.DB) *DerivedImageRepository {
	return &DerivedImageRepository{DB: db}
}

// WithTx returns a copy bound to tx.
func (r *DerivedImageRepository) WithTx(tx *gorm.DB) *DerivedImageRepository {
	return &DerivedImageRepository{DB: tx}
}

// Get returns the derived image for (imageID, resolution) or ErrNotFound.
func (r *DerivedImageRepository) Get(ctx context.Context, imageID uint, resolution models.Resolution) (*models.DerivedImage, error) {
	var derived models.DerivedImage
	err := r.DB.WithContext(ctx).
		Where("image_id = ? AND resolution = ?", imageID, resolution.Tag()).
		Take(&derived).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get derived image %d/%s: %w", imageID, resolution.Tag(), err)
	}
	return &derived, nil
}

// Create inserts a derived image. A second row for the same pair yields ErrDuplicate.
func (r *DerivedImageRepository) Create(ctx context.Context, derived *models.DerivedImage) error {
	if err := r.DB.WithContext(ctx).Create(derived).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: derived image %d/%s", ErrDuplicate, derived.ImageID, derived.Resolution)
		}
		return fmt.Errorf("failed to create derived image %d/%s: %w", derived.ImageID, derived.Resolution, err)
	}
	return nil
}

// Delete removes a derived image row by id
func (r *DerivedImageRepository) Delete(ctx context.Context, id uint) error {
	if err := r.DB.WithContext(ctx).Delete(&models.DerivedImage{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete derived image %d: %w", id, err)
	}
	return nil
}

// ListByImage returns all derived variants of an image ordered by resolution
func (r *DerivedImageRepository) ListByImage(ctx context.Context, imageID uint) ([]models.DerivedImage, error) {
	var rows []models.DerivedImage
	if err := r.DB.WithContext(ctx).Where("image_id = ?", imageID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list derived images for %d: %w", imageID, err)
	}
	return rows, nil
}

// GetByStoredPath finds the row that owns a stored asset path
func (r *DerivedImageRepository) GetByStoredPath(ctx context.Context, storedPath string) (*models.DerivedImage, error) {
	var derived models.DerivedImage
	err := r.DB.WithContext(ctx).Where("stored_path = ?", storedPath).Take(&derived).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get derived image by path %s: %w", storedPath, err)
	}
	return &derived, nil
}
