package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/utils"
)

// TagValue is one tag as emitted by a model or read from a sidecar.
type TagValue struct {
	Tag        string
	Confidence *float64
	IsExisting bool
}

type CaptionValue struct {
	Caption    string
	Confidence *float64
	IsExisting bool
}

type ScoreValue struct {
	Score      float64
	IsExisting bool
}

type RatingValue struct {
	Rating     string
	Confidence *float64
	IsExisting bool
}

// UpsertResult counts what an upsert did with each value.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"` // matched a manually edited row
}

func (u *UpsertResult) Add(other UpsertResult) {
	u.Inserted += other.Inserted
	u.Updated += other.Updated
	u.Skipped += other.Skipped
}

// AnnotationRepository handles tags, captions, scores and ratings
type AnnotationRepository struct {
	DB        *gorm.DB
	BatchSize int
	now       func() time.Time
}

// NewAnnotationRepository creates a new instance of AnnotationRepository
func NewAnnotationRepository(db *gorm.DB, batchSize int) *AnnotationRepository {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &AnnotationRepository{DB: db, BatchSize: batchSize, now: time.Now}
}

// WithTx returns a copy bound to tx.
func (r *AnnotationRepository) WithTx(tx *gorm.DB) *AnnotationRepository {
	return &AnnotationRepository{DB: tx, BatchSize: r.BatchSize, now: r.now}
}

func validateOwner(imageID, modelID uint) error {
	if imageID == 0 || modelID == 0 {
		return fmt.Errorf("%w: image id %d, model id %d", ErrInvalidInput, imageID, modelID)
	}
	return nil
}

// UpsertTags stores tags for (imageID, modelID). Tag text is normalized before
// matching. (image, model, tag) is unique, so a re-run of the same model
// supersedes its earlier row in place: confidence and updated_at are replaced,
// id and created_at are kept. Manually edited rows are never touched. Tags from
// other models are separate rows and are not affected.
func (r *AnnotationRepository) UpsertTags(ctx context.Context, imageID, modelID uint, values []TagValue) (UpsertResult, error) {
	var res UpsertResult
	if err := validateOwner(imageID, modelID); err != nil {
		return res, err
	}

	byText := make(map[string]TagValue, len(values))
	var texts []string
	for _, v := range values {
		text := utils.NormalizeTag(v.Tag)
		if text == "" {
			continue
		}
		if _, ok := byText[text]; ok {
			continue
		}
		v.Tag = text
		byText[text] = v
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return res, nil
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing := make(map[string]models.Tag, len(texts))
		if err := forEachChunk(texts, r.BatchSize, func(chunk []string) error {
			var rows []models.Tag
			if err := tx.Where("image_id = ? AND model_id = ? AND tag IN ?", imageID, modelID, chunk).Find(&rows).Error; err != nil {
				return fmt.Errorf("failed to load existing tags: %w", err)
			}
			for _, row := range rows {
				existing[row.Tag] = row
			}
			return nil
		}); err != nil {
			return err
		}

		now := r.now().Unix()
		var fresh []models.Tag
		for _, text := range texts {
			v := byText[text]
			row, ok := existing[text]
			switch {
			case ok && row.IsEditedManually:
				res.Skipped++
			case ok:
				if err := tx.Model(&models.Tag{}).Where("id = ?", row.ID).
					Updates(map[string]any{"confidence": v.Confidence, "updated_at": now}).Error; err != nil {
					return fmt.Errorf("failed to refresh tag %q: %w", text, err)
				}
				res.Updated++
			default:
				fresh = append(fresh, models.Tag{
					ImageID:    imageID,
					ModelID:    modelID,
					Tag:        text,
					Confidence: v.Confidence,
					IsExisting: v.IsExisting,
					CreatedAt:  now,
					UpdatedAt:  now,
				})
			}
		}
		if len(fresh) > 0 {
			if err := tx.CreateInBatches(&fresh, r.BatchSize).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: tag for image %d", ErrDuplicate, imageID)
				}
				return fmt.Errorf("failed to insert tags: %w", err)
			}
			res.Inserted += len(fresh)
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// UpsertCaptions stores captions for (imageID, modelID). An identical caption
// from the same model is refreshed unless edited; anything else is appended.
func (r *AnnotationRepository) UpsertCaptions(ctx context.Context, imageID, modelID uint, values []CaptionValue) (UpsertResult, error) {
	var res UpsertResult
	if err := validateOwner(imageID, modelID); err != nil {
		return res, err
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.Caption
		if err := tx.Where("image_id = ? AND model_id = ?", imageID, modelID).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load existing captions: %w", err)
		}
		existing := make(map[string]models.Caption, len(rows))
		for _, row := range rows {
			existing[row.Caption] = row
		}

		now := r.now().Unix()
		for _, v := range values {
			text := strings.TrimSpace(v.Caption)
			if text == "" {
				continue
			}
			row, ok := existing[text]
			switch {
			case ok && row.IsEditedManually:
				res.Skipped++
			case ok:
				if err := tx.Model(&models.Caption{}).Where("id = ?", row.ID).
					Updates(map[string]any{"confidence": v.Confidence, "updated_at": now}).Error; err != nil {
					return fmt.Errorf("failed to refresh caption: %w", err)
				}
				res.Updated++
			default:
				caption := models.Caption{
					ImageID:    imageID,
					ModelID:    modelID,
					Caption:    text,
					Confidence: v.Confidence,
					IsExisting: v.IsExisting,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := tx.Create(&caption).Error; err != nil {
					return fmt.Errorf("failed to insert caption: %w", err)
				}
				existing[text] = caption
				res.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// AppendScores always adds new rows; earlier scores are kept as history.
func (r *AnnotationRepository) AppendScores(ctx context.Context, imageID, modelID uint, values []ScoreValue) (UpsertResult, error) {
	if err := validateOwner(imageID, modelID); err != nil {
		return UpsertResult{}, err
	}
	if len(values) == 0 {
		return UpsertResult{}, nil
	}
	now := r.now().Unix()
	rows := make([]models.Score, 0, len(values))
	for _, v := range values {
		rows = append(rows, models.Score{
			ImageID: imageID, ModelID: modelID, Score: v.Score, IsExisting: v.IsExisting,
			CreatedAt: now, UpdatedAt: now,
		})
	}
	if err := r.DB.WithContext(ctx).CreateInBatches(&rows, r.BatchSize).Error; err != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert scores: %w", err)
	}
	return UpsertResult{Inserted: len(rows)}, nil
}

// AppendRatings always adds new rows; earlier ratings are kept as history.
func (r *AnnotationRepository) AppendRatings(ctx context.Context, imageID, modelID uint, values []RatingValue) (UpsertResult, error) {
	if err := validateOwner(imageID, modelID); err != nil {
		return UpsertResult{}, err
	}
	now := r.now().Unix()
	rows := make([]models.Rating, 0, len(values))
	for _, v := range values {
		rating := strings.TrimSpace(v.Rating)
		if rating == "" {
			continue
		}
		rows = append(rows, models.Rating{
			ImageID: imageID, ModelID: modelID, Rating: rating, Confidence: v.Confidence,
			IsExisting: v.IsExisting, CreatedAt: now, UpdatedAt: now,
		})
	}
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}
	if err := r.DB.WithContext(ctx).CreateInBatches(&rows, r.BatchSize).Error; err != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert ratings: %w", err)
	}
	return UpsertResult{Inserted: len(rows)}, nil
}

// EditTag replaces a tag's text and marks it as edited manually.
func (r *AnnotationRepository) EditTag(ctx context.Context, tagID uint, text string) error {
	text = utils.NormalizeTag(text)
	if text == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidInput)
	}
	result := r.DB.WithContext(ctx).Model(&models.Tag{}).Where("id = ?", tagID).
		Updates(map[string]any{"tag": text, "is_edited_manually": true, "updated_at": r.now().Unix()})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: tag %q already present", ErrDuplicate, text)
		}
		return fmt.Errorf("failed to edit tag %d: %w", tagID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// EditCaption replaces a caption's text and marks it as edited manually.
func (r *AnnotationRepository) EditCaption(ctx context.Context, captionID uint, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty caption", ErrInvalidInput)
	}
	result := r.DB.WithContext(ctx).Model(&models.Caption{}).Where("id = ?", captionID).
		Updates(map[string]any{"caption": text, "is_edited_manually": true, "updated_at": r.now().Unix()})
	if result.Error != nil {
		return fmt.Errorf("failed to edit caption %d: %w", captionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// EditScore overrides a score value and marks it as edited manually.
func (r *AnnotationRepository) EditScore(ctx context.Context, scoreID uint, value float64) error {
	result := r.DB.WithContext(ctx).Model(&models.Score{}).Where("id = ?", scoreID).
		Updates(map[string]any{"score": value, "is_edited_manually": true, "updated_at": r.now().Unix()})
	if result.Error != nil {
		return fmt.Errorf("failed to edit score %d: %w", scoreID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeAnnotations deletes every row of modelID for imageID that was not edited
// manually and returns the number of rows removed.
func (r *AnnotationRepository) PurgeAnnotations(ctx context.Context, imageID, modelID uint) (int64, error) {
	if err := validateOwner(imageID, modelID); err != nil {
		return 0, err
	}
	var removed int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&models.Tag{}, &models.Caption{}, &models.Score{}, &models.Rating{}} {
			result := tx.Where("image_id = ? AND model_id = ? AND is_edited_manually = ?", imageID, modelID, false).Delete(model)
			if result.Error != nil {
				return fmt.Errorf("failed to purge annotations: %w", result.Error)
			}
			removed += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// GetAnnotatedIDsBatch returns the subset of ids that have at least one tag or caption.
func (r *AnnotationRepository) GetAnnotatedIDsBatch(ctx context.Context, ids []uint) (map[uint]struct{}, error) {
	annotated := make(map[uint]struct{}, len(ids))
	err := forEachChunk(distinct(ids), r.BatchSize, func(chunk []uint) error {
		for _, model := range []any{&models.Tag{}, &models.Caption{}} {
			var found []uint
			if err := r.DB.WithContext(ctx).Model(model).
				Distinct("image_id").
				Where("image_id IN ?", chunk).
				Pluck("image_id", &found).Error; err != nil {
				return fmt.Errorf("failed to look up annotated images: %w", err)
			}
			for _, id := range found {
				annotated[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return annotated, nil
}

// ListTags returns every tag of an image, oldest first
func (r *AnnotationRepository) ListTags(ctx context.Context, imageID uint) ([]models.Tag, error) {
	var rows []models.Tag
	if err := r.DB.WithContext(ctx).Where("image_id = ?", imageID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list tags for image %d: %w", imageID, err)
	}
	return rows, nil
}

// ListCaptions returns every caption of an image, oldest first
func (r *AnnotationRepository) ListCaptions(ctx context.Context, imageID uint) ([]models.Caption, error) {
	var rows []models.Caption
	if err := r.DB.WithContext(ctx).Where("image_id = ?", imageID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list captions for image %d: %w", imageID, err)
	}
	return rows, nil
}

// ListScores returns every score of an image, oldest first
func (r *AnnotationRepository) ListScores(ctx context.Context, imageID uint) ([]models.Score, error) {
	var rows []models.Score
	if err := r.DB.WithContext(ctx).Where("image_id = ?", imageID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list scores for image %d: %w", imageID, err)
	}
	return rows, nil
}

// ListRatings returns every rating of an image, oldest first
func (r *AnnotationRepository) ListRatings(ctx context.Context, imageID uint) ([]models.Rating, error) {
	var rows []models.Rating
	if err := r.DB.WithContext(ctx).Where("image_id = ?", imageID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list ratings for image %d: %w", imageID, err)
	}
	return rows, nil
}
