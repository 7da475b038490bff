package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/models"
)

// ModelRepository handles database operations for AnnotationModel entities.
// Model rows are never deleted, so resolved name -> id pairs are cached without expiry.
type ModelRepository struct {
	DB        *gorm.DB
	BatchSize int

	ids   *cache.Cache
	group singleflight.Group
}

// NewModelRepository creates a new instance of ModelRepository
func NewModelRepository(db *gorm.DB, batchSize int) *ModelRepository {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ModelRepository{
		DB:        db,
		BatchSize: batchSize,
		// cleanup interval 0 means no janitor goroutine
		ids: cache.New(cache.NoExpiration, 0),
	}
}

// GetByName retrieves a model by its unique name
func (r *ModelRepository) GetByName(ctx context.Context, name string) (*models.AnnotationModel, error) {
	var model models.AnnotationModel
	err := r.DB.WithContext(ctx).Where("name = ?", name).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get model %s: %w", name, err)
	}
	return &model, nil
}

// GetOrCreate returns the id of the named model, creating the row on first use.
// Concurrent callers for the same name share one lookup, and a lost insert race
// is resolved by re-reading the winner's row.
func (r *ModelRepository) GetOrCreate(ctx context.Context, name string, kind models.ModelKind, provider string) (uint, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: empty model name", ErrInvalidInput)
	}
	if id, ok := r.ids.Get(name); ok {
		return id.(uint), nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		existing, err := r.GetByName(ctx, name)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return uint(0), err
		}

		model := models.AnnotationModel{Name: name, Kind: kind, Provider: provider}
		if err := r.DB.WithContext(ctx).Create(&model).Error; err != nil {
			if !isUniqueViolation(err) {
				return uint(0), fmt.Errorf("failed to create model %s: %w", name, err)
			}
			winner, lookupErr := r.GetByName(ctx, name)
			if lookupErr != nil {
				return uint(0), fmt.Errorf("failed to re-read model %s after insert race: %w", name, lookupErr)
			}
			return winner.ID, nil
		}
		return model.ID, nil
	})
	if err != nil {
		return 0, err
	}

	id := v.(uint)
	r.ids.Set(name, id, cache.NoExpiration)
	return id, nil
}

// GetModelsByNameBatch maps every known name to its model id. Names are
// trimmed the same way GetOrCreate trims them; the result is keyed by the
// name as given. Unknown names are absent.
func (r *ModelRepository) GetModelsByNameBatch(ctx context.Context, names []string) (map[string]uint, error) {
	found := make(map[string]uint, len(names))
	requested := make(map[string][]string, len(names)) // trimmed -> names as given
	var missing []string
	for _, name := range distinct(names) {
		key := strings.TrimSpace(name)
		if key == "" {
			continue
		}
		if id, ok := r.ids.Get(key); ok {
			found[name] = id.(uint)
			continue
		}
		if _, queued := requested[key]; !queued {
			missing = append(missing, key)
		}
		requested[key] = append(requested[key], name)
	}

	err := forEachChunk(missing, r.BatchSize, func(chunk []string) error {
		var rows []models.AnnotationModel
		if err := r.DB.WithContext(ctx).Select("id", "name").Where("name IN ?", chunk).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to look up models by name: %w", err)
		}
		for _, row := range rows {
			for _, name := range requested[row.Name] {
				found[name] = row.ID
			}
			r.ids.Set(row.Name, row.ID, cache.NoExpiration)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListAll returns every model ordered by name
func (r *ModelRepository) ListAll(ctx context.Context) ([]models.AnnotationModel, error) {
	var rows []models.AnnotationModel
	if err := r.DB.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return rows, nil
}
