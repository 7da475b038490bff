package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/repository"
)

// ErrNoResult is recorded when a provider returns nothing for a requested
// image/model pair.
var ErrNoResult = errors.New("provider returned no result")

// Credentials are opaque provider secrets, keyed by provider-defined names.
type Credentials map[string]string

// ProviderImage is one image handed to a provider. Identity is the image
// fingerprint and is the key of the provider's result map. Path is the file to
// annotate (a derived variant when the service is configured with one); Source
// is always the original file.
type ProviderImage struct {
	Identity string
	ImageID  uint
	Path     string
	Source   string
}

// ModelResult is what one model produced for one image. Err reports a
// failure of that model alone.
type ModelResult struct {
	Tags    []string
	Caption *string
	Score   *float64
	Rating  *string
	Err     error
}

// Provider runs annotation models over images. The outer error is reserved
// for failures of the whole call; per-model failures go in ModelResult.Err.
type Provider interface {
	Annotate(ctx context.Context, images []ProviderImage, modelNames []string, creds Credentials) (map[string]map[string]ModelResult, error)
}

// ModelSpec names a model to run and how to register it.
type ModelSpec struct {
	Name     string
	Kind     models.ModelKind
	Provider string
}

// AnnotationSummary reports one Annotate call.
type AnnotationSummary struct {
	Images      int                     `json:"images"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	Annotations repository.UpsertResult `json:"annotations"`
}

// AnnotationService feeds registered images to a provider and stores what
// comes back.
type AnnotationService struct {
	store      *AnnotationStore
	provider   Provider
	ledger     *database.ErrorLedger
	metrics    *metrics.BatchMetrics
	logger     *slog.Logger
	resolution models.Resolution
}

// NewAnnotationService creates the service. When resolution is non-zero the
// provider is given that derived variant instead of the original file.
func NewAnnotationService(store *AnnotationStore, provider Provider, ledger *database.ErrorLedger, m *metrics.BatchMetrics, resolution models.Resolution, logger *slog.Logger) *AnnotationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnnotationService{
		store:      store,
		provider:   provider,
		ledger:     ledger,
		metrics:    m,
		resolution: resolution,
		logger:     logger.With("component", "annotation_service"),
	}
}

func (s *AnnotationService) imagePath(ctx context.Context, asset models.ImageAsset) (string, error) {
	if s.resolution == 0 {
		return asset.OriginalPath, nil
	}
	derived, err := s.store.GetOrCreateDerivedImage(ctx, asset.ID, s.resolution)
	if err != nil {
		return "", err
	}
	return s.store.processor.Store().GetFullPath(derived.StoredPath)
}

func (s *AnnotationService) recordFailure(ctx context.Context, model, path string, cause error) {
	_, err := s.ledger.Record(ctx, models.OperationAnnotation, models.ErrorKindAnnotationProvider, cause.Error(),
		database.WithModelName(model), database.WithFilePath(path))
	if err != nil {
		s.logger.Error("failed to record annotation failure", "model", model, "path", path, "error", err)
		return
	}
	s.metrics.RecordLedger(string(models.OperationAnnotation), string(models.ErrorKindAnnotationProvider))
}

func toAnnotationSet(r ModelResult) AnnotationSet {
	var set AnnotationSet
	for _, tag := range r.Tags {
		set.Tags = append(set.Tags, repository.TagValue{Tag: tag})
	}
	if r.Caption != nil && *r.Caption != "" {
		set.Captions = append(set.Captions, repository.CaptionValue{Caption: *r.Caption})
	}
	if r.Score != nil {
		set.Scores = append(set.Scores, repository.ScoreValue{Score: *r.Score})
	}
	if r.Rating != nil && *r.Rating != "" {
		set.Ratings = append(set.Ratings, repository.RatingValue{Rating: *r.Rating})
	}
	return set
}

// Annotate runs every model over the given images. A failing model is
// recorded in the ledger for that image and does not affect sibling models.
func (s *AnnotationService) Annotate(ctx context.Context, imageIDs []uint, specs []ModelSpec, creds Credentials) (AnnotationSummary, error) {
	var summary AnnotationSummary
	if len(imageIDs) == 0 || len(specs) == 0 {
		return summary, nil
	}

	modelIDs := make(map[string]uint, len(specs))
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, ok := modelIDs[spec.Name]; ok {
			continue
		}
		id, err := s.store.EnsureModel(ctx, spec.Name, spec.Kind, spec.Provider)
		if err != nil {
			return summary, fmt.Errorf("failed to register model %s: %w", spec.Name, err)
		}
		modelIDs[spec.Name] = id
		names = append(names, spec.Name)
	}

	assets, err := s.store.GetMetadataBatch(ctx, imageIDs)
	if err != nil {
		return summary, err
	}

	images := make([]ProviderImage, 0, len(assets))
	for _, asset := range assets {
		path, err := s.imagePath(ctx, asset)
		if err != nil {
			s.logger.Warn("skipping image without a usable file", "image_id", asset.ID, "error", err)
			for _, name := range names {
				s.recordFailure(ctx, name, asset.OriginalPath, err)
				summary.Failed++
			}
			continue
		}
		images = append(images, ProviderImage{
			Identity: asset.Fingerprint,
			ImageID:  asset.ID,
			Path:     filepath.ToSlash(path),
			Source:   filepath.ToSlash(asset.OriginalPath),
		})
	}
	summary.Images = len(images)
	if len(images) == 0 {
		return summary, nil
	}

	results, err := s.provider.Annotate(ctx, images, names, creds)
	if err != nil {
		for _, name := range names {
			s.recordFailure(ctx, name, "", err)
			s.metrics.RecordAnnotation(name, false)
		}
		return summary, fmt.Errorf("annotation provider failed: %w", err)
	}

	for _, img := range images {
		perModel := results[img.Identity]
		for _, name := range names {
			result, ok := perModel[name]
			if !ok {
				result.Err = ErrNoResult
			}
			if result.Err != nil {
				s.recordFailure(ctx, name, img.Path, result.Err)
				s.metrics.RecordAnnotation(name, false)
				summary.Failed++
				continue
			}

			res, err := s.store.UpsertAnnotations(ctx, img.ImageID, modelIDs[name], toAnnotationSet(result))
			if err != nil {
				s.recordFailure(ctx, name, img.Path, err)
				s.metrics.RecordAnnotation(name, false)
				summary.Failed++
				continue
			}
			summary.Annotations.Add(res)
			summary.Succeeded++
			s.metrics.RecordAnnotation(name, true)
		}
	}

	s.logger.Info("annotation run finished",
		"images", summary.Images, "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}
