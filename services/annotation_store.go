package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/repository"
	"github.com/camden-git/datasetcurator/utils"
)

// ImageMetadata is what registration records about an original file.
type ImageMetadata struct {
	OriginalPath string
	Width        int
	Height       int
	ColorFormat  string
	HasAlpha     bool
	Extension    string
	TakenAt      *int64
}

// MetadataFromInfo builds registration metadata from a decoded image.
func MetadataFromInfo(path string, info media.ImageInfo) ImageMetadata {
	return ImageMetadata{
		OriginalPath: path,
		Width:        info.Width,
		Height:       info.Height,
		ColorFormat:  info.ColorFormat,
		HasAlpha:     info.HasAlpha,
		Extension:    info.Extension,
	}
}

// AnnotationSet groups every kind of annotation one model produced for one image.
type AnnotationSet struct {
	Tags     []repository.TagValue
	Captions []repository.CaptionValue
	Scores   []repository.ScoreValue
	Ratings  []repository.RatingValue
}

func (a AnnotationSet) Empty() bool {
	return len(a.Tags) == 0 && len(a.Captions) == 0 && len(a.Scores) == 0 && len(a.Ratings) == 0
}

// IngestRequest is one registration: the image row, its derived variants and
// any imported annotations, committed together.
type IngestRequest struct {
	Fingerprint media.Fingerprint
	Metadata    ImageMetadata
	Image       image.Image
	Resolutions []models.Resolution
	Sidecar     *utils.Sidecar
}

type IngestResult struct {
	ImageID     uint
	Derived     []models.DerivedImage
	Annotations repository.UpsertResult
}

// ImageDetail is an image with everything attached to it.
type ImageDetail struct {
	Image    models.ImageAsset     `json:"image"`
	Derived  []models.DerivedImage `json:"derived"`
	Tags     []models.Tag          `json:"tags"`
	Captions []models.Caption      `json:"captions"`
	Scores   []models.Score        `json:"scores"`
	Ratings  []models.Rating       `json:"ratings"`
}

// AnnotationStore is the persistence facade over images, derived images,
// models and annotations. Each write of an image and its immediate rows is
// one transaction.
type AnnotationStore struct {
	db         *gorm.DB
	repos      *repository.Repositories
	normalizer *media.Normalizer
	processor  *media.Processor
	metrics    *metrics.BatchMetrics
	logger     *slog.Logger
}

// NewAnnotationStore creates a new annotation store. m may be nil.
func NewAnnotationStore(db *gorm.DB, repos *repository.Repositories, normalizer *media.Normalizer, processor *media.Processor, m *metrics.BatchMetrics, logger *slog.Logger) *AnnotationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnnotationStore{
		db:         db,
		repos:      repos,
		normalizer: normalizer,
		processor:  processor,
		metrics:    m,
		logger:     logger.With("component", "annotation_store"),
	}
}

// Repositories exposes the underlying repositories
func (s *AnnotationStore) Repositories() *repository.Repositories {
	return s.repos
}

func newImageAsset(fp media.Fingerprint, meta ImageMetadata) *models.ImageAsset {
	ext := meta.Extension
	if ext == "" {
		ext = filepath.Ext(meta.OriginalPath)
	}
	return &models.ImageAsset{
		Fingerprint:  fp.String(),
		OriginalPath: meta.OriginalPath,
		Width:        meta.Width,
		Height:       meta.Height,
		ColorFormat:  meta.ColorFormat,
		HasAlpha:     meta.HasAlpha,
		Extension:    ext,
		TakenAt:      meta.TakenAt,
	}
}

// RegisterImage inserts the image row alone. An existing fingerprint yields
// repository.ErrDuplicate.
func (s *AnnotationStore) RegisterImage(ctx context.Context, fp media.Fingerprint, meta ImageMetadata) (uint, error) {
	asset := newImageAsset(fp, meta)
	if err := s.repos.Images.Create(ctx, asset); err != nil {
		return 0, err
	}
	return asset.ID, nil
}

// derivation is a normalized image already written to the asset store.
type derivation struct {
	row     models.DerivedImage
	storeAt string
}

func (s *AnnotationStore) derive(ctx context.Context, img image.Image, hasAlpha bool, resolution models.Resolution) (derivation, error) {
	out, meta, err := s.normalizer.Normalize(ctx, img, int(resolution))
	if err != nil {
		return derivation{}, err
	}
	asset, err := s.processor.SaveDerived(out, hasAlpha, resolution.Tag())
	if err != nil {
		return derivation{}, err
	}
	return derivation{
		row: models.DerivedImage{
			Resolution:   resolution.Tag(),
			StoredPath:   asset.RelativePath,
			Width:        meta.TargetWidth,
			Height:       meta.TargetHeight,
			ColorFormat:  asset.ColorFormat,
			UpscalerUsed: meta.UpscalerUsed,
		},
		storeAt: asset.RelativePath,
	}, nil
}

func (s *AnnotationStore) discard(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := s.processor.Store().Delete(p); err != nil {
			s.logger.Warn("failed to remove orphaned derived image", "path", p, "error", err)
		}
	}
}

// Ingest registers an image together with its derived variants and sidecar
// annotations. Normalization runs before the transaction opens; if anything
// fails, written derived files are removed and no row is left behind.
func (s *AnnotationStore) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	var importModelID uint
	if req.Sidecar != nil && (len(req.Sidecar.Tags) > 0 || req.Sidecar.Caption != "") {
		id, err := s.EnsureModel(ctx, models.SidecarImportModel, models.ModelKindImport, "sidecar")
		if err != nil {
			return IngestResult{}, err
		}
		importModelID = id
	}

	derivations := make([]derivation, 0, len(req.Resolutions))
	var written []string
	for _, res := range distinctResolutions(req.Resolutions) {
		d, err := s.derive(ctx, req.Image, req.Metadata.HasAlpha, res)
		if err != nil {
			s.discard(written...)
			return IngestResult{}, fmt.Errorf("failed to derive %s: %w", res.Tag(), err)
		}
		written = append(written, d.storeAt)
		derivations = append(derivations, d)
	}

	var result IngestResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := s.repos.WithTx(tx)

		asset := newImageAsset(req.Fingerprint, req.Metadata)
		if err := repos.Images.Create(ctx, asset); err != nil {
			return err
		}
		result.ImageID = asset.ID

		for _, d := range derivations {
			row := d.row
			row.ImageID = asset.ID
			if err := repos.Derived.Create(ctx, &row); err != nil {
				return err
			}
			result.Derived = append(result.Derived, row)
		}

		if importModelID != 0 {
			set := sidecarAnnotations(req.Sidecar)
			res, err := upsertSet(ctx, repos.Annotations, asset.ID, importModelID, set)
			if err != nil {
				return err
			}
			result.Annotations = res
		}
		return nil
	})
	if err != nil {
		s.discard(written...)
		return IngestResult{}, err
	}

	for _, d := range result.Derived {
		s.metrics.RecordDerived(d.Resolution, d.WasUpscaled())
	}
	return result, nil
}

func distinctResolutions(in []models.Resolution) []models.Resolution {
	seen := make(map[models.Resolution]struct{}, len(in))
	out := make([]models.Resolution, 0, len(in))
	for _, r := range in {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func sidecarAnnotations(sc *utils.Sidecar) AnnotationSet {
	var set AnnotationSet
	for _, tag := range sc.Tags {
		set.Tags = append(set.Tags, repository.TagValue{Tag: tag, IsExisting: true})
	}
	if sc.Caption != "" {
		set.Captions = append(set.Captions, repository.CaptionValue{Caption: sc.Caption, IsExisting: true})
	}
	return set
}

func upsertSet(ctx context.Context, annotations *repository.AnnotationRepository, imageID, modelID uint, set AnnotationSet) (repository.UpsertResult, error) {
	var total repository.UpsertResult
	if len(set.Tags) > 0 {
		res, err := annotations.UpsertTags(ctx, imageID, modelID, set.Tags)
		if err != nil {
			return total, err
		}
		total.Add(res)
	}
	if len(set.Captions) > 0 {
		res, err := annotations.UpsertCaptions(ctx, imageID, modelID, set.Captions)
		if err != nil {
			return total, err
		}
		total.Add(res)
	}
	if len(set.Scores) > 0 {
		res, err := annotations.AppendScores(ctx, imageID, modelID, set.Scores)
		if err != nil {
			return total, err
		}
		total.Add(res)
	}
	if len(set.Ratings) > 0 {
		res, err := annotations.AppendRatings(ctx, imageID, modelID, set.Ratings)
		if err != nil {
			return total, err
		}
		total.Add(res)
	}
	return total, nil
}

func (s *AnnotationStore) loadSource(ctx context.Context, imageID uint) (*models.ImageAsset, image.Image, error) {
	asset, err := s.repos.Images.GetByID(ctx, imageID)
	if err != nil {
		return nil, nil, err
	}
	img, _, err := media.DecodeFile(filepath.FromSlash(asset.OriginalPath))
	if err != nil {
		return nil, nil, err
	}
	return asset, img, nil
}

// GetOrCreateDerivedImage returns the derived image for the pair, creating it
// from the original file on first use. Concurrent creators converge on one row.
func (s *AnnotationStore) GetOrCreateDerivedImage(ctx context.Context, imageID uint, resolution models.Resolution) (*models.DerivedImage, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("%w: resolution %d", repository.ErrInvalidInput, int(resolution))
	}
	existing, err := s.repos.Derived.Get(ctx, imageID, resolution)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	asset, img, err := s.loadSource(ctx, imageID)
	if err != nil {
		return nil, err
	}
	d, err := s.derive(ctx, img, asset.HasAlpha, resolution)
	if err != nil {
		return nil, err
	}

	row := d.row
	row.ImageID = imageID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repos.Derived.WithTx(tx).Create(ctx, &row)
	})
	if err != nil {
		s.discard(d.storeAt)
		if errors.Is(err, repository.ErrDuplicate) {
			return s.repos.Derived.Get(ctx, imageID, resolution)
		}
		return nil, err
	}

	s.metrics.RecordDerived(row.Resolution, row.WasUpscaled())
	return &row, nil
}

// ReplaceDerivedImage re-derives the pair from the original file. The old row
// is deleted and a new one inserted in one transaction; the old file is
// removed after commit.
func (s *AnnotationStore) ReplaceDerivedImage(ctx context.Context, imageID uint, resolution models.Resolution) (*models.DerivedImage, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("%w: resolution %d", repository.ErrInvalidInput, int(resolution))
	}
	asset, img, err := s.loadSource(ctx, imageID)
	if err != nil {
		return nil, err
	}
	d, err := s.derive(ctx, img, asset.HasAlpha, resolution)
	if err != nil {
		return nil, err
	}

	row := d.row
	row.ImageID = imageID
	var oldPath string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		derived := s.repos.Derived.WithTx(tx)
		old, err := derived.Get(ctx, imageID, resolution)
		switch {
		case err == nil:
			if err := derived.Delete(ctx, old.ID); err != nil {
				return err
			}
			oldPath = old.StoredPath
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		return derived.Create(ctx, &row)
	})
	if err != nil {
		s.discard(d.storeAt)
		return nil, err
	}

	s.discard(oldPath)
	s.metrics.RecordDerived(row.Resolution, row.WasUpscaled())
	return &row, nil
}

// EnsureModel returns the id of the named model, creating it on first use.
func (s *AnnotationStore) EnsureModel(ctx context.Context, name string, kind models.ModelKind, provider string) (uint, error) {
	return s.repos.Models.GetOrCreate(ctx, name, kind, provider)
}

// UpsertAnnotations stores one model's output for one image in a single
// transaction. Manually edited rows are never overwritten.
func (s *AnnotationStore) UpsertAnnotations(ctx context.Context, imageID, modelID uint, set AnnotationSet) (repository.UpsertResult, error) {
	var result repository.UpsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := upsertSet(ctx, s.repos.Annotations.WithTx(tx), imageID, modelID, set)
		result = res
		return err
	})
	if err != nil {
		return repository.UpsertResult{}, err
	}
	return result, nil
}

func (s *AnnotationStore) GetMetadataBatch(ctx context.Context, ids []uint) ([]models.ImageAsset, error) {
	return s.repos.Images.GetMetadataBatch(ctx, ids)
}

func (s *AnnotationStore) FindFingerprintsBatch(ctx context.Context, fps []media.Fingerprint) (map[media.Fingerprint]uint, error) {
	return NewContentIndex(nil, s.repos.Images).FindBatch(ctx, fps)
}

func (s *AnnotationStore) GetModelsByNameBatch(ctx context.Context, names []string) (map[string]uint, error) {
	return s.repos.Models.GetModelsByNameBatch(ctx, names)
}

func (s *AnnotationStore) GetAnnotatedIDsBatch(ctx context.Context, ids []uint) (map[uint]struct{}, error) {
	return s.repos.Annotations.GetAnnotatedIDsBatch(ctx, ids)
}

func (s *AnnotationStore) EditTag(ctx context.Context, tagID uint, text string) error {
	return s.repos.Annotations.EditTag(ctx, tagID, text)
}

func (s *AnnotationStore) EditCaption(ctx context.Context, captionID uint, text string) error {
	return s.repos.Annotations.EditCaption(ctx, captionID, text)
}

func (s *AnnotationStore) EditScore(ctx context.Context, scoreID uint, value float64) error {
	return s.repos.Annotations.EditScore(ctx, scoreID, value)
}

func (s *AnnotationStore) SetManualRating(ctx context.Context, imageID uint, rating *string) error {
	return s.repos.Images.SetManualRating(ctx, imageID, rating)
}

func (s *AnnotationStore) PurgeAnnotations(ctx context.Context, imageID, modelID uint) (int64, error) {
	return s.repos.Annotations.PurgeAnnotations(ctx, imageID, modelID)
}

// GetImageDetail loads an image with its derived variants and annotations.
func (s *AnnotationStore) GetImageDetail(ctx context.Context, imageID uint) (*ImageDetail, error) {
	asset, err := s.repos.Images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	detail := &ImageDetail{Image: *asset}
	if detail.Derived, err = s.repos.Derived.ListByImage(ctx, imageID); err != nil {
		return nil, err
	}
	if detail.Tags, err = s.repos.Annotations.ListTags(ctx, imageID); err != nil {
		return nil, err
	}
	if detail.Captions, err = s.repos.Annotations.ListCaptions(ctx, imageID); err != nil {
		return nil, err
	}
	if detail.Scores, err = s.repos.Annotations.ListScores(ctx, imageID); err != nil {
		return nil, err
	}
	if detail.Ratings, err = s.repos.Annotations.ListRatings(ctx, imageID); err != nil {
		return nil, err
	}
	return detail, nil
}
