package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/utils"
)

// ManifestFilename is written at the root of an export directory.
const ManifestFilename = "manifest.json"

// ManifestEntry is the per-file manifest value. Tags holds the same comma
// separated line as the .txt sidecar.
type ManifestEntry struct {
	Tags    string `json:"tags"`
	Caption string `json:"caption"`
}

type ExportOptions struct {
	OutputDir  string
	Resolution models.Resolution
	// ImageIDs limits the export; empty exports every registered image.
	ImageIDs []uint
	// ModelNames limits which models' annotations are written; empty means all.
	ModelNames    []string
	WriteManifest bool
	Archive       bool
	// ArchiveDir receives the zip; defaults to the parent of OutputDir.
	ArchiveDir string
}

type ExportResult struct {
	Exported     int    `json:"exported"`
	Failed       int    `json:"failed"`
	OutputDir    string `json:"output_dir"`
	ManifestPath string `json:"manifest_path,omitempty"`
	ArchivePath  string `json:"archive_path,omitempty"`
	ArchiveSize  int64  `json:"archive_size,omitempty"`
}

// Exporter writes derived images with their tag and caption sidecars.
type Exporter struct {
	store   *AnnotationStore
	ledger  *database.ErrorLedger
	metrics *metrics.BatchMetrics
	logger  *slog.Logger
}

func NewExporter(store *AnnotationStore, ledger *database.ErrorLedger, m *metrics.BatchMetrics, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, ledger: ledger, metrics: m, logger: logger.With("component", "exporter")}
}

func (e *Exporter) allImageIDs(ctx context.Context) ([]uint, error) {
	var all []uint
	var after uint
	for {
		page, err := e.store.repos.Images.ListIDs(ctx, after, 0)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
		after = page[len(page)-1]
	}
}

func (e *Exporter) modelFilter(ctx context.Context, names []string) (map[uint]struct{}, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ids, err := e.store.GetModelsByNameBatch(ctx, names)
	if err != nil {
		return nil, err
	}
	filter := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		filter[id] = struct{}{}
	}
	return filter, nil
}

func included(filter map[uint]struct{}, modelID uint) bool {
	if filter == nil {
		return true
	}
	_, ok := filter[modelID]
	return ok
}

// collect returns the distinct normalized tags and the newest caption of an image.
func (e *Exporter) collect(ctx context.Context, imageID uint, filter map[uint]struct{}) ([]string, string, error) {
	tags, err := e.store.repos.Annotations.ListTags(ctx, imageID)
	if err != nil {
		return nil, "", err
	}
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		if !included(filter, t.ModelID) {
			continue
		}
		if _, ok := seen[t.Tag]; ok {
			continue
		}
		seen[t.Tag] = struct{}{}
		out = append(out, t.Tag)
	}

	captions, err := e.store.repos.Annotations.ListCaptions(ctx, imageID)
	if err != nil {
		return nil, "", err
	}
	caption := ""
	for _, c := range captions {
		if included(filter, c.ModelID) {
			caption = c.Caption
		}
	}
	return out, caption, nil
}

func (e *Exporter) exportOne(ctx context.Context, asset models.ImageAsset, opts ExportOptions, filter map[uint]struct{}) (string, ManifestEntry, error) {
	derived, err := e.store.GetOrCreateDerivedImage(ctx, asset.ID, opts.Resolution)
	if err != nil {
		return "", ManifestEntry{}, err
	}
	src, err := e.store.processor.Store().GetFullPath(derived.StoredPath)
	if err != nil {
		return "", ManifestEntry{}, err
	}
	name := asset.Fingerprint + filepath.Ext(derived.StoredPath)
	dst := filepath.Join(opts.OutputDir, name)
	if err := utils.CopyFile(src, dst); err != nil {
		return "", ManifestEntry{}, err
	}

	tags, caption, err := e.collect(ctx, asset.ID, filter)
	if err != nil {
		return "", ManifestEntry{}, err
	}
	if err := utils.WriteSidecars(dst, tags, caption); err != nil {
		return "", ManifestEntry{}, err
	}
	return name, ManifestEntry{Tags: utils.JoinTagList(tags), Caption: caption}, nil
}

// Export writes the selected images. Per-image failures are recorded in the
// ledger and counted; the export continues.
func (e *Exporter) Export(ctx context.Context, opts ExportOptions) (ExportResult, error) {
	if opts.OutputDir == "" {
		return ExportResult{}, fmt.Errorf("export output directory is required")
	}
	if !opts.Resolution.Valid() {
		return ExportResult{}, fmt.Errorf("invalid export resolution %d", int(opts.Resolution))
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("failed to create export directory %s: %w", opts.OutputDir, err)
	}

	ids := opts.ImageIDs
	if len(ids) == 0 {
		var err error
		if ids, err = e.allImageIDs(ctx); err != nil {
			return ExportResult{}, err
		}
	}
	filter, err := e.modelFilter(ctx, opts.ModelNames)
	if err != nil {
		return ExportResult{}, err
	}
	assets, err := e.store.GetMetadataBatch(ctx, ids)
	if err != nil {
		return ExportResult{}, err
	}

	result := ExportResult{OutputDir: opts.OutputDir}
	manifest := make(map[string]ManifestEntry, len(assets))
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		name, entry, err := e.exportOne(ctx, asset, opts, filter)
		if err != nil {
			result.Failed++
			e.logger.Warn("failed to export image", "image_id", asset.ID, "error", err)
			if _, lerr := e.ledger.Record(ctx, models.OperationExport, models.ErrorKindExportFailure, err.Error(),
				database.WithFilePath(asset.OriginalPath)); lerr != nil {
				e.logger.Error("failed to record export failure", "error", lerr)
			} else {
				e.metrics.RecordLedger(string(models.OperationExport), string(models.ErrorKindExportFailure))
			}
			continue
		}
		manifest[name] = entry
		result.Exported++
	}

	if opts.WriteManifest {
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return result, fmt.Errorf("failed to encode manifest: %w", err)
		}
		result.ManifestPath = filepath.Join(opts.OutputDir, ManifestFilename)
		if err := os.WriteFile(result.ManifestPath, data, 0o644); err != nil {
			return result, fmt.Errorf("failed to write manifest: %w", err)
		}
	}

	if opts.Archive {
		archiveDir := opts.ArchiveDir
		if archiveDir == "" {
			archiveDir = filepath.Dir(filepath.Clean(opts.OutputDir))
		}
		path, size, err := utils.CreateArchive(opts.OutputDir, archiveDir)
		if err != nil {
			return result, err
		}
		result.ArchivePath, result.ArchiveSize = path, size
	}

	e.logger.Info("export finished", "dir", opts.OutputDir, "exported", result.Exported, "failed", result.Failed)
	return result, nil
}

// ReadManifest loads a manifest written by Export.
func ReadManifest(path string) (map[string]ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var manifest map[string]ManifestEntry
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	return manifest, nil
}
