package workers

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/logging"
	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/repository"
	"github.com/camden-git/datasetcurator/services"
)

type harness struct {
	processor *BatchProcessor
	repos     *repository.Repositories
	ledger    *database.ErrorLedger
	registry  *prometheus.Registry
}

func newHarness(t *testing.T, opts BatchOptions) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := logging.Discard()

	db, err := database.Open(filepath.Join(dir, "batch.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	sqlDB, err := db.DB()
	require.NoError(t, err)

	storage, err := media.NewLocalStorage(filepath.Join(dir, "media"), map[media.AssetType]string{
		media.AssetTypeDerived: "derived",
	}, logger)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewBatchMetrics(registry)
	require.NoError(t, err)

	repos := repository.NewRepositories(db, 3)
	normalizer := media.NewNormalizer(media.NormalizerOptions{AspectTolerance: 0.05, SizeTolerance: 0.05})
	store := services.NewAnnotationStore(db, repos, normalizer, media.NewProcessor(storage, logger), m, logger)
	index := services.NewContentIndex(media.PixelFingerprinter{}, repos.Images)
	ledger := database.NewErrorLedger(sqlDB)

	if opts.Resolutions == nil {
		opts.Resolutions = []models.Resolution{models.Resolution512}
	}
	return &harness{
		processor: NewBatchProcessor(index, store, ledger, m, opts, logger),
		repos:     repos,
		ledger:    ledger,
		registry:  registry,
	}
}

func patternImage(w, h, seed int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*5 + y*seed + seed*17) % 256)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: uint8(x % 256), B: uint8(seed), A: 255})
		}
	}
	return img
}

func writeImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func writeCorrupt(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("definitely not a jpeg"), 0o644))
	return path
}

// blockingScanner waits for release before delegating to DirectoryScanner.
type blockingScanner struct {
	release chan struct{}
}

func (s blockingScanner) Scan(ctx context.Context, dir string) ([]string, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return media.DirectoryScanner{}.Scan(ctx, dir)
}

func writeText(path, text string) error {
	return os.WriteFile(path, []byte(text), 0o644)
}
