package services

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/logging"
	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/repository"
)

type testEnv struct {
	db       *gorm.DB
	repos    *repository.Repositories
	store    *AnnotationStore
	ledger   *database.ErrorLedger
	index    *ContentIndex
	metrics  *metrics.BatchMetrics
	registry *prometheus.Registry
	storage  *media.LocalStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := logging.Discard()

	db, err := database.Open(filepath.Join(dir, "curator.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	sqlDB, err := db.DB()
	require.NoError(t, err)

	storage, err := media.NewLocalStorage(filepath.Join(dir, "media"), map[media.AssetType]string{
		media.AssetTypeDerived: "derived",
		media.AssetTypeExport:  "exports",
	}, logger)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewBatchMetrics(registry)
	require.NoError(t, err)
	repos := repository.NewRepositories(db, 2)
	normalizer := media.NewNormalizer(media.NormalizerOptions{AspectTolerance: 0.05, SizeTolerance: 0.05})

	return &testEnv{
		db:       db,
		repos:    repos,
		store:    NewAnnotationStore(db, repos, normalizer, media.NewProcessor(storage, logger), m, logger),
		ledger:   database.NewErrorLedger(sqlDB),
		index:    NewContentIndex(media.PixelFingerprinter{}, repos.Images),
		metrics:  m,
		registry: registry,
		storage:  storage,
	}
}

func patternImage(w, h, seed int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*7 + y*seed + seed*31) % 256)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: uint8((y * 3) % 256), B: uint8(seed), A: 255})
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
