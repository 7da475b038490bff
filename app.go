package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/config"
	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/logging"
	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/repository"
	"github.com/camden-git/datasetcurator/services"
	"github.com/camden-git/datasetcurator/workers"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error

	db        *gorm.DB
	registry  *prometheus.Registry
	metrics   *metrics.BatchMetrics
	storage   *media.LocalStorage
	repos     *repository.Repositories
	store     *services.AnnotationStore
	ledger    *database.ErrorLedger
	index     *services.ContentIndex
	batches   *workers.BatchProcessor
	exporter  *services.Exporter
	providers *services.ProviderRegistry
}

func resolutions(values []int) []models.Resolution {
	out := make([]models.Resolution, 0, len(values))
	for _, v := range values {
		out = append(out, models.Resolution(v))
	}
	return out
}

func preferredSizes(sizes []config.Size) []media.Size {
	out := make([]media.Size, 0, len(sizes))
	for _, s := range sizes {
		out = append(out, media.Size{Width: s.Width, Height: s.Height})
	}
	return out
}

func newApp(cfg config.Config, importSidecars bool) (*app, error) {
	logger, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}

	for _, p := range []string{cfg.DerivedPath, cfg.ExportsPath, filepath.Dir(cfg.DatabasePath)} {
		logger.Debug("ensuring storage directory exists", "path", p)
		if err := os.MkdirAll(p, 0o755); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create storage directory %s: %w", p, err)
		}
	}

	if a.db, err = database.Open(cfg.DatabasePath, logging.Component(logger, "database")); err != nil {
		a.Close()
		return nil, err
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = metrics.NewBatchMetrics(a.registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a.storage, err = media.NewLocalStorage(cfg.MediaStoragePath, map[media.AssetType]string{
		media.AssetTypeDerived: filepath.Base(cfg.DerivedPath),
		media.AssetTypeExport:  filepath.Base(cfg.ExportsPath),
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}

	upscaler, err := media.NewUpscaler(cfg.Upscaler)
	if err != nil {
		a.Close()
		return nil, err
	}
	fingerprinter, err := media.NewFingerprinter(cfg.FingerprintAlgorithm)
	if err != nil {
		a.Close()
		return nil, err
	}
	normalizer := media.NewNormalizer(media.NormalizerOptions{
		Preferred:       preferredSizes(cfg.PreferredResolutions),
		AspectTolerance: cfg.AspectTolerance,
		SizeTolerance:   cfg.SizeTolerance,
		Upscaler:        upscaler,
	})

	a.repos = repository.NewRepositories(a.db, cfg.BatchChunkSize)
	a.ledger = database.NewErrorLedger(sqlDB)
	a.index = services.NewContentIndex(fingerprinter, a.repos.Images)
	a.store = services.NewAnnotationStore(a.db, a.repos, normalizer, media.NewProcessor(a.storage, logger), a.metrics, logger)
	a.batches = workers.NewBatchProcessor(a.index, a.store, a.ledger, a.metrics, workers.BatchOptions{
		Resolutions:    resolutions(cfg.TargetResolutions),
		ImportSidecars: importSidecars,
		MessageBuffer:  cfg.MessageBufferSize,
	}, logger)
	a.exporter = services.NewExporter(a.store, a.ledger, a.metrics, logger)
	a.providers = services.NewProviderRegistry()
	if err := a.providers.Register(services.SidecarProviderName, services.SidecarProvider{}); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("curator initialized",
		"database", cfg.DatabasePath,
		"media", cfg.MediaStoragePath,
		"fingerprint", fingerprinter.Name(),
		"upscaler", normalizer.UpscalerName(),
		"targets", cfg.TargetResolutions,
	)
	return a, nil
}

// annotationService binds the named provider to the store. A non-zero
// resolution hands providers that derived variant instead of the original.
func (a *app) annotationService(provider string, resolution models.Resolution) (*services.AnnotationService, error) {
	p, err := a.providers.Get(provider)
	if err != nil {
		return nil, fmt.Errorf("%w (available: %v)", err, a.providers.Names())
	}
	return services.NewAnnotationService(a.store, p, a.ledger, a.metrics, resolution, a.logger), nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}
