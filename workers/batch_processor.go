package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/repository"
	"github.com/camden-git/datasetcurator/services"
	"github.com/camden-git/datasetcurator/utils"
)

// State is a batch run or item state.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateChecking    State = "checking"
	StateRegistering State = "registering"
	StateAnnotated   State = "annotated"
	StateCompleted   State = "completed"
	StateCanceled    State = "canceled"
	StateScanFailed  State = "scan_failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateScanFailed
}

var (
	// ErrBatchRunning is returned when a run for the same directory is active.
	ErrBatchRunning = errors.New("a batch is already running for this directory")
	// ErrScanFailed means the directory could not be enumerated.
	ErrScanFailed = errors.New("directory scan failed")
)

// BatchSummary holds the counts of one run. Outside ScanFailed,
// Processed + Skipped + Errors == Considered.
type BatchSummary struct {
	Processed  int   `json:"processed"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	Total      int   `json:"total"`
	Considered int   `json:"considered"`
	State      State `json:"state"`
}

func (s *BatchSummary) add(o outcome) {
	s.Considered++
	switch o {
	case outcomeProcessed:
		s.Processed++
	case outcomeSkipped:
		s.Skipped++
	default:
		s.Errors++
	}
}

// Callbacks are optional observers of a run. IsCanceled is polled before
// every item.
type Callbacks struct {
	Progress     func(percent int)
	ItemProgress func(index, total int, filename string)
	Status       func(state State, message string)
	IsCanceled   func() bool
}

func (c Callbacks) progress(percent int) {
	if c.Progress != nil {
		c.Progress(percent)
	}
}

func (c Callbacks) item(index, total int, filename string) {
	if c.ItemProgress != nil {
		c.ItemProgress(index, total, filename)
	}
}

func (c Callbacks) status(state State, message string) {
	if c.Status != nil {
		c.Status(state, message)
	}
}

func (c Callbacks) canceled() bool {
	return c.IsCanceled != nil && c.IsCanceled()
}

type outcome string

const (
	outcomeProcessed outcome = metrics.OutcomeProcessed
	outcomeSkipped   outcome = metrics.OutcomeSkipped
	outcomeError     outcome = metrics.OutcomeError
)

// itemError carries the ledger classification of a per-item failure.
type itemError struct {
	kind  models.ErrorKind
	err   error
	stack string
}

func (e *itemError) Error() string { return e.err.Error() }
func (e *itemError) Unwrap() error { return e.err }

func classifyIngest(err error) models.ErrorKind {
	switch {
	case errors.Is(err, media.ErrInvalidInput), errors.Is(err, media.ErrComputation), errors.Is(err, media.ErrUpscale):
		return models.ErrorKindNormalizationFailure
	case errors.Is(err, media.ErrUnreadableSource):
		return models.ErrorKindUnreadableSource
	default:
		return models.ErrorKindStoreFailure
	}
}

type BatchOptions struct {
	Resolutions    []models.Resolution
	ImportSidecars bool
	MessageBuffer  int

	// RunRetention is how long a finished background run stays visible to Lookup.
	RunRetention time.Duration
}

const defaultRunRetention = time.Hour

// BatchProcessor ingests directories: each file is fingerprinted, checked
// against the content index and, when new, registered together with its
// derived images in one transaction. Failures go to the error ledger and
// never stop the run.
type BatchProcessor struct {
	index   *services.ContentIndex
	store   *services.AnnotationStore
	ledger  *database.ErrorLedger
	metrics *metrics.BatchMetrics
	logger  *slog.Logger
	opts    BatchOptions

	mu      sync.Mutex
	running map[string]*BatchRun // directory -> active run
	runs    *cache.Cache         // run id -> run; finished runs expire after RunRetention
}

func NewBatchProcessor(index *services.ContentIndex, store *services.AnnotationStore, ledger *database.ErrorLedger, m *metrics.BatchMetrics, opts BatchOptions, logger *slog.Logger) *BatchProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MessageBuffer <= 0 {
		opts.MessageBuffer = 256
	}
	if opts.RunRetention <= 0 {
		opts.RunRetention = defaultRunRetention
	}
	return &BatchProcessor{
		index:   index,
		store:   store,
		ledger:  ledger,
		metrics: m,
		logger:  logger.With("component", "batch_processor"),
		opts:    opts,
		running: make(map[string]*BatchRun),
		runs:    cache.New(cache.NoExpiration, 0), // no janitor; expired runs are swept on Start
	}
}

// ProcessDirectory runs a batch synchronously. A nil scanner means a
// non-recursive DirectoryScanner.
func (bp *BatchProcessor) ProcessDirectory(ctx context.Context, dir string, scanner media.Scanner, cb Callbacks) (BatchSummary, error) {
	key, err := bp.acquire(dir, nil)
	if err != nil {
		return BatchSummary{State: StateIdle}, err
	}
	defer bp.release(key)
	return bp.Run(ctx, dir, scanner, cb)
}

// Run executes one batch over dir without the same-directory guard.
func (bp *BatchProcessor) Run(ctx context.Context, dir string, scanner media.Scanner, cb Callbacks) (BatchSummary, error) {
	if scanner == nil {
		scanner = media.DirectoryScanner{}
	}
	summary := BatchSummary{State: StateScanning}
	bp.metrics.RunStarted()
	defer func() { bp.metrics.RunFinished(string(summary.State)) }()

	cb.status(StateScanning, dir)
	files, err := scanner.Scan(ctx, dir)
	if err != nil {
		summary.State = StateScanFailed
		bp.logger.Error("directory scan failed", "dir", dir, "error", err)
		cb.status(StateScanFailed, err.Error())
		return summary, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}
	summary.Total = len(files)
	bp.logger.Info("batch started", "dir", dir, "files", summary.Total)
	cb.progress(0)

	// items run to completion once started; ctx and the cancel flag are only
	// consulted between items
	itemCtx := context.WithoutCancel(ctx)
	for i, path := range files {
		if cb.canceled() || ctx.Err() != nil {
			summary.State = StateCanceled
			bp.logger.Info("batch canceled", "dir", dir, "considered", summary.Considered, "total", summary.Total)
			cb.status(StateCanceled, fmt.Sprintf("canceled after %d of %d items", summary.Considered, summary.Total))
			return summary, nil
		}
		cb.item(i+1, summary.Total, filepath.Base(path))

		started := time.Now()
		out, err := bp.processItem(itemCtx, path, cb)
		if err != nil {
			bp.recordItemFailure(itemCtx, models.OperationIngestion, path, err)
		}
		bp.metrics.RecordItem(string(out), time.Since(started).Seconds())
		summary.add(out)

		// 100 is reserved for natural completion
		cb.progress(min(99, (i+1)*100/summary.Total))
	}

	summary.State = StateCompleted
	cb.progress(100)
	cb.status(StateCompleted, fmt.Sprintf("processed %d, skipped %d, errors %d", summary.Processed, summary.Skipped, summary.Errors))
	bp.logger.Info("batch completed", "dir", dir,
		"processed", summary.Processed, "skipped", summary.Skipped, "errors", summary.Errors, "total", summary.Total)
	return summary, nil
}

// processItem handles one file. A panic inside the pipeline is converted to
// an unknown-kind failure so the batch can continue.
func (bp *BatchProcessor) processItem(ctx context.Context, path string, cb Callbacks) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = outcomeError
			err = &itemError{kind: models.ErrorKindUnknown, err: fmt.Errorf("panic: %v", r), stack: string(debug.Stack())}
		}
	}()

	cb.status(StateChecking, path)
	img, info, err := media.DecodeFile(path)
	if err != nil {
		return outcomeError, &itemError{kind: models.ErrorKindUnreadableSource, err: err}
	}
	fp, err := bp.index.Fingerprint(img)
	if err != nil {
		return outcomeError, &itemError{kind: models.ErrorKindFingerprintFailure, err: err}
	}
	if id, found, err := bp.index.FindByFingerprint(ctx, fp); err != nil {
		return outcomeError, &itemError{kind: models.ErrorKindStoreFailure, err: err}
	} else if found {
		bp.logger.Debug("duplicate content skipped", "path", path, "image_id", id)
		return outcomeSkipped, nil
	}

	cb.status(StateRegistering, path)
	meta := services.MetadataFromInfo(path, info)
	meta.TakenAt = utils.ReadTakenAt(path)

	req := services.IngestRequest{
		Fingerprint: fp,
		Metadata:    meta,
		Image:       img,
		Resolutions: bp.opts.Resolutions,
	}
	if bp.opts.ImportSidecars {
		sc, err := utils.ReadSidecars(path)
		if err != nil {
			return outcomeError, &itemError{kind: models.ErrorKindUnreadableSource, err: err}
		}
		req.Sidecar = &sc
	}

	result, err := bp.store.Ingest(ctx, req)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// lost a registration race; the winner's row is the image
			if id, found, lerr := bp.index.FindByFingerprint(ctx, fp); lerr == nil && found {
				bp.logger.Debug("registration race resolved", "path", path, "image_id", id)
				return outcomeSkipped, nil
			}
		}
		return outcomeError, &itemError{kind: classifyIngest(err), err: err}
	}

	cb.status(StateAnnotated, path)
	bp.logger.Debug("image registered", "path", path, "image_id", result.ImageID, "derived", len(result.Derived))
	return outcomeProcessed, nil
}

func (bp *BatchProcessor) recordItemFailure(ctx context.Context, op models.OperationKind, path string, err error) {
	kind := models.ErrorKindUnknown
	opts := []database.RecordOption{database.WithFilePath(path)}
	var ie *itemError
	if errors.As(err, &ie) {
		kind = ie.kind
		if ie.stack != "" {
			opts = append(opts, database.WithStackTrace(ie.stack))
		}
	}
	bp.logger.Warn("item failed", "path", path, "kind", kind, "error", err)

	if _, lerr := bp.ledger.Record(ctx, op, kind, err.Error(), opts...); lerr != nil {
		bp.logger.Error("failed to record item failure", "path", path, "error", lerr)
		return
	}
	bp.metrics.RecordLedger(string(op), string(kind))
}

// RetryFailed re-processes the files behind unresolved ingestion and
// processing records. Each attempt increments the record's retry count;
// records stay unresolved until resolved explicitly.
func (bp *BatchProcessor) RetryFailed(ctx context.Context) (BatchSummary, error) {
	const page = 200
	unresolved := false
	var pending []models.ErrorRecord
	for offset := 0; ; offset += page {
		records, err := bp.ledger.List(ctx, database.ListFilter{
			Operations: []models.OperationKind{models.OperationIngestion, models.OperationProcessing},
			Resolved:   &unresolved,
			Limit:      page,
			Offset:     offset,
			Sort:       database.SortCreatedAsc,
		})
		if err != nil {
			return BatchSummary{}, err
		}
		pending = append(pending, records...)
		if len(records) < page {
			break
		}
	}

	summary := BatchSummary{State: StateCompleted}
	seen := make(map[string]struct{}, len(pending))
	for _, rec := range pending {
		if rec.FilePath == nil || *rec.FilePath == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			summary.State = StateCanceled
			return summary, nil
		}
		if err := bp.ledger.IncrementRetry(ctx, rec.ID); err != nil {
			return summary, err
		}
		path := *rec.FilePath
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		summary.Total++

		out, err := bp.processItem(context.WithoutCancel(ctx), path, Callbacks{})
		if err != nil {
			bp.logger.Warn("retry failed", "path", path, "record_id", rec.ID, "error", err)
		}
		summary.add(out)
	}
	bp.logger.Info("retry finished", "considered", summary.Considered, "processed", summary.Processed, "errors", summary.Errors)
	return summary, nil
}

func runKey(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

func (bp *BatchProcessor) acquire(dir string, run *BatchRun) (string, error) {
	key := runKey(dir)
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, busy := bp.running[key]; busy {
		return "", fmt.Errorf("%w: %s", ErrBatchRunning, dir)
	}
	if run == nil {
		run = &BatchRun{}
	}
	bp.running[key] = run
	return key, nil
}

func (bp *BatchProcessor) release(key string) {
	bp.mu.Lock()
	delete(bp.running, key)
	bp.mu.Unlock()
}

// Lookup returns a run started with Start by id. Finished runs are found
// until their retention expires.
func (bp *BatchProcessor) Lookup(id string) (*BatchRun, bool) {
	v, ok := bp.runs.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*BatchRun), true
}
