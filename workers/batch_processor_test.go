package workers

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine per pool until Close
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func TestProcessDirectoryMixedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, BatchOptions{})
	dir := t.TempDir()
	writeImage(t, dir, "01_small.png", patternImage(100, 100, 1))
	writeImage(t, dir, "02_large.png", patternImage(2000, 2000, 2))
	writeImage(t, dir, "03_portrait.png", patternImage(300, 400, 3))
	writeCorrupt(t, dir, "04_corrupt.jpg")

	var percents []int
	var items []string
	summary, err := h.processor.ProcessDirectory(ctx, dir, nil, Callbacks{
		Progress: func(p int) { percents = append(percents, p) },
		ItemProgress: func(index, total int, filename string) {
			assert.Equal(t, 4, total)
			items = append(items, filename)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, BatchSummary{Processed: 3, Skipped: 0, Errors: 1, Total: 4, Considered: 4, State: StateCompleted}, summary)
	assert.Equal(t, []string{"01_small.png", "02_large.png", "03_portrait.png", "04_corrupt.jpg"}, items)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])
	for _, p := range percents[:len(percents)-1] {
		assert.Less(t, p, 100)
	}

	upscaled := map[string]bool{}
	for _, name := range []string{"01_small.png", "02_large.png", "03_portrait.png"} {
		asset, err := h.repos.Images.GetByPath(ctx, filepath.Join(dir, name))
		require.NoError(t, err)
		d, err := h.repos.Derived.Get(ctx, asset.ID, models.Resolution512)
		require.NoError(t, err)
		upscaled[name] = d.WasUpscaled()
	}
	assert.True(t, upscaled["01_small.png"])
	assert.False(t, upscaled["02_large.png"])
	assert.True(t, upscaled["03_portrait.png"])

	count, err := h.ledger.CountUnresolved(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	records, err := h.ledger.List(ctx, database.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OperationIngestion, records[0].OperationType)
	assert.Equal(t, models.ErrorKindUnreadableSource, records[0].ErrorType)
	require.NotNil(t, records[0].FilePath)
	assert.Equal(t, "04_corrupt.jpg", filepath.Base(*records[0].FilePath))

	expected := `
# HELP curator_batch_items_total Items handled by batch runs, by outcome
# TYPE curator_batch_items_total counter
curator_batch_items_total{outcome="error"} 1
curator_batch_items_total{outcome="processed"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "curator_batch_items_total"))
}

func TestProcessDirectoryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, BatchOptions{})
	dir := t.TempDir()
	writeImage(t, dir, "a.png", patternImage(600, 600, 1))
	writeImage(t, dir, "b.png", patternImage(600, 600, 2))
	writeImage(t, dir, "b_copy.png", patternImage(600, 600, 2))

	first, err := h.processor.ProcessDirectory(ctx, dir, nil, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Processed)
	assert.Equal(t, 1, first.Skipped)

	second, err := h.processor.ProcessDirectory(ctx, dir, nil, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 3, second.Skipped)

	n, err := h.repos.Images.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestProcessDirectoryCancellationKeepsCommittedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, BatchOptions{})
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeImage(t, dir, "img_"+string(rune('a'+i))+".png", patternImage(64, 64, i+1))
	}

	const stopAfter = 2
	started := 0
	summary, err := h.processor.ProcessDirectory(ctx, dir, nil, Callbacks{
		ItemProgress: func(int, int, string) { started++ },
		IsCanceled:   func() bool { return started >= stopAfter },
	})
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, summary.State)
	assert.Equal(t, stopAfter, summary.Processed)
	assert.Equal(t, stopAfter, summary.Considered)
	assert.Equal(t, 5, summary.Total)

	n, err := h.repos.Images.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(stopAfter), n)
}

func TestProcessDirectoryContextCanceledMidItem(t *testing.T) {
	h := newHarness(t, BatchOptions{})
	dir := t.TempDir()
	writeImage(t, dir, "a.png", patternImage(64, 64, 1))
	writeImage(t, dir, "b.png", patternImage(64, 64, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	summary, err := h.processor.ProcessDirectory(ctx, dir, nil, Callbacks{
		// fires after the item has started, before any of its queries run
		ItemProgress: func(index, _ int, _ string) {
			if index == 1 {
				cancel()
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, BatchSummary{Processed: 1, Total: 2, Considered: 1, State: StateCanceled}, summary)

	n, err := h.ledger.CountUnresolved(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n, "an item in flight at cancellation must not be recorded as failed")

	count, err := h.repos.Images.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessDirectoryScanFailure(t *testing.T) {
	h := newHarness(t, BatchOptions{})
	summary, err := h.processor.ProcessDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, Callbacks{})
	require.ErrorIs(t, err, ErrScanFailed)
	assert.Equal(t, StateScanFailed, summary.State)
	assert.Zero(t, summary.Processed)
}

func TestProcessDirectoryImportsSidecars(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, BatchOptions{ImportSidecars: true})
	dir := t.TempDir()
	path := writeImage(t, dir, "a.png", patternImage(512, 512, 9))
	require.NoError(t, writeText(filepath.Join(dir, "a.txt"), "long_hair, smile"))

	summary, err := h.processor.ProcessDirectory(ctx, dir, nil, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	asset, err := h.repos.Images.GetByPath(ctx, path)
	require.NoError(t, err)
	tags, err := h.repos.Annotations.ListTags(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "long hair", tags[0].Tag)
	assert.True(t, tags[0].IsExisting)
}

type failingScanner struct{}

func (failingScanner) Scan(context.Context, string) ([]string, error) {
	return nil, errors.New("permission denied")
}

func TestStartRejectsConcurrentRunForSameDirectory(t *testing.T) {
	h := newHarness(t, BatchOptions{})
	dir := t.TempDir()
	writeImage(t, dir, "a.png", patternImage(64, 64, 1))

	block := make(chan struct{})
	run, err := h.processor.Start(context.Background(), dir, blockingScanner{release: block})
	require.NoError(t, err)

	_, err = h.processor.Start(context.Background(), dir, nil)
	assert.ErrorIs(t, err, ErrBatchRunning)

	close(block)
	summary, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, summary.State)
	assert.Equal(t, 1, summary.Processed)

	var last Message
	for msg := range run.Messages() {
		last = msg
	}
	assert.Equal(t, MessageSummary, last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, 1, last.Summary.Processed)

	found, ok := h.processor.Lookup(run.ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, found.Status().State)

	again, err := h.processor.Start(context.Background(), dir, failingScanner{})
	require.NoError(t, err)
	_, err = again.Wait()
	assert.ErrorIs(t, err, ErrScanFailed)
	assert.Equal(t, StateScanFailed, again.Status().State)
}

func TestSummaryReachesLateConsumer(t *testing.T) {
	h := newHarness(t, BatchOptions{MessageBuffer: 4})
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeImage(t, dir, "img_"+string(rune('a'+i))+".png", patternImage(64, 64, i+1))
	}

	run, err := h.processor.Start(context.Background(), dir, nil)
	require.NoError(t, err)
	summary, err := run.Wait()
	require.NoError(t, err)

	var received []Message
	for msg := range run.Messages() {
		received = append(received, msg)
	}
	require.NotEmpty(t, received)
	assert.LessOrEqual(t, len(received), 5)
	last := received[len(received)-1]
	assert.Equal(t, MessageSummary, last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, summary, *last.Summary)
	assert.Equal(t, 3, last.Summary.Processed)
}

func TestFinishedRunsExpire(t *testing.T) {
	h := newHarness(t, BatchOptions{RunRetention: 20 * time.Millisecond})
	first, second := t.TempDir(), t.TempDir()

	run, err := h.processor.Start(context.Background(), first, nil)
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)
	_, ok := h.processor.Lookup(run.ID)
	assert.True(t, ok, "a just finished run is still visible")

	time.Sleep(50 * time.Millisecond)
	_, ok = h.processor.Lookup(run.ID)
	assert.False(t, ok)

	block := make(chan struct{})
	active, err := h.processor.Start(context.Background(), second, blockingScanner{release: block})
	require.NoError(t, err)
	assert.Equal(t, 1, h.processor.runs.ItemCount(), "expired runs are swept when a new run starts")

	time.Sleep(50 * time.Millisecond)
	_, ok = h.processor.Lookup(active.ID)
	assert.True(t, ok, "active runs never expire")

	close(block)
	_, err = active.Wait()
	require.NoError(t, err)
}

func TestBatchRunCancel(t *testing.T) {
	h := newHarness(t, BatchOptions{})
	dir := t.TempDir()
	writeImage(t, dir, "a.png", patternImage(64, 64, 1))
	writeImage(t, dir, "b.png", patternImage(64, 64, 2))

	block := make(chan struct{})
	run, err := h.processor.Start(context.Background(), dir, blockingScanner{release: block})
	require.NoError(t, err)
	run.Cancel()
	close(block)

	summary, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, summary.State)
	assert.Zero(t, summary.Considered)
}

func TestRetryFailedIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, BatchOptions{})
	dir := t.TempDir()
	corrupt := writeCorrupt(t, dir, "broken.png")

	_, err := h.processor.ProcessDirectory(ctx, dir, nil, Callbacks{})
	require.NoError(t, err)

	// the file is repaired before the retry
	writeImage(t, dir, "broken.png", patternImage(64, 64, 4))

	summary, err := h.processor.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	records, err := h.ledger.List(ctx, database.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].RetryCount)
	assert.False(t, records[0].IsResolved(), "retry never resolves a record")
	assert.Equal(t, corrupt, *records[0].FilePath)
}
