package handlers

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/logging"
	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/metrics"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/repository"
	"github.com/camden-git/datasetcurator/services"
	"github.com/camden-git/datasetcurator/workers"
)

type api struct {
	server    *httptest.Server
	ledger    *database.ErrorLedger
	repos     *repository.Repositories
	processor *workers.BatchProcessor
	root      string
}

func newAPI(t *testing.T) *api {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "source")
	logger := logging.Discard()

	db, err := database.Open(filepath.Join(dir, "api.db"), logger)
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

	repos := repository.NewRepositories(db, 0)
	store := services.NewAnnotationStore(db, repos, media.NewNormalizer(media.NormalizerOptions{}),
		media.NewProcessor(storage, logger), m, logger)
	ledger := database.NewErrorLedger(sqlDB)
	processor := workers.NewBatchProcessor(services.NewContentIndex(media.PixelFingerprinter{}, repos.Images),
		store, ledger, m, workers.BatchOptions{Resolutions: []models.Resolution{models.Resolution512}}, logger)

	router := NewRouter(RouterDeps{
		Errors:        &ErrorLedgerHandler{Ledger: ledger},
		Batches:       &BatchHandler{Processor: processor, RootDirectory: root, BaseContext: context.Background()},
		Images:        &ImageHandler{Store: store},
		Store:         storage,
		DerivedSubDir: "derived",
		Registry:      registry,
		Logger:        logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &api{server: srv, ledger: ledger, repos: repos, processor: processor, root: root}
}

func (a *api) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func writeSolid(t *testing.T, dir, name string, w, h int, c color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestErrorEndpoints(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t)
	id, err := a.ledger.Record(ctx, models.OperationIngestion, models.ErrorKindUnreadableSource, "bad file", database.WithFilePath("/x.jpg"))
	require.NoError(t, err)
	_, err = a.ledger.Record(ctx, models.OperationAnnotation, models.ErrorKindAnnotationProvider, "timeout")
	require.NoError(t, err)

	resp := a.do(t, http.MethodGet, "/api/errors?operation=ingestion", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := decode[[]models.ErrorRecord](t, resp)
	require.Len(t, records, 1)
	assert.Equal(t, "bad file", records[0].Message)

	resp = a.do(t, http.MethodGet, "/api/errors/count", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decode[struct {
		Unresolved  int64            `json:"unresolved"`
		ByOperation map[string]int64 `json:"by_operation"`
	}](t, resp)
	assert.Equal(t, int64(2), counts.Unresolved)
	assert.Equal(t, int64(1), counts.ByOperation["annotation"])

	resp = a.do(t, http.MethodPost, "/api/errors/"+itoa(id)+"/resolve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, resp)["changed"])

	resp = a.do(t, http.MethodPost, "/api/errors/"+itoa(id)+"/resolve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decode[map[string]any](t, resp)["changed"])

	resp = a.do(t, http.MethodGet, "/api/errors/"+itoa(id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[models.ErrorRecord](t, resp).IsResolved())

	resp = a.do(t, http.MethodGet, "/api/errors/9999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/errors?operation=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	apiErr := decode[APIErrorResponse](t, resp)
	require.Len(t, apiErr.Errors, 1)
	assert.Equal(t, CodeBadRequest, apiErr.Errors[0].Code)
}

func TestBatchImageAndDerivedEndpoints(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t)
	sub := filepath.Join(a.root, "set1")
	path := writeSolid(t, mkdir(t, sub), "red.png", 640, 480, color.NRGBA{R: 255, A: 255})

	resp := a.do(t, http.MethodPost, "/api/batches", `{"directory":"set1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	status := decode[workers.RunStatus](t, resp)
	require.NotEmpty(t, status.ID)

	run, ok := a.processor.Lookup(status.ID)
	require.True(t, ok)
	summary, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	resp = a.do(t, http.MethodGet, "/api/batches/"+status.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, workers.StateCompleted, decode[workers.RunStatus](t, resp).State)

	asset, err := a.repos.Images.GetByPath(ctx, path)
	require.NoError(t, err)

	resp = a.do(t, http.MethodGet, "/api/images/"+itoa(int64(asset.ID)), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[services.ImageDetail](t, resp)
	require.Len(t, detail.Derived, 1)
	assert.Equal(t, "512px", detail.Derived[0].Resolution)

	resp = a.do(t, http.MethodGet, "/api/"+detail.Derived[0].StoredPath, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	resp = a.do(t, http.MethodGet, "/api/derived/512px/missing.jpg", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/images/424242", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartBatchRejectsDirectoriesOutsideRoot(t *testing.T) {
	a := newAPI(t)
	mkdir(t, a.root)

	resp := a.do(t, http.MethodPost, "/api/batches", `{"directory":"../elsewhere"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/api/batches", `{"directory":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/batches/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func mkdir(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}
