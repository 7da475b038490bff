package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/camden-git/datasetcurator/media"
)

const assetCacheDuration = 24 * time.Hour

// AssetServer serves files of the asset store. The request path after
// routePrefix is the store-relative path, e.g. for route "/api/derived/*"
// the request "/api/derived/512px/ab.jpg" serves "derived/512px/ab.jpg".
//
//	r.Get("/api/derived/*", AssetServer(store, "/api/", "derived", logger))
func AssetServer(store media.Store, routePrefix, subDir string, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "asset_server", "subdir", subDir)
	prefix := strings.TrimSuffix(routePrefix, "/") + "/" + subDir + "/"

	return func(w http.ResponseWriter, r *http.Request) {
		relativePath := strings.TrimPrefix(r.URL.Path, prefix)
		if relativePath == "" || relativePath == r.URL.Path || strings.Contains(relativePath, "..") {
			WriteAPIError(w, http.StatusBadRequest, CodeBadRequest, "Invalid asset path")
			return
		}

		rc, info, err := store.Get(path.Join(subDir, relativePath))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			if errors.Is(err, media.ErrOutsideStore) {
				logger.Warn("attempted asset access outside storage", "path", r.URL.Path)
				WriteAPIError(w, http.StatusForbidden, "forbidden", "Forbidden")
				return
			}
			logger.Error("failed to open asset", "path", relativePath, "error", err)
			WriteAPIError(w, http.StatusInternalServerError, CodeInternalError, "Internal Server Error")
			return
		}
		defer rc.Close()

		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(assetCacheDuration.Seconds())))
		w.Header().Set("Expires", time.Now().Add(assetCacheDuration).Format(http.TimeFormat))

		if rs, ok := rc.(io.ReadSeeker); ok {
			http.ServeContent(w, r, info.Name(), info.ModTime(), rs)
			return
		}
		_, _ = io.Copy(w, rc)
	}
}
