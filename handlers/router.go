package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/realtime"
)

// RouterDeps holds everything the HTTP surface is built from.
type RouterDeps struct {
	Errors         *ErrorLedgerHandler
	Batches        *BatchHandler
	Images         *ImageHandler
	Store          media.Store
	DerivedSubDir  string
	Hub            *realtime.Hub
	Registry       *prometheus.Registry
	AllowedOrigins []string
	Logger         *slog.Logger
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func NewRouter(deps RouterDeps) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/errors", func(r chi.Router) {
			r.Get("/", deps.Errors.ListErrors)
			r.Get("/count", deps.Errors.CountErrors)
			r.Route("/{error_id}", func(r chi.Router) {
				r.Get("/", deps.Errors.GetError)
				r.Post("/resolve", deps.Errors.ResolveError)
			})
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", deps.Batches.StartBatch)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", deps.Batches.GetBatch)
				r.Delete("/", deps.Batches.CancelBatch)
			})
		})

		r.Get("/images/{image_id}", deps.Images.GetImage)

		if deps.Store != nil {
			r.Get("/"+deps.DerivedSubDir+"/*", AssetServer(deps.Store, "/api/", deps.DerivedSubDir, logger))
		}
	})

	// /ws is long-lived and stays outside the /api timeout
	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.ServeWS)
	}
	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}
	return r
}
