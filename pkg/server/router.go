package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	pkgmetrics "github.com/marmos91/pkgload/pkg/metrics"
)

// NewRouter builds the API router.
//
// Routes:
//   - GET  /health                  liveness
//   - GET  /api/v1/status           engine snapshot
//   - POST /api/v1/load             load packages and wait for the results
//   - GET  /api/v1/packages/*       one package, the wildcard is its name
//   - GET  /metrics                 prometheus metrics when enabled
func NewRouter(e Engine, cfg Config, m pkgmetrics.ServerMetrics) http.Handler {
	cfg.applyDefaults()

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(m))
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
			ExposedHeaders: []string{RequestIDHeader},
			MaxAge:         300,
		}))
	}

	h := &handlers{engine: e, loadTimeout: cfg.LoadTimeout}

	r.Get("/health", h.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/load", h.load)
		r.Get("/packages/*", h.pkg)
	})

	if pkgmetrics.IsEnabled() {
		r.Handle("/metrics", pkgmetrics.Handler())
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/v1/status", http.StatusTemporaryRedirect)
	})
	return r
}
