package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/ecomm-report-extractor/internal/pkg/httputil"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all API routes. hc may be nil, in which case
// /health only reports liveness.
func SetupRoutes(h *Handlers, hc *HealthChecker, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	if hc == nil {
		hc = NewHealthChecker(nil, nil, nil)
	}
	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", h.ListCatalog)
		r.Get("/catalog/{retailer}/{reportType}", h.GetDefinition)

		r.Route("/extractions", func(r chi.Router) {
			r.Get("/", h.ListExtractions)
			r.Post("/", h.StartExtraction)
			r.Get("/{id}", h.GetExtraction)
			r.Delete("/{id}", h.CancelExtraction)
		})

		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httputil.NotFound(w, "route not found")
	})

	return r
}
