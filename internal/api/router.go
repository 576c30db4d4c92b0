package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiranshivaraju/issuehound/internal/api/handler"
	mw "github.com/kiranshivaraju/issuehound/internal/api/middleware"
	"github.com/kiranshivaraju/issuehound/internal/api/response"
	"github.com/kiranshivaraju/issuehound/internal/metrics"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth     *mw.Auth
	Ingester handler.Ingester
	Querier  handler.Querier
	MaxBatch int

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// CORSAllowedOrigins enables CORS on the dashboard routes when non-empty.
	CORSAllowedOrigins []string

	HealthHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Instrument(deps.Metrics))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// SDK ingestion
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Auth.RequireScope(models.ScopeIngest))

		r.Post("/api/v1/events", handler.NewIngestHandler(deps.Ingester, deps.MaxBatch))
	})

	// Dashboard reads, scoped to the key's own project
	r.Route("/api/v1/projects/{projectID}", func(r chi.Router) {
		if len(deps.CORSAllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: deps.CORSAllowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPatch, http.MethodOptions},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
				MaxAge:         300,
			}))
		}
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Auth.RequireScope(models.ScopeRead))
		r.Use(deps.Auth.RequireProject)

		r.Get("/issues", handler.NewListIssuesHandler(deps.Querier))
		r.Get("/issues/{issueID}", handler.NewGetIssueHandler(deps.Querier))
		r.Patch("/issues/{issueID}", handler.NewUpdateIssueHandler(deps.Querier))
		r.Get("/issues/{issueID}/timeseries", handler.NewIssueTimeSeriesHandler(deps.Querier))
		r.Get("/issues/{issueID}/events", handler.NewIssueEventsHandler(deps.Querier))
		r.Get("/stats", handler.NewProjectStatsHandler(deps.Querier))
		r.Get("/events", handler.NewProjectEventsHandler(deps.Querier))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
