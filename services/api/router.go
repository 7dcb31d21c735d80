package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.Limit(a.config.RateLimit, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))

		r.Post("/deployments", a.handleSubmitDeployment)
		r.Get("/deployments", a.handleListDeployments)
		r.Post("/deployments/cleanup", a.handleCleanupDeployments)
		r.Get("/deployments/{id}", a.handleDeploymentStatus)
		r.Delete("/deployments/{id}", a.handleCancelDeployment)
		r.Post("/deployments/{id}/retry", a.handleRetryDeployment)

		r.Post("/prd/parse", a.handleParsePRD)

		r.Get("/artifacts", a.handleListArtifacts)
		r.Delete("/artifacts", a.handleDeleteArtifact)
		r.Get("/artifacts/signed-url", a.handleSignedURL)
		r.Get("/artifacts/download/*", a.handleDownloadArtifact)
	})

	var handler http.Handler = r
	if a.config.Middleware != nil {
		handler = a.config.Middleware(handler)
	}
	return handler, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.config.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
