package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/resources", func(r chi.Router) {
			r.Get("/", s.handleListResources)
			r.Route("/{class}/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetResource)
				r.Post("/start", s.handleStartResource)
				r.Post("/stop", s.handleStopResource)
			})
		})

		r.Get("/journal", s.handleListJournal)
	})

	return r
}

// handleHealth reports the manager and every configured dependency.
// A terminated manager answers 503; a failing dependency only degrades.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.manager.Terminated() {
		status = "terminated"
		code = http.StatusServiceUnavailable
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if err := c.HealthCheck(ctx); err != nil {
			checks[name] = err.Error()
			if status == "ok" {
				status = "degraded"
			}
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"version":  s.version,
		"location": s.manager.Location().String(),
		"checks":   checks,
	})
}
