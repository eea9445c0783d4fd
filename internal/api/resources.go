package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/manager"
)

// resourceLocation builds the location named by the {class}/{name} URL params.
func resourceLocation(r *http.Request) (location.Location, error) {
	return location.New(chi.URLParam(r, "class"), chi.URLParam(r, "name"), nil)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	snapshot := s.manager.Snapshot()
	if cls := r.URL.Query().Get("class"); cls != "" {
		filtered := make([]manager.Status, 0, len(snapshot))
		for _, st := range snapshot {
			if st.Class == cls {
				filtered = append(filtered, st)
			}
		}
		snapshot = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": snapshot,
		"count":     len(snapshot),
	})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	loc, err := resourceLocation(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := s.manager.Status(loc)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartResource(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "start", s.manager.Start)
}

func (s *Server) handleStopResource(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "stop", s.manager.Stop)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, loc location.Location) error) {
	loc, err := resourceLocation(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := fn(r.Context(), loc); err != nil {
		s.logger.Warn("resource transition failed", "action", action, "location", loc.String(), "error", err)
		writeDomainError(w, err)
		return
	}
	st, err := s.manager.Status(loc)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
