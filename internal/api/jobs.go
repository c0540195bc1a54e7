package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/musterhq/muster/internal/jobs"
	"github.com/musterhq/muster/internal/model"
	"github.com/musterhq/muster/internal/store"
)

// listJobsResponse wraps the job list response.
type listJobsResponse struct {
	Jobs  []jobs.Job `json:"jobs"`
	Total int        `json:"total"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.controller.Jobs().List()
	if list == nil {
		list = []jobs.Job{}
	}
	s.writeJSON(w, http.StatusOK, listJobsResponse{Jobs: list, Total: len(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	j, ok := s.controller.Jobs().Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	j, ok := s.controller.Jobs().Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	err := s.controller.Stop(r.Context(), &model.Run{Name: name})
	if errors.Is(err, model.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("stop job", "entity", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop job")
		return
	}

	j, _ = s.controller.Jobs().Get(name)
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "job history is not enabled")
		return
	}
	name := chi.URLParam(r, "name")

	events, err := s.history.ListEvents(r.Context(), name)
	if err != nil {
		s.logger.Error("list job events", "entity", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list job history")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entity": name, "events": events})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
