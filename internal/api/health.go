package api

import "net/http"

// healthResponse reports liveness plus a small snapshot of the experiment,
// enough for a probe to tell an idle server from a busy one.
type healthResponse struct {
	Status     string `json:"status"`
	Launcher   string `json:"launcher"`
	ActiveJobs int    `json:"active_jobs"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Launcher:   s.controller.Launcher().Capabilities().Name,
		ActiveJobs: len(s.controller.Jobs().Active(true)),
	})
}
