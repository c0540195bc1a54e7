package api

import (
	"net/http"

	"github.com/musterhq/muster/internal/ledger"
)

// listAllocationsResponse wraps the allocation list response.
type listAllocationsResponse struct {
	Allocations []ledger.Allocation `json:"allocations"`
	Total       int                 `json:"total"`
}

func (s *Server) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	list := s.controller.Ledger().List()
	if list == nil {
		list = []ledger.Allocation{}
	}
	s.writeJSON(w, http.StatusOK, listAllocationsResponse{Allocations: list, Total: len(list)})
}
