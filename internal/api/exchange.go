package api

import (
	"errors"
	"net/http"

	"github.com/musterhq/muster/internal/model"
)

// exchangeAddressesResponse wraps the resolved shard addresses.
type exchangeAddressesResponse struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handleExchangeAddresses(w http.ResponseWriter, r *http.Request) {
	if s.exchange == nil {
		s.writeError(w, http.StatusNotFound, "no data-exchange service configured")
		return
	}

	addrs, err := s.exchange.Addresses(s.controller.Jobs())
	switch {
	case errors.Is(err, model.ErrNotConfigured):
		s.writeError(w, http.StatusNotFound, "no data-exchange service configured")
		return
	case errors.Is(err, model.ErrNotLaunched):
		s.writeError(w, http.StatusConflict, "data-exchange service has not reported its hosts yet")
		return
	case err != nil:
		s.logger.Error("resolve exchange addresses", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve addresses")
		return
	}

	s.writeJSON(w, http.StatusOK, exchangeAddressesResponse{Addresses: addrs})
}
