package api

import (
	"net/http"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// handleHosts lists known hostnames with their derived agent status.
// GET /v1/hosts
func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var hosts []*models.HostInfo
	if s.cache != nil && s.cache.Get(r.Context(), "hosts", &hosts) {
		s.respondJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
		return
	}

	hosts, err := s.registry.Hosts()
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if hosts == nil {
		hosts = []*models.HostInfo{}
	}
	if s.cache != nil {
		s.cache.Set(r.Context(), "hosts", hosts)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}
