package api

import (
	"net/http"
)

// handleStatusAll returns the live runner state for every active rule.
func (s *Server) handleStatusAll(w http.ResponseWriter, _ *http.Request) {
	statuses := s.runner.StatusAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": statuses,
		"count": len(statuses),
	})
}

// handleQuota returns the OpenRouter API key usage from GET /key.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "quota source not configured")
		return
	}

	status, err := s.quota.KeyStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "failed to query key status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}
