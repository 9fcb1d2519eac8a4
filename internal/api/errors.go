package api

import (
	"errors"
	"net/http"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// errUnauthorized is the API-local auth failure.
var errUnauthorized = errors.New("unauthorized")

// respondDomainError maps a domain error to its HTTP status. Callers that
// need special-case behavior (e.g. the terminal-ack no-op) handle those
// errors before calling this.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnauthorized):
		s.respondError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, models.ErrSignatureInvalid):
		s.respondError(w, http.StatusUnauthorized, "invalid webhook signature")
	case errors.Is(err, models.ErrDuplicateIdempotency):
		s.respondError(w, http.StatusConflict, "a non-terminal job already exists for this repo, ref, and host")
	case errors.Is(err, models.ErrNotAssignedToYou):
		s.respondError(w, http.StatusConflict, "job is assigned to a different agent")
	case errors.Is(err, models.ErrAlreadyTerminal):
		s.respondError(w, http.StatusConflict, "job is already in a terminal state")
	case errors.Is(err, models.ErrNotClaimable):
		s.respondError(w, http.StatusConflict, "job is not claimable")
	case errors.Is(err, models.ErrAgentUnknown):
		s.respondError(w, http.StatusNotFound, "unknown agent; re-register")
	case errors.Is(err, models.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrStoreTransient):
		s.respondError(w, http.StatusServiceUnavailable, "storage unavailable; retry")
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
