package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// maxWebhookBody caps delivery size; GitHub's own limit is 25MB.
const maxWebhookBody = 25 << 20

// handleGitHubWebhook ingests push deliveries.
// POST /v1/webhooks/github
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	resp, err := s.translator.Ingest(body,
		r.Header.Get("X-Hub-Signature-256"),
		r.Header.Get("X-GitHub-Event"))
	if err != nil {
		if errors.Is(err, models.ErrSignatureInvalid) {
			s.metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		}
		s.respondDomainError(w, err)
		return
	}
	s.metrics.WebhooksTotal.WithLabelValues("accepted").Inc()
	if n := len(resp.JobsCreated); n > 0 {
		s.metrics.JobsCreatedTotal.WithLabelValues("webhook").Add(float64(n))
		s.invalidateJobLists(r)
	}
	s.respondJSON(w, http.StatusOK, resp)
}
