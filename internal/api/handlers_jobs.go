package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// handleJobs creates or lists jobs.
// POST /v1/jobs, GET /v1/jobs?status=&limit=
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleJobCreate(w, r)
	case http.MethodGet:
		s.handleJobList(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req models.JobCreateRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Repo) == "" || strings.TrimSpace(req.Ref) == "" || strings.TrimSpace(req.Host) == "" {
		s.respondError(w, http.StatusBadRequest, "repo, ref, and host are required")
		return
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		Repo:      req.Repo,
		Ref:       req.Ref,
		Host:      req.Host,
		Payload:   req.Payload,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	created, err := s.dispatcher.Enqueue(job)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.metrics.JobsCreatedTotal.WithLabelValues("api").Inc()
	s.invalidateJobLists(r)
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	cacheKey := "jobs:" + string(status) + ":" + strconv.Itoa(limit)
	var jobs []*models.Job
	if s.cache != nil && s.cache.Get(r.Context(), cacheKey, &jobs) {
		s.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
		return
	}

	jobs, err := s.store.ListJobs(status, limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	if s.cache != nil {
		s.cache.Set(r.Context(), cacheKey, jobs)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleJob reads, cancels, or streams a single job.
// GET /v1/jobs/{id}, DELETE /v1/jobs/{id}, GET /v1/jobs/{id}/logs/stream
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/v1/jobs/")
	if len(parts) == 0 {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	jobID := parts[0]

	if len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream" {
		s.handleLogStream(w, r, jobID)
		return
	}
	if len(parts) == 3 && parts[1] == "logs" && parts[2] == "ws" {
		s.handleLogStreamWS(w, r, jobID)
		return
	}
	if len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet {
		s.handleLogRead(w, r, jobID)
		return
	}
	if len(parts) != 1 {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.store.GetJob(jobID)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		job, err := s.dispatcher.Cancel(jobID, r.URL.Query().Get("reason"))
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.invalidateJobLists(r)
		s.respondJSON(w, http.StatusOK, job)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// invalidateJobLists drops the hot unfiltered list entries after a write.
// Filtered variants simply age out within the TTL.
func (s *Server) invalidateJobLists(r *http.Request) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(r.Context(), "jobs::0")
	s.cache.Invalidate(r.Context(), "jobs:pending:0")
}
