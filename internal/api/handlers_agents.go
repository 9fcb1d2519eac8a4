package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/deploybot/internal/dispatcher"
	"github.com/jordanhubbard/deploybot/internal/models"
)

// handleAgentRegister issues a fresh agent identity.
// POST /v1/agents/register
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req models.AgentRegisterRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Hostname) == "" {
		s.respondError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	resp, err := s.registry.Register(&req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

// handleAgentSubpath routes the agent-scoped endpoints:
//
//	GET  /v1/agents/{id}
//	POST /v1/agents/{id}/heartbeat
//	POST /v1/agents/{id}/jobs/{job_id}          (terminal ack)
//	POST /v1/agents/{id}/jobs/{job_id}/logs     (chunk ingest)
func (s *Server) handleAgentSubpath(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/v1/agents/")
	if len(parts) == 1 && r.Method == http.MethodGet {
		s.handleAgentShow(w, parts[0])
		return
	}
	if len(parts) < 2 || r.Method != http.MethodPost {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	agentID := parts[0]
	if err := s.authenticateAgent(r, agentID); err != nil {
		s.respondDomainError(w, err)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "heartbeat":
		s.handleHeartbeat(w, r, agentID)
	case len(parts) == 3 && parts[1] == "jobs":
		s.handleJobAck(w, r, agentID, parts[2])
	case len(parts) == 4 && parts[1] == "jobs" && parts[3] == "logs":
		s.handleLogIngest(w, r, agentID, parts[2])
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

// handleAgentShow returns the agent record with its derived liveness.
func (s *Server) handleAgentShow(w http.ResponseWriter, agentID string) {
	agent, err := s.registry.GetAgent(agentID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"agent":  agent,
		"status": s.registry.Status(agent),
	})
}

// handleHeartbeat records the status report and hands out at most one job.
// If handling does not finish inside the deadline the agent gets an
// acknowledgement with no job; a claim that lands after that is released
// straight back to pending since the agent never saw it.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	var req models.HeartbeatRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.heartbeatDeadline)
	defer cancel()

	type result struct {
		resp *models.HeartbeatResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.registry.Heartbeat(agentID, &req)
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			s.respondDomainError(w, res.err)
			return
		}
		s.respondJSON(w, http.StatusOK, res.resp)
	case <-ctx.Done():
		s.respondJSON(w, http.StatusOK, &models.HeartbeatResponse{Acknowledged: true})
		go func() {
			res := <-done
			if res.err == nil && res.resp.Job != nil {
				s.dispatcher.ReleaseClaim(res.resp.Job.ID)
			}
		}()
	}
}

// handleJobAck records the worker's terminal status for a job. An ack
// against a job that already reached a different terminal state (say,
// cancelled by an operator mid-run) is accepted as a no-op: the stored
// status wins and the response flags the condition so the worker stops
// retrying.
func (s *Server) handleJobAck(w http.ResponseWriter, r *http.Request, agentID, jobID string) {
	var req models.JobAckRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := dispatcher.ValidateAck(req.Status)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.dispatcher.Complete(jobID, agentID, status, req.Detail)
	if errors.Is(err, models.ErrAlreadyTerminal) && job != nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"job":              job,
			"already_terminal": true,
		})
		return
	}
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

// handleLogIngest consumes a chunked body of newline-delimited JSON log
// chunks and feeds them to the broker. Ingest is tolerant: a malformed line
// aborts with the count accepted so far.
func (s *Server) handleLogIngest(w http.ResponseWriter, r *http.Request, agentID, jobID string) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if job.AssignedAgent != agentID {
		s.respondDomainError(w, models.ErrNotAssignedToYou)
		return
	}

	decoder := json.NewDecoder(r.Body)
	accepted := 0
	for {
		var chunk models.LogChunk
		if err := decoder.Decode(&chunk); err == io.EOF {
			break
		} else if err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":    "malformed log chunk",
				"accepted": accepted,
			})
			return
		}
		chunk.JobID = jobID
		if chunk.Timestamp.IsZero() {
			chunk.Timestamp = time.Now().UTC()
		}
		if chunk.Stream == "" {
			chunk.Stream = models.StreamStdout
		}
		if err := s.broker.Publish(&chunk); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.metrics.LogChunksTotal.Inc()
		accepted++
	}
	s.respondJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}
