// Package api is the HTTP surface of the controller. Handlers stay thin:
// they parse, delegate to the registry/dispatcher/broker, and map domain
// errors to status codes.
package api

import (
	"bufio"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/deploybot/internal/auth"
	"github.com/jordanhubbard/deploybot/internal/cache"
	"github.com/jordanhubbard/deploybot/internal/dispatcher"
	"github.com/jordanhubbard/deploybot/internal/logbroker"
	"github.com/jordanhubbard/deploybot/internal/metrics"
	"github.com/jordanhubbard/deploybot/internal/registry"
	"github.com/jordanhubbard/deploybot/internal/store"
	"github.com/jordanhubbard/deploybot/internal/webhook"
)

// Options carries the server's tunables.
type Options struct {
	// HeartbeatDeadline bounds heartbeat handling; on expiry the response
	// carries no job (default 15s).
	HeartbeatDeadline time.Duration
	// RequireAgentTokens enables bearer auth on agent endpoints.
	RequireAgentTokens bool
}

// Server wires handlers to the core components.
type Server struct {
	store      *store.Store
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	translator *webhook.Translator
	broker     *logbroker.Broker
	metrics    *metrics.Metrics
	tokens     *auth.Manager
	cache      *cache.Cache

	heartbeatDeadline time.Duration
	requireTokens     bool
}

// NewServer creates the API server. tokens and responseCache may be nil.
func NewServer(
	st *store.Store,
	reg *registry.Registry,
	disp *dispatcher.Dispatcher,
	translator *webhook.Translator,
	broker *logbroker.Broker,
	m *metrics.Metrics,
	tokens *auth.Manager,
	responseCache *cache.Cache,
	opts Options,
) *Server {
	if opts.HeartbeatDeadline <= 0 {
		opts.HeartbeatDeadline = 15 * time.Second
	}
	return &Server{
		store:             st,
		registry:          reg,
		dispatcher:        disp,
		translator:        translator,
		broker:            broker,
		metrics:           m,
		tokens:            tokens,
		cache:             responseCache,
		heartbeatDeadline: opts.HeartbeatDeadline,
		requireTokens:     opts.RequireAgentTokens,
	}
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Agents (worker-facing)
	mux.HandleFunc("/v1/agents/register", s.handleAgentRegister)
	mux.HandleFunc("/v1/agents/", s.handleAgentSubpath)

	// Jobs
	mux.HandleFunc("/v1/jobs", s.handleJobs)
	mux.HandleFunc("/v1/jobs/", s.handleJob)

	// Hosts
	mux.HandleFunc("/v1/hosts", s.handleHosts)

	// Webhooks
	mux.HandleFunc("/v1/webhooks/github", s.handleGitHubWebhook)

	// Chat (assistant UI)
	mux.HandleFunc("/v1/chat/sessions", s.handleChatSessions)
	mux.HandleFunc("/v1/chat/sessions/", s.handleChatSession)

	return s.loggingMiddleware(mux)
}

// handleHealth reports liveness.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loggingMiddleware records every request to the log and the metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rec.status, duration)
		// Heartbeats and log posts are too chatty to log individually.
		if !strings.Contains(r.URL.Path, "/heartbeat") && !strings.HasSuffix(r.URL.Path, "/logs") {
			log.Printf("[API] %s %s %d %s", r.Method, r.URL.Path, rec.status, duration.Round(time.Millisecond))
		}
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE works behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so the WebSocket upgrade works behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// routeLabel collapses IDs so metrics cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if len(part) >= 32 || strings.Count(part, "-") >= 4 {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// authenticateAgent enforces bearer auth on agent endpoints when enabled.
// The token's agent id must match the path, and the token itself must be the
// one handed out at registration: a valid signature alone is not enough,
// the presented token is also checked against the stored hash.
func (s *Server) authenticateAgent(r *http.Request, agentID string) error {
	if !s.requireTokens || s.tokens == nil {
		return nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return errUnauthorized
	}
	claims, err := s.tokens.VerifyAgentToken(token)
	if err != nil {
		return errUnauthorized
	}
	if claims.AgentID != agentID {
		return errUnauthorized
	}
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return errUnauthorized
	}
	if agent.TokenHash != "" && !auth.CheckToken(agent.TokenHash, token) {
		return errUnauthorized
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) parseJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// splitPath returns the path segments after a prefix:
// splitPath("/v1/agents/a1/heartbeat", "/v1/agents/") -> ["a1", "heartbeat"].
func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
