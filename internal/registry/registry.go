// Package registry tracks worker agents: registration, heartbeat
// bookkeeping, and derived liveness. Agent status is never stored; it is
// computed from the last heartbeat timestamp on read.
package registry

import (
	"log"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/jordanhubbard/deploybot/internal/auth"
	"github.com/jordanhubbard/deploybot/internal/metrics"
	"github.com/jordanhubbard/deploybot/internal/models"
	"github.com/jordanhubbard/deploybot/internal/store"
)

// Offerer matches a heartbeating agent to pending work. Implemented by the
// dispatcher.
type Offerer interface {
	Offer(hostname, agentID string) (*models.Job, error)
}

// Options configures New. Zero durations take the defaults.
type Options struct {
	// StaleAfter is the heartbeat age past which an agent is stale
	// (default 30s).
	StaleAfter time.Duration
	// OfflineAfter is the heartbeat age past which an agent is offline
	// (default 120s).
	OfflineAfter time.Duration
	// SweepInterval is how often the liveness sweep runs (default 10s).
	SweepInterval time.Duration
	// Clock is swappable for tests.
	Clock clock.Clock
}

// Registry owns agent lifecycle.
type Registry struct {
	store   *store.Store
	tokens  *auth.Manager
	offerer Offerer
	metrics *metrics.Metrics

	staleAfter    time.Duration
	offlineAfter  time.Duration
	sweepInterval time.Duration
	clock         clock.Clock

	done chan struct{}
}

// New creates a registry. tokens may be nil when agent auth is disabled.
func New(st *store.Store, tokens *auth.Manager, offerer Offerer, m *metrics.Metrics, opts Options) *Registry {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = 120 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Registry{
		store:         st,
		tokens:        tokens,
		offerer:       offerer,
		metrics:       m,
		staleAfter:    opts.StaleAfter,
		offlineAfter:  opts.OfflineAfter,
		sweepInterval: opts.SweepInterval,
		clock:         opts.Clock,
		done:          make(chan struct{}),
	}
}

// Register always accepts and issues a fresh agent id. Older agents on the
// same hostname are not deleted; their heartbeats simply age out and new
// assignments go to the latest registration.
func (r *Registry) Register(req *models.AgentRegisterRequest) (*models.AgentRegisterResponse, error) {
	now := r.clock.Now().UTC()
	agent := &models.Agent{
		ID:            uuid.New().String(),
		Hostname:      req.Hostname,
		Capabilities:  req.Capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Metrics:       req.Metrics,
		AgentVersion:  req.AgentVersion,
	}

	resp := &models.AgentRegisterResponse{AgentID: agent.ID}
	if r.tokens != nil {
		token, err := r.tokens.MintAgentToken(agent.ID, agent.Hostname)
		if err != nil {
			return nil, err
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			return nil, err
		}
		agent.TokenHash = hash
		resp.Token = token
	}

	if err := r.store.UpsertAgent(agent); err != nil {
		return nil, err
	}
	log.Printf("[Registry] Registered agent %s for host %s (version %s)", agent.ID, agent.Hostname, agent.AgentVersion)
	return resp, nil
}

// Heartbeat records the agent's status report and returns at most one job.
// An unknown agent id surfaces models.ErrAgentUnknown so the worker
// re-registers.
func (r *Registry) Heartbeat(agentID string, req *models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	now := r.clock.Now().UTC()
	if err := r.store.TouchHeartbeat(agentID, now, req.Metrics, req.Capabilities); err != nil {
		return nil, err
	}
	r.metrics.HeartbeatsTotal.Inc()

	agent, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	resp := &models.HeartbeatResponse{Acknowledged: true}
	job, err := r.offerer.Offer(agent.Hostname, agentID)
	if err != nil {
		// Assignment failure does not invalidate the heartbeat; the next
		// one retries.
		log.Printf("[Registry] Offer failed for agent %s: %v", agentID, err)
		return resp, nil
	}
	if job != nil {
		var assignedAt time.Time
		if job.AssignedAt != nil {
			assignedAt = *job.AssignedAt
		}
		resp.Job = &models.AssignedJob{
			ID:         job.ID,
			Repo:       job.Repo,
			Ref:        job.Ref,
			Payload:    job.Payload,
			AssignedAt: assignedAt,
		}
	}
	return resp, nil
}

// GetAgent returns one agent.
func (r *Registry) GetAgent(agentID string) (*models.Agent, error) {
	return r.store.GetAgent(agentID)
}

// Status derives an agent's liveness from its last heartbeat.
func (r *Registry) Status(agent *models.Agent) models.AgentStatus {
	return agent.DerivedStatus(r.clock.Now().UTC(), r.staleAfter, r.offlineAfter)
}

// Hosts summarizes hostnames for the API. When several agents share a
// hostname, the most recent registration represents it.
func (r *Registry) Hosts() ([]*models.HostInfo, error) {
	agents, err := r.store.ListAgents()
	if err != nil {
		return nil, err
	}
	byHost := make(map[string]*models.Agent)
	var order []string
	for _, agent := range agents {
		current, ok := byHost[agent.Hostname]
		if !ok {
			byHost[agent.Hostname] = agent
			order = append(order, agent.Hostname)
			continue
		}
		if agent.RegisteredAt.After(current.RegisteredAt) {
			byHost[agent.Hostname] = agent
		}
	}

	hosts := make([]*models.HostInfo, 0, len(order))
	for _, hostname := range order {
		agent := byHost[hostname]
		hb := agent.LastHeartbeat
		hosts = append(hosts, &models.HostInfo{
			Hostname:      hostname,
			AgentID:       agent.ID,
			AgentStatus:   r.Status(agent),
			LastHeartbeat: &hb,
		})
	}
	return hosts, nil
}

// Start launches the liveness sweep.
func (r *Registry) Start() {
	go r.sweepLoop()
	log.Printf("[Registry] Liveness sweep every %s (stale %s, offline %s)", r.sweepInterval, r.staleAfter, r.offlineAfter)
}

// Stop halts the background sweep.
func (r *Registry) Stop() {
	close(r.done)
}

func (r *Registry) sweepLoop() {
	ticker := r.clock.Ticker(r.sweepInterval)
	defer ticker.Stop()
	last := make(map[string]models.AgentStatus)
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(last)
		}
	}
}

// sweep recomputes derived statuses, logs transitions, and refreshes the
// agent gauges. It writes nothing to the store.
func (r *Registry) sweep(last map[string]models.AgentStatus) {
	agents, err := r.store.ListAgents()
	if err != nil {
		log.Printf("[Registry] Liveness sweep failed: %v", err)
		return
	}
	counts := map[models.AgentStatus]int{
		models.AgentOnline:  0,
		models.AgentStale:   0,
		models.AgentOffline: 0,
	}
	for _, agent := range agents {
		status := r.Status(agent)
		counts[status]++
		if prev, ok := last[agent.ID]; ok && prev != status {
			log.Printf("[Registry] Agent %s (%s) %s -> %s", agent.ID, agent.Hostname, prev, status)
		}
		last[agent.ID] = status
	}
	for status, n := range counts {
		r.metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
