package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a deployment job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the status DAG permits moving from s to next.
// pending -> {running, cancelled}; running -> {success, failed, cancelled}.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobSuccess || next == JobFailed || next == JobCancelled
	}
	return false
}

// AgentStatus is derived from heartbeat age, never stored.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentStale   AgentStatus = "stale"
	AgentOffline AgentStatus = "offline"
)

// HostMetrics is the agent-reported host metrics summary.
type HostMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	DiskFreeGB float64 `json:"disk_free_gb"`
}

// InventoryResource is one running container/process reported by an agent.
type InventoryResource struct {
	Name   string `json:"name"`
	Image  string `json:"image,omitempty"`
	Status string `json:"status"`
	Health string `json:"health,omitempty"`
}

// Agent is a worker registration. Agents are never deleted; ownership of a
// hostname belongs to the most recently registered agent for it.
type Agent struct {
	ID            string          `json:"id"`
	Hostname      string          `json:"hostname"`
	Capabilities  map[string]bool `json:"capabilities,omitempty"`
	RegisteredAt  time.Time       `json:"registered_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Metrics       *HostMetrics    `json:"metrics,omitempty"`
	AgentVersion  string          `json:"agent_version,omitempty"`

	// TokenHash is the bcrypt hash of the issued bearer token. The token
	// itself is only returned once, at registration.
	TokenHash string `json:"-"`
}

// DerivedStatus computes online/stale/offline from the last heartbeat.
func (a *Agent) DerivedStatus(now time.Time, stale, offline time.Duration) AgentStatus {
	age := now.Sub(a.LastHeartbeat)
	switch {
	case age <= stale:
		return AgentOnline
	case age <= offline:
		return AgentStale
	default:
		return AgentOffline
	}
}

// Job is one deployment of (repo, ref) to a single host. The payload is
// opaque to the controller and forwarded to the agent verbatim.
type Job struct {
	ID            string          `json:"id"`
	Repo          string          `json:"repo"`
	Ref           string          `json:"ref"`
	Host          string          `json:"host"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        JobStatus       `json:"status"`
	AssignedAgent string          `json:"assigned_agent_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	AssignedAt    *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Result        string          `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// IdempotencyKey identifies the at-most-one-non-terminal constraint.
func (j *Job) IdempotencyKey() string {
	return j.Repo + "\x00" + j.Ref + "\x00" + j.Host
}

// LogStream distinguishes the origin of a log chunk.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamEvent  LogStream = "event"
)

// LogChunk is one ordered unit of a job's log. Sequence is monotonic and
// gap-free per job.
type LogChunk struct {
	JobID     string    `json:"job_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Stream    LogStream `json:"stream"`
	Data      []byte    `json:"data"`
}

// ChatSession is persisted for the optional assistant UI. The dispatch core
// never reads these.
type ChatSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Archived     bool      `json:"archived"`
}

// ChatMessage is one message within a session.
type ChatMessage struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// HostInfo summarizes a hostname for the /v1/hosts view.
type HostInfo struct {
	Hostname      string      `json:"hostname"`
	AgentID       string      `json:"agent_id,omitempty"`
	AgentStatus   AgentStatus `json:"agent_status,omitempty"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
}
