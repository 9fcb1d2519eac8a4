package models

import (
	"encoding/json"
	"time"
)

// AgentRegisterRequest is the body of POST /v1/agents/register.
type AgentRegisterRequest struct {
	Hostname     string          `json:"hostname"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	AgentVersion string          `json:"agent_version,omitempty"`
	Metrics      *HostMetrics    `json:"metrics,omitempty"`
}

// AgentRegisterResponse returns the issued identity. The token is only
// delivered here; the controller keeps a hash.
type AgentRegisterResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"agent_token,omitempty"`
}

// HeartbeatRequest is the periodic worker status report.
type HeartbeatRequest struct {
	Metrics      *HostMetrics        `json:"metrics,omitempty"`
	Inventory    []InventoryResource `json:"inventory,omitempty"`
	Capabilities map[string]bool     `json:"capabilities,omitempty"`
}

// HeartbeatResponse carries at most one job.
type HeartbeatResponse struct {
	Acknowledged bool         `json:"acknowledged"`
	Job          *AssignedJob `json:"job"`
}

// AssignedJob is the agent-facing view of a claimed job.
type AssignedJob struct {
	ID         string          `json:"id"`
	Repo       string          `json:"repo"`
	Ref        string          `json:"ref"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	AssignedAt time.Time       `json:"assigned_at"`
}

// JobCreateRequest is the body of POST /v1/jobs.
type JobCreateRequest struct {
	Repo    string          `json:"repo"`
	Ref     string          `json:"ref"`
	Host    string          `json:"host"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobAckRequest is the worker's terminal status report for a job.
type JobAckRequest struct {
	Status string `json:"status"` // "success" or "failed"
	Detail string `json:"detail,omitempty"`
}

// WebhookResponse summarizes push processing.
type WebhookResponse struct {
	Received    bool     `json:"received"`
	JobsCreated []string `json:"jobs_created"`
}

// GitHubPushEvent is the subset of the push payload the translator reads.
type GitHubPushEvent struct {
	Ref        string `json:"ref"` // refs/heads/main
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}
