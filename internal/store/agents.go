package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// UpsertAgent inserts or replaces an agent record.
func (s *Store) UpsertAgent(agent *models.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	var metricsJSON any
	if agent.Metrics != nil {
		b, err := json.Marshal(agent.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metricsJSON = string(b)
	}
	_, err = s.db.Exec(s.rebind(
		`INSERT INTO agents (id, hostname, capabilities, registered_at, last_heartbeat,
		                     metrics, agent_version, token_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			capabilities = excluded.capabilities,
			last_heartbeat = excluded.last_heartbeat,
			metrics = excluded.metrics,
			agent_version = excluded.agent_version,
			token_hash = excluded.token_hash`),
		agent.ID, agent.Hostname, string(caps), fmtTime(agent.RegisteredAt),
		fmtTime(agent.LastHeartbeat), metricsJSON, agent.AgentVersion, agent.TokenHash,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return nil
}

// TouchHeartbeat updates the heartbeat timestamp and, when present, the
// latest metrics snapshot and capability set. Returns ErrAgentUnknown when
// the agent has no record (e.g. the store was wiped).
func (s *Store) TouchHeartbeat(agentID string, ts time.Time, metrics *models.HostMetrics, caps map[string]bool) error {
	query := `UPDATE agents SET last_heartbeat = ?`
	args := []any{fmtTime(ts)}
	if metrics != nil {
		b, err := json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		query += `, metrics = ?`
		args = append(args, string(b))
	}
	if caps != nil {
		b, err := json.Marshal(caps)
		if err != nil {
			return fmt.Errorf("failed to marshal capabilities: %w", err)
		}
		query += `, capabilities = ?`
		args = append(args, string(b))
	}
	query += ` WHERE id = ?`
	args = append(args, agentID)

	res, err := s.db.Exec(s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if n == 0 {
		return models.ErrAgentUnknown
	}
	return nil
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(agentID string) (*models.Agent, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT id, hostname, capabilities, registered_at, last_heartbeat,
		        metrics, agent_version, token_hash
		 FROM agents WHERE id = ?`),
		agentID,
	)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAgentUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return agent, nil
}

// ListAgents returns every agent, most recently registered first.
func (s *Store) ListAgents() ([]*models.Agent, error) {
	rows, err := s.db.Query(
		`SELECT id, hostname, capabilities, registered_at, last_heartbeat,
		        metrics, agent_version, token_hash
		 FROM agents ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return agents, nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent         models.Agent
		caps          string
		registeredAt  string
		lastHeartbeat string
		metrics       sql.NullString
		version       sql.NullString
		tokenHash     sql.NullString
	)
	err := row.Scan(&agent.ID, &agent.Hostname, &caps, &registeredAt,
		&lastHeartbeat, &metrics, &version, &tokenHash)
	if err != nil {
		return nil, err
	}
	if caps != "" {
		_ = json.Unmarshal([]byte(caps), &agent.Capabilities)
	}
	agent.RegisteredAt = parseTime(registeredAt)
	agent.LastHeartbeat = parseTime(lastHeartbeat)
	if metrics.Valid && metrics.String != "" {
		var m models.HostMetrics
		if json.Unmarshal([]byte(metrics.String), &m) == nil {
			agent.Metrics = &m
		}
	}
	agent.AgentVersion = version.String
	agent.TokenHash = tokenHash.String
	return &agent, nil
}
