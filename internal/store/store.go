// Package store is the durable persistence layer. Every exported operation
// is individually atomic; callers never compose multi-statement transactions
// across components.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps the SQL database. It supports an embedded SQLite file (the
// default) and PostgreSQL via a DSN.
type Store struct {
	db       *sql.DB
	postgres bool

	// logRetentionCap bounds persisted chunks per job; 0 disables pruning.
	logRetentionCap int
}

// Options configures Open.
type Options struct {
	// Type is "sqlite" or "postgres".
	Type string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// LogRetentionCap bounds persisted log chunks per job (0 = unlimited).
	LogRetentionCap int
}

// Open opens the database, applies pragmas, and initializes the schema.
func Open(opts Options) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	postgres := false
	switch opts.Type {
	case "", "sqlite":
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// WAL for concurrent readers; synchronous=FULL so acknowledged
		// writes survive power loss.
		pragmas := []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=FULL;",
			"PRAGMA foreign_keys=ON;",
			"PRAGMA busy_timeout=5000;",
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply pragma: %w", err)
			}
		}
		// modernc/sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY churn under concurrent claims.
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		postgres = true
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.Type)
	}

	s := &Store{db: db, postgres: postgres, logRetentionCap: opts.LogRetentionCap}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the tables. The partial unique index on jobs is the
// single enforcement point for the idempotency-key invariant.
func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '{}',
			registered_at TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			metrics TEXT,
			agent_version TEXT,
			token_hash TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_hostname
			ON agents(hostname, registered_at)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			ref TEXT NOT NULL,
			host TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			assigned_agent TEXT,
			created_at TEXT NOT NULL,
			assigned_at TEXT,
			completed_at TEXT,
			result TEXT,
			error TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency
			ON jobs(repo, ref, host) WHERE status IN ('pending', 'running')`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status
			ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_host
			ON jobs(host, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS log_chunks (
			job_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			timestamp TEXT NOT NULL,
			stream TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (job_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT 'default',
			name TEXT,
			created_at TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user
			ON chat_sessions(user_id, archived, last_activity)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			metadata TEXT,
			FOREIGN KEY (session_id) REFERENCES chat_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session
			ON chat_messages(session_id, id)`,
	}
	for _, stmt := range stmts {
		if s.postgres {
			stmt = strings.ReplaceAll(stmt, "BLOB", "BYTEA")
			stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// timeFormat is RFC3339 with fixed-width nanoseconds so stored timestamps
// compare correctly as strings in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
