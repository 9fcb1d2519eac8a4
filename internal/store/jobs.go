package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// InsertJob persists a new pending job. It fails with
// models.ErrDuplicateIdempotency when a non-terminal job with the same
// (repo, ref, host) already exists. The check and insert run in one
// transaction; the partial unique index backstops races.
func (s *Store) InsertJob(job *models.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRow(s.rebind(
		`SELECT COUNT(1) FROM jobs
		 WHERE repo = ? AND ref = ? AND host = ? AND status IN ('pending', 'running')`),
		job.Repo, job.Ref, job.Host,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if count > 0 {
		return models.ErrDuplicateIdempotency
	}

	_, err = tx.Exec(s.rebind(
		`INSERT INTO jobs (id, repo, ref, host, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Repo, job.Ref, job.Host, nullableBytes(job.Payload),
		string(job.Status), fmtTime(job.CreatedAt),
	)
	if err != nil {
		// A concurrent insert that slipped past the count lands on the
		// partial unique index.
		if isUniqueViolation(err) {
			return models.ErrDuplicateIdempotency
		}
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return nil
}

// ClaimJob conditionally transitions pending -> running, recording the
// winning agent. The UPDATE's status guard is the CAS that linearizes racing
// heartbeats: exactly one wins, the rest see ErrNotClaimable.
func (s *Store) ClaimJob(jobID, agentID string, ts time.Time) (*models.Job, error) {
	res, err := s.db.Exec(s.rebind(
		`UPDATE jobs SET status = 'running', assigned_agent = ?, assigned_at = ?
		 WHERE id = ? AND status = 'pending'`),
		agentID, fmtTime(ts), jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if n == 0 {
		if _, err := s.GetJob(jobID); err != nil {
			return nil, err
		}
		return nil, models.ErrNotClaimable
	}
	return s.GetJob(jobID)
}

// CompleteJob conditionally transitions running -> success|failed. When
// agentID is non-empty, the job must be assigned to that agent. Re-acking a
// job already in the requested terminal state is a no-op returning
// ErrAlreadyTerminal; the caller decides whether that is an error.
func (s *Store) CompleteJob(jobID, agentID string, status models.JobStatus, detail string, ts time.Time) (*models.Job, error) {
	if status != models.JobSuccess && status != models.JobFailed {
		return nil, fmt.Errorf("invalid terminal status %q", status)
	}

	resultCol, errorCol := detail, ""
	if status == models.JobFailed {
		resultCol, errorCol = "", detail
	}

	query := `UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`
	args := []any{string(status), resultCol, errorCol, fmtTime(ts), jobID}
	if agentID != "" {
		query += ` AND assigned_agent = ?`
		args = append(args, agentID)
	}

	res, err := s.db.Exec(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if n == 0 {
		job, err := s.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		switch {
		case job.Status.Terminal():
			return job, models.ErrAlreadyTerminal
		case job.Status == models.JobRunning && agentID != "" && job.AssignedAgent != agentID:
			return job, models.ErrNotAssignedToYou
		default:
			return job, models.ErrNotClaimable
		}
	}
	return s.GetJob(jobID)
}

// CancelJob transitions pending|running -> cancelled.
func (s *Store) CancelJob(jobID, reason string, ts time.Time) (*models.Job, error) {
	res, err := s.db.Exec(s.rebind(
		`UPDATE jobs SET status = 'cancelled', error = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`),
		reason, fmtTime(ts), jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if n == 0 {
		job, err := s.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		return job, models.ErrAlreadyTerminal
	}
	return s.GetJob(jobID)
}

// RequeueJob returns an orphaned running job to pending with cleared
// assignment. Conditional on status=running so a late worker ack and the
// orphan sweep cannot both win.
func (s *Store) RequeueJob(jobID string) (*models.Job, error) {
	res, err := s.db.Exec(s.rebind(
		`UPDATE jobs SET status = 'pending', assigned_agent = NULL, assigned_at = NULL
		 WHERE id = ? AND status = 'running'`),
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if n == 0 {
		return nil, models.ErrNotClaimable
	}
	return s.GetJob(jobID)
}

// GetJob fetches one job by id.
func (s *Store) GetJob(jobID string) (*models.Job, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT id, repo, ref, host, payload, status, assigned_agent,
		        created_at, assigned_at, completed_at, result, error
		 FROM jobs WHERE id = ?`),
		jobID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return job, nil
}

// ListJobs returns jobs, newest first, optionally filtered by status.
func (s *Store) ListJobs(status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, repo, ref, host, payload, status, assigned_agent,
	                 created_at, assigned_at, completed_at, result, error
	          FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// PendingJobsInOrder returns all pending jobs oldest first, for queue
// rebuild at startup.
func (s *Store) PendingJobsInOrder() ([]*models.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, repo, ref, host, payload, status, assigned_agent,
		        created_at, assigned_at, completed_at, result, error
		 FROM jobs WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RunningJobsAssignedBefore returns running jobs whose assignment is older
// than the cutoff, for orphan reclaim.
func (s *Store) RunningJobsAssignedBefore(cutoff time.Time) ([]*models.Job, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT id, repo, ref, host, payload, status, assigned_agent,
		        created_at, assigned_at, completed_at, result, error
		 FROM jobs WHERE status = 'running' AND assigned_at < ?
		 ORDER BY assigned_at ASC`),
		fmtTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                   models.Job
		payload               sql.NullString
		status                string
		assignedAgent         sql.NullString
		createdAt             string
		assignedAt, completed sql.NullString
		result, errDetail     sql.NullString
	)
	err := row.Scan(&job.ID, &job.Repo, &job.Ref, &job.Host, &payload, &status,
		&assignedAgent, &createdAt, &assignedAt, &completed, &result, &errDetail)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	job.Status = models.JobStatus(status)
	job.AssignedAgent = assignedAgent.String
	job.CreatedAt = parseTime(createdAt)
	job.AssignedAt = parseTimePtr(assignedAt)
	job.CompletedAt = parseTimePtr(completed)
	job.Result = result.String
	job.Error = errDetail.String
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return jobs, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// isUniqueViolation matches the constraint error text of both drivers.
// modernc/sqlite reports "UNIQUE constraint failed"; lib/pq reports
// "duplicate key value violates unique constraint".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
