package store

import (
	"fmt"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// AppendLog persists one chunk. Sequence assignment is the broker's job;
// the store only enforces the (job_id, sequence) primary key. Re-delivered
// chunks with an existing sequence are dropped silently to keep worker
// retries harmless.
func (s *Store) AppendLog(chunk *models.LogChunk) error {
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO log_chunks (job_id, sequence, timestamp, stream, data)
		 VALUES (?, ?, ?, ?, ?)`),
		chunk.JobID, int64(chunk.Sequence), fmtTime(chunk.Timestamp),
		string(chunk.Stream), chunk.Data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if s.logRetentionCap > 0 && chunk.Sequence > uint64(s.logRetentionCap) {
		s.pruneLogs(chunk.JobID, chunk.Sequence)
	}
	return nil
}

// pruneLogs enforces the per-job retention cap. Best effort; failures are
// ignored because the next append retries.
func (s *Store) pruneLogs(jobID string, headSeq uint64) {
	floor := int64(headSeq) - int64(s.logRetentionCap)
	_, _ = s.db.Exec(s.rebind(
		`DELETE FROM log_chunks WHERE job_id = ? AND sequence <= ?`),
		jobID, floor,
	)
}

// ReadLogs returns persisted chunks for a job from the given sequence
// (inclusive), in sequence order. limit <= 0 means no limit.
func (s *Store) ReadLogs(jobID string, fromSeq uint64, limit int) ([]*models.LogChunk, error) {
	query := `SELECT job_id, sequence, timestamp, stream, data
	          FROM log_chunks WHERE job_id = ? AND sequence >= ?
	          ORDER BY sequence ASC`
	args := []any{jobID, int64(fromSeq)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer rows.Close()

	var chunks []*models.LogChunk
	for rows.Next() {
		var (
			chunk  models.LogChunk
			seq    int64
			ts     string
			stream string
		)
		if err := rows.Scan(&chunk.JobID, &seq, &ts, &stream, &chunk.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
		}
		chunk.Sequence = uint64(seq)
		chunk.Timestamp = parseTime(ts)
		chunk.Stream = models.LogStream(stream)
		chunks = append(chunks, &chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return chunks, nil
}

// MaxLogSequence returns the highest persisted sequence for a job, 0 when
// none exist.
func (s *Store) MaxLogSequence(jobID string) (uint64, error) {
	var max int64
	err := s.db.QueryRow(s.rebind(
		`SELECT COALESCE(MAX(sequence), 0) FROM log_chunks WHERE job_id = ?`),
		jobID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return uint64(max), nil
}
