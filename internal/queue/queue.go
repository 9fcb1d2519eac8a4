// Package queue holds the in-memory dispatch order. It is a rebuildable
// cache over the store: per-host FIFO partitions of pending job IDs plus an
// advisory index of live idempotency keys. The store remains the source of
// truth for job state; every claim goes through the store's conditional
// update.
package queue

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/deploybot/internal/models"
	"github.com/jordanhubbard/deploybot/internal/store"
)

// Queue partitions pending jobs by target host. All methods are safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	perHost map[string][]*models.Job
	byKey   map[string]string // idempotency key -> job id, non-terminal jobs only
	store   *store.Store
}

// New creates an empty queue backed by the given store.
func New(st *store.Store) *Queue {
	return &Queue{
		perHost: make(map[string][]*models.Job),
		byKey:   make(map[string]string),
		store:   st,
	}
}

// Load rebuilds the queue from persisted pending jobs, oldest first. Called
// once at startup before the HTTP surface accepts traffic.
func (q *Queue) Load() error {
	jobs, err := q.store.PendingJobsInOrder()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.perHost = make(map[string][]*models.Job)
	q.byKey = make(map[string]string)
	for _, job := range jobs {
		q.perHost[job.Host] = append(q.perHost[job.Host], job)
		q.byKey[job.IdempotencyKey()] = job.ID
	}
	if len(jobs) > 0 {
		log.Printf("[Queue] Rebuilt %d pending jobs across %d hosts", len(jobs), len(q.perHost))
	}
	return nil
}

// Add enqueues a freshly persisted pending job at the tail of its host
// partition.
func (q *Queue) Add(job *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.perHost[job.Host] = append(q.perHost[job.Host], job)
	q.byKey[job.IdempotencyKey()] = job.ID
}

// Requeue re-inserts an orphaned job in created-at order so reclaim does not
// push it behind newer work.
func (q *Queue) Requeue(job *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	partition := q.perHost[job.Host]
	idx := len(partition)
	for i, queued := range partition {
		if job.CreatedAt.Before(queued.CreatedAt) {
			idx = i
			break
		}
	}
	partition = append(partition, nil)
	copy(partition[idx+1:], partition[idx:])
	partition[idx] = job
	q.perHost[job.Host] = partition
	q.byKey[job.IdempotencyKey()] = job.ID
}

// HasLive reports whether a non-terminal job already exists for the key.
// Advisory fast path only; the store's transactional check is authoritative.
func (q *Queue) HasLive(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

// TryClaim hands the oldest claimable pending job for the host to the agent.
// The pop and the store claim are deliberately not under one lock: the
// store's pending->running CAS decides the winner, and losers simply move on
// to the next queued job. Returns (nil, nil) when the host has no work.
func (q *Queue) TryClaim(host, agentID string, now time.Time) (*models.Job, error) {
	for {
		job := q.popHead(host)
		if job == nil {
			return nil, nil
		}
		claimed, err := q.store.ClaimJob(job.ID, agentID, now)
		if err == nil {
			log.Printf("[Queue] Job %s claimed by agent %s for host %s", job.ID, agentID, host)
			return claimed, nil
		}
		if errors.Is(err, models.ErrNotClaimable) || errors.Is(err, models.ErrNotFound) {
			// The job was cancelled or claimed elsewhere while queued. Drop
			// its key reservation if it still points at this job and keep
			// going.
			q.release(job)
			log.Printf("[Queue] Job %s no longer claimable, trying next for host %s: %v", job.ID, host, err)
			continue
		}
		// Transient store failure: the job is still pending in the store, so
		// put it back at the head for the next heartbeat instead of stranding
		// it outside the queue.
		q.pushHead(job)
		return nil, err
	}
}

// Cancel removes a pending job from its partition. The caller has already
// cancelled it in the store.
func (q *Queue) Cancel(job *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	partition := q.perHost[job.Host]
	for i, queued := range partition {
		if queued.ID == job.ID {
			q.perHost[job.Host] = append(partition[:i], partition[i+1:]...)
			break
		}
	}
	q.releaseLocked(job)
}

// OnTerminal releases the idempotency key when a job reaches a terminal
// state, allowing a new job for the same (repo, ref, host).
func (q *Queue) OnTerminal(job *models.Job) {
	q.release(job)
}

// Depth returns the number of queued jobs for a host.
func (q *Queue) Depth(host string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.perHost[host])
}

// TotalDepth returns the number of queued jobs across all hosts.
func (q *Queue) TotalDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, partition := range q.perHost {
		total += len(partition)
	}
	return total
}

func (q *Queue) pushHead(job *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.perHost[job.Host] = append([]*models.Job{job}, q.perHost[job.Host]...)
}

func (q *Queue) popHead(host string) *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	partition := q.perHost[host]
	if len(partition) == 0 {
		return nil
	}
	job := partition[0]
	q.perHost[host] = partition[1:]
	return job
}

func (q *Queue) release(job *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(job)
}

func (q *Queue) releaseLocked(job *models.Job) {
	key := job.IdempotencyKey()
	if q.byKey[key] == job.ID {
		delete(q.byKey, key)
	}
}
