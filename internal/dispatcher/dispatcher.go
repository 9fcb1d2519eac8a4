// Package dispatcher drives job state. Every transition funnels through
// here: enqueue, claim via heartbeat, terminal ack, cancel, and the orphan
// sweep that reclaims jobs from dead agents.
package dispatcher

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/facebookgo/clock"

	"github.com/jordanhubbard/deploybot/internal/logbroker"
	"github.com/jordanhubbard/deploybot/internal/metrics"
	"github.com/jordanhubbard/deploybot/internal/models"
	"github.com/jordanhubbard/deploybot/internal/queue"
	"github.com/jordanhubbard/deploybot/internal/store"
)

// EventPublisher receives job lifecycle notifications. Optional; a nil
// publisher disables them.
type EventPublisher interface {
	JobEvent(event string, job *models.Job)
}

// Options configures New.
type Options struct {
	// OrphanTimeout is how long a running job may go without completion
	// before the sweep considers reclaiming it (default 1h).
	OrphanTimeout time.Duration
	// SweepInterval is how often the orphan sweep runs (default 1m).
	SweepInterval time.Duration
	// AgentOfflineAfter matches the registry's offline threshold; a
	// running job is only reclaimed when its agent is offline.
	AgentOfflineAfter time.Duration
	// Clock is swappable for tests. Defaults to the real clock.
	Clock clock.Clock
	// Events is optional.
	Events EventPublisher
}

// Dispatcher owns job transitions.
type Dispatcher struct {
	store   *store.Store
	queue   *queue.Queue
	broker  *logbroker.Broker
	metrics *metrics.Metrics
	events  EventPublisher

	orphanTimeout     time.Duration
	sweepInterval     time.Duration
	agentOfflineAfter time.Duration
	clock             clock.Clock

	done chan struct{}
}

// New creates a dispatcher.
func New(st *store.Store, q *queue.Queue, broker *logbroker.Broker, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.AgentOfflineAfter <= 0 {
		opts.AgentOfflineAfter = 2 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Dispatcher{
		store:             st,
		queue:             q,
		broker:            broker,
		metrics:           m,
		events:            opts.Events,
		orphanTimeout:     opts.OrphanTimeout,
		sweepInterval:     opts.SweepInterval,
		agentOfflineAfter: opts.AgentOfflineAfter,
		clock:             opts.Clock,
		done:              make(chan struct{}),
	}
}

// Enqueue persists a new pending job and queues it. Returns
// models.ErrDuplicateIdempotency when a non-terminal job already exists for
// the same (repo, ref, host).
func (d *Dispatcher) Enqueue(job *models.Job) (*models.Job, error) {
	// Advisory fast path; the store's transactional check is authoritative.
	if d.queue.HasLive(job.IdempotencyKey()) {
		return nil, models.ErrDuplicateIdempotency
	}
	if err := d.store.InsertJob(job); err != nil {
		return nil, err
	}
	d.queue.Add(job)
	d.metrics.QueueDepth.Set(float64(d.queue.TotalDepth()))
	d.publish("created", job)
	log.Printf("[Dispatcher] Enqueued job %s: %s@%s -> %s", job.ID, job.Repo, job.Ref, job.Host)
	return job, nil
}

// Offer hands the agent's hostname its oldest claimable job, or nil when
// there is none. At most one job per call.
func (d *Dispatcher) Offer(hostname, agentID string) (*models.Job, error) {
	job, err := d.queue.TryClaim(hostname, agentID, d.clock.Now().UTC())
	if err != nil || job == nil {
		return nil, err
	}
	d.metrics.JobsRunning.Inc()
	d.metrics.QueueDepth.Set(float64(d.queue.TotalDepth()))
	d.publish("claimed", job)
	return job, nil
}

// Complete records a worker's terminal ack. Re-acking the same terminal
// state is an idempotent no-op; conflicting acks surface the store's error.
func (d *Dispatcher) Complete(jobID, agentID string, status models.JobStatus, detail string) (*models.Job, error) {
	job, err := d.store.CompleteJob(jobID, agentID, status, detail, d.clock.Now().UTC())
	if errors.Is(err, models.ErrAlreadyTerminal) && job != nil && job.Status == status {
		return job, nil
	}
	if err != nil {
		return job, err
	}
	d.finishJob(job)
	d.publish("completed", job)
	log.Printf("[Dispatcher] Job %s completed by agent %s: %s", jobID, agentID, status)
	return job, nil
}

// Cancel moves a pending or running job to cancelled.
func (d *Dispatcher) Cancel(jobID, reason string) (*models.Job, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	job, err := d.store.CancelJob(jobID, reason, d.clock.Now().UTC())
	if err != nil {
		return job, err
	}
	d.queue.Cancel(job)
	d.metrics.QueueDepth.Set(float64(d.queue.TotalDepth()))
	d.finishJob(job)
	d.publish("cancelled", job)
	log.Printf("[Dispatcher] Job %s cancelled: %s", jobID, reason)
	return job, nil
}

// ReleaseClaim puts a claimed job back to pending. Used when a claim landed
// after its heartbeat response had already gone out without the job: the
// agent never learned of the assignment, so waiting for the orphan sweep
// would idle the job for no reason. Losing the race to a worker ack is fine;
// the job reached a terminal state anyway.
func (d *Dispatcher) ReleaseClaim(jobID string) {
	requeued, err := d.store.RequeueJob(jobID)
	if err != nil {
		log.Printf("[Dispatcher] Release of unclaimed job %s skipped: %v", jobID, err)
		return
	}
	d.queue.Requeue(requeued)
	d.metrics.JobsRequeuedTotal.Inc()
	d.metrics.JobsRunning.Dec()
	d.metrics.QueueDepth.Set(float64(d.queue.TotalDepth()))
	d.publish("requeued", requeued)
	log.Printf("[Dispatcher] Released job %s: claim outlived its heartbeat deadline", jobID)
}

// Start reclaims jobs orphaned while the controller was down, then launches
// the periodic sweep. Stop with Stop.
func (d *Dispatcher) Start() {
	d.sweepOrphans()
	go d.sweepLoop()
	log.Printf("[Dispatcher] Orphan sweep every %s, timeout %s", d.sweepInterval, d.orphanTimeout)
}

// Stop halts the background sweep.
func (d *Dispatcher) Stop() {
	close(d.done)
}

func (d *Dispatcher) sweepLoop() {
	ticker := d.clock.Ticker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.sweepOrphans()
		}
	}
}

// sweepOrphans requeues running jobs whose assignment outlived the timeout
// and whose agent is offline. A job on a live agent is left alone however
// long it runs; slow deploys are not orphans.
func (d *Dispatcher) sweepOrphans() {
	now := d.clock.Now().UTC()
	orphans, err := d.store.RunningJobsAssignedBefore(now.Add(-d.orphanTimeout))
	if err != nil {
		log.Printf("[Dispatcher] Orphan sweep query failed: %v", err)
		return
	}
	for _, job := range orphans {
		if !d.agentOffline(job.AssignedAgent, now) {
			continue
		}
		requeued, err := d.store.RequeueJob(job.ID)
		if err != nil {
			// Lost the race with a late worker ack; nothing to do.
			log.Printf("[Dispatcher] Skipping orphan %s: %v", job.ID, err)
			continue
		}
		d.queue.Requeue(requeued)
		d.metrics.JobsRequeuedTotal.Inc()
		d.metrics.JobsRunning.Dec()
		d.metrics.QueueDepth.Set(float64(d.queue.TotalDepth()))
		d.publish("requeued", requeued)
		log.Printf("[Dispatcher] Requeued orphaned job %s from offline agent %s", job.ID, job.AssignedAgent)
	}
}

func (d *Dispatcher) agentOffline(agentID string, now time.Time) bool {
	if agentID == "" {
		return true
	}
	agent, err := d.store.GetAgent(agentID)
	if errors.Is(err, models.ErrAgentUnknown) {
		return true
	}
	if err != nil {
		log.Printf("[Dispatcher] Failed to load agent %s for orphan check: %v", agentID, err)
		return false
	}
	return now.Sub(agent.LastHeartbeat) > d.agentOfflineAfter
}

func (d *Dispatcher) finishJob(job *models.Job) {
	d.queue.OnTerminal(job)
	d.broker.Close(job.ID)
	d.metrics.JobsCompletedTotal.WithLabelValues(string(job.Status)).Inc()
	if job.AssignedAgent != "" {
		d.metrics.JobsRunning.Dec()
	}
}

func (d *Dispatcher) publish(event string, job *models.Job) {
	if d.events != nil {
		d.events.JobEvent(event, job)
	}
}

// ValidateAck converts a worker-reported status string into a terminal
// JobStatus.
func ValidateAck(status string) (models.JobStatus, error) {
	switch models.JobStatus(status) {
	case models.JobSuccess:
		return models.JobSuccess, nil
	case models.JobFailed:
		return models.JobFailed, nil
	}
	return "", fmt.Errorf("invalid terminal status %q", status)
}
