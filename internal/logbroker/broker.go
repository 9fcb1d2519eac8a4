// Package logbroker ingests job log chunks and fans them out to live
// subscribers. Chunks are persisted first, then held in a bounded per-job
// ring so reconnecting subscribers can usually catch up without touching the
// database. Publishers never block on subscribers: a slow subscriber is
// dropped once its buffer fills.
package logbroker

import (
	"log"
	"sync"

	"github.com/jordanhubbard/deploybot/internal/models"
	"github.com/jordanhubbard/deploybot/internal/store"
)

// EventType distinguishes subscription events.
type EventType int

const (
	// EventChunk carries one log chunk.
	EventChunk EventType = iota
	// EventClosed is the terminal sentinel: the job finished and the
	// stream has ended.
	EventClosed
	// EventDropped means this subscriber fell too far behind and was
	// disconnected. Other subscribers are unaffected.
	EventDropped
)

// Event is one item on a subscription stream.
type Event struct {
	Type  EventType
	Chunk *models.LogChunk
}

// Subscription is one consumer of a job's log stream.
type Subscription struct {
	events chan Event
	live   chan *models.LogChunk

	dropOnce sync.Once
	dropped  chan struct{}

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Events is the consumer-facing stream. It is closed after EventClosed or
// EventDropped.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Cancel detaches the subscriber. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

func (s *Subscription) drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

// jobStream is the live state for one job with an open log stream.
type jobStream struct {
	ring    []*models.LogChunk // bounded, oldest first
	lastSeq uint64
	subs    map[*Subscription]struct{}
	closed  bool
}

// Broker owns every active job stream.
type Broker struct {
	mu       sync.Mutex
	store    *store.Store
	ringSize int
	subLimit int
	dropHook func(jobID string)
	jobs     map[string]*jobStream
}

// Options configures New. Zero values take the defaults.
type Options struct {
	// RingSize bounds buffered chunks per active job (default 4096).
	RingSize int
	// SubscriberBuffer is the per-subscriber queue; a subscriber that
	// falls this far behind is dropped (default 1024).
	SubscriberBuffer int
	// DropHook, when set, is called once per dropped subscriber.
	DropHook func(jobID string)
}

// New creates a broker backed by the given store.
func New(st *store.Store, opts Options) *Broker {
	if opts.RingSize <= 0 {
		opts.RingSize = 4096
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 1024
	}
	return &Broker{
		store:    st,
		ringSize: opts.RingSize,
		subLimit: opts.SubscriberBuffer,
		dropHook: opts.DropHook,
		jobs:     make(map[string]*jobStream),
	}
}

// Publish persists one chunk and pushes it to live subscribers. Re-delivered
// sequences are deduplicated by the store and skipped for fan-out. Publishing
// to a closed stream persists the chunk but wakes nobody.
func (b *Broker) Publish(chunk *models.LogChunk) error {
	if err := b.store.AppendLog(chunk); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	js := b.jobs[chunk.JobID]
	if js == nil || js.closed {
		return nil
	}
	if chunk.Sequence <= js.lastSeq && js.lastSeq != 0 {
		// Worker retry of an already-delivered chunk.
		return nil
	}
	js.lastSeq = chunk.Sequence
	js.ring = append(js.ring, chunk)
	if len(js.ring) > b.ringSize {
		js.ring = js.ring[len(js.ring)-b.ringSize:]
	}

	for sub := range js.subs {
		select {
		case sub.live <- chunk:
		default:
			// Buffer full: this subscriber is too slow. Drop it without
			// blocking the writer or other subscribers.
			delete(js.subs, sub)
			sub.drop()
			if b.dropHook != nil {
				b.dropHook(chunk.JobID)
			}
			log.Printf("[LogBroker] Dropped slow subscriber for job %s at seq %d", chunk.JobID, chunk.Sequence)
		}
	}
	return nil
}

// Subscribe streams a job's log from the given sequence (inclusive):
// history first, then live chunks, then a close sentinel when the job
// terminates. History inside the ring is served from memory; older history
// falls back to the store.
func (b *Broker) Subscribe(jobID string, from uint64) (*Subscription, error) {
	job, err := b.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		events:    make(chan Event),
		live:      make(chan *models.LogChunk, b.subLimit),
		dropped:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}

	var history []*models.LogChunk
	closed := false
	fromRing := false

	b.mu.Lock()
	js := b.jobs[jobID]
	if js == nil {
		if job.Status.Terminal() {
			closed = true
		} else {
			js = &jobStream{subs: make(map[*Subscription]struct{})}
			b.jobs[jobID] = js
		}
	}
	if js != nil {
		// The ring only covers history when it actually holds the requested
		// sequence. An empty ring says nothing: chunks published before the
		// stream existed live only in the store.
		if len(js.ring) > 0 && from >= js.ring[0].Sequence {
			fromRing = true
			for _, c := range js.ring {
				if c.Sequence >= from {
					history = append(history, c)
				}
			}
		}
		js.subs[sub] = struct{}{}
	}
	b.mu.Unlock()

	if !fromRing {
		// Requested sequence predates the ring (or the job is done and the
		// ring is gone): read persisted history. The subscriber is already
		// registered, so anything published meanwhile lands in its live
		// buffer and is deduplicated on delivery.
		persisted, err := b.store.ReadLogs(jobID, from, 0)
		if err != nil {
			b.unsubscribe(jobID, sub)
			return nil, err
		}
		history = persisted
	}

	go sub.run(history, closed, func() { b.unsubscribe(jobID, sub) })
	return sub, nil
}

// Close terminates a job's stream: subscribers get the close sentinel, the
// ring is freed, persisted logs remain readable. Idempotent.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	js := b.jobs[jobID]
	if js == nil || js.closed {
		b.mu.Unlock()
		return
	}
	js.closed = true
	subs := js.subs
	js.subs = make(map[*Subscription]struct{})
	delete(b.jobs, jobID)
	b.mu.Unlock()

	for sub := range subs {
		close(sub.live)
	}
}

// ActiveStreams returns the number of jobs with an open stream.
func (b *Broker) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

func (b *Broker) unsubscribe(jobID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if js := b.jobs[jobID]; js != nil {
		delete(js.subs, sub)
	}
}

// run delivers history, then live chunks, deduplicating by sequence so a
// chunk that landed in both is seen once.
func (s *Subscription) run(history []*models.LogChunk, closed bool, detach func()) {
	defer close(s.events)
	defer detach()

	var last uint64
	send := func(ev Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-s.cancelled:
			return false
		}
	}

	for _, chunk := range history {
		if chunk.Sequence <= last && last != 0 {
			continue
		}
		if !send(Event{Type: EventChunk, Chunk: chunk}) {
			return
		}
		last = chunk.Sequence
	}
	if closed {
		send(Event{Type: EventClosed})
		return
	}

	for {
		select {
		case <-s.cancelled:
			return
		case <-s.dropped:
			send(Event{Type: EventDropped})
			return
		case chunk, ok := <-s.live:
			if !ok {
				// Stream closed by the broker; drain nothing, signal end.
				send(Event{Type: EventClosed})
				return
			}
			if chunk.Sequence <= last && last != 0 {
				continue
			}
			if !send(Event{Type: EventChunk, Chunk: chunk}) {
				return
			}
			last = chunk.Sequence
		}
	}
}
