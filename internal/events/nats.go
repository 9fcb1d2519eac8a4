// Package events publishes job lifecycle notifications to NATS JetStream so
// external systems (chat notifiers, audit pipelines) can follow deployments
// without polling the API. Publishing is fire-and-forget; the dispatch path
// never blocks on the bus.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// Config holds NATS connection settings.
type Config struct {
	// URL is the NATS server (e.g. "nats://nats:4222").
	URL string
	// StreamName is the JetStream stream (default "DEPLOYBOT").
	StreamName string
	// Timeout is the connection timeout.
	Timeout time.Duration
}

// JobEventMessage is the wire form of one lifecycle event.
type JobEventMessage struct {
	Event     string      `json:"event"`
	Job       *models.Job `json:"job"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher emits job events onto JetStream.
type Publisher struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
}

// NewPublisher connects and ensures the stream exists.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "DEPLOYBOT"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Events] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Events] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &Publisher{conn: nc, js: js, streamName: cfg.StreamName}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	log.Printf("[Events] Publishing job events to stream %s at %s", cfg.StreamName, cfg.URL)
	return p, nil
}

func (p *Publisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.streamName)
	if err == nil {
		return nil
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:      p.streamName,
		Subjects:  []string{"deploybot.jobs.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// JobEvent publishes one event under deploybot.jobs.<event>. Errors are
// logged, not returned; the bus is best-effort.
func (p *Publisher) JobEvent(event string, job *models.Job) {
	msg := JobEventMessage{Event: event, Job: job, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Events] Failed to marshal job event: %v", err)
		return
	}
	subject := fmt.Sprintf("deploybot.jobs.%s", event)
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		log.Printf("[Events] Failed to publish %s for job %s: %v", event, job.ID, err)
	}
}

// Close flushes and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		_ = p.conn.Flush()
		p.conn.Close()
	}
}
