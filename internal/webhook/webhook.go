// Package webhook verifies GitHub push deliveries and expands them into
// deployment jobs via the repo bindings.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/deploybot/internal/bindings"
	"github.com/jordanhubbard/deploybot/internal/models"
)

// zeroSHA is the "after" value GitHub sends on branch deletion.
const zeroSHA = "0000000000000000000000000000000000000000"

// Enqueuer persists and queues a job. Implemented by the dispatcher.
type Enqueuer interface {
	Enqueue(job *models.Job) (*models.Job, error)
}

// pushPayload is the controller-side metadata attached to webhook jobs. The
// agent receives it verbatim.
type pushPayload struct {
	App           string `json:"app,omitempty"`
	Branch        string `json:"branch"`
	CloneURL      string `json:"clone_url,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	Trigger       string `json:"trigger"`
}

// Translator turns verified push events into jobs.
type Translator struct {
	secret   []byte
	bindings *bindings.Loader
	enqueuer Enqueuer
}

// NewTranslator creates a translator with the shared webhook secret.
func NewTranslator(secret string, loader *bindings.Loader, enq Enqueuer) *Translator {
	return &Translator{secret: []byte(secret), bindings: loader, enqueuer: enq}
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// body. Comparison is constant-time.
func (t *Translator) VerifySignature(body []byte, header string) error {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return models.ErrSignatureInvalid
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return models.ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return models.ErrSignatureInvalid
	}
	return nil
}

// Ingest verifies and processes one delivery. Non-push events and unmatched
// pushes are acknowledged with zero jobs. Idempotency collisions are skipped
// silently: redelivery of the same push must not error.
func (t *Translator) Ingest(body []byte, signature, eventType string) (*models.WebhookResponse, error) {
	if err := t.VerifySignature(body, signature); err != nil {
		return nil, err
	}

	resp := &models.WebhookResponse{Received: true, JobsCreated: []string{}}
	if eventType != "push" {
		return resp, nil
	}

	var event models.GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse push event: %w", err)
	}
	if event.Ref == "" || event.Repository.FullName == "" {
		return resp, nil
	}
	// Branch deletions push a zero SHA; nothing to deploy.
	if event.After == "" || event.After == zeroSHA {
		return resp, nil
	}

	repo := event.Repository.FullName
	branch := branchFromRef(event.Ref)
	matched := t.bindings.Current().Matches(repo, branch)
	if len(matched) == 0 {
		log.Printf("[Webhook] Push to %s@%s matched no bindings", repo, branch)
		return resp, nil
	}

	payload := pushPayload{
		Branch:   branch,
		CloneURL: event.Repository.CloneURL,
		Trigger:  "github_webhook",
	}
	if event.HeadCommit != nil {
		payload.CommitMessage = event.HeadCommit.Message
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	for _, binding := range matched {
		for _, host := range binding.Hosts {
			job := &models.Job{
				ID:   uuid.New().String(),
				Repo: repo,
				// The commit SHA pins the deployment to the exact push.
				Ref:       event.After,
				Host:      host,
				Payload:   payloadJSON,
				Status:    models.JobPending,
				CreatedAt: time.Now().UTC(),
			}
			created, err := t.enqueuer.Enqueue(job)
			if errors.Is(err, models.ErrDuplicateIdempotency) {
				log.Printf("[Webhook] Skipping duplicate job for %s@%s on %s", repo, event.After, host)
				continue
			}
			if err != nil {
				return nil, err
			}
			resp.JobsCreated = append(resp.JobsCreated, created.ID)
		}
	}

	log.Printf("[Webhook] Push to %s@%s created %d jobs", repo, branch, len(resp.JobsCreated))
	return resp, nil
}

func branchFromRef(ref string) string {
	if branch, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return branch
	}
	return ref
}
