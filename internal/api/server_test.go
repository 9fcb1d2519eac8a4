package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/deploybot/internal/auth"
	"github.com/jordanhubbard/deploybot/internal/bindings"
	"github.com/jordanhubbard/deploybot/internal/cache"
	"github.com/jordanhubbard/deploybot/internal/dispatcher"
	"github.com/jordanhubbard/deploybot/internal/logbroker"
	"github.com/jordanhubbard/deploybot/internal/metrics"
	"github.com/jordanhubbard/deploybot/internal/models"
	"github.com/jordanhubbard/deploybot/internal/queue"
	"github.com/jordanhubbard/deploybot/internal/registry"
	"github.com/jordanhubbard/deploybot/internal/store"
	"github.com/jordanhubbard/deploybot/internal/webhook"
)

const testWebhookSecret = "test-webhook-secret"

type env struct {
	server *httptest.Server
	store  *store.Store
	queue  *queue.Queue
	broker *logbroker.Broker
}

type envOptions struct {
	requireTokens     bool
	tokens            *auth.Manager
	withCache         bool
	heartbeatDeadline time.Duration
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(store.Options{
		Type: "sqlite",
		Path: filepath.Join(dir, "deploybot.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bindingsYAML := `
bindings:
  - repository: myorg/web
    hosts: [web-01, web-02]
    deploy_on_push: true
    branches: [main]
`
	bindingsPath := filepath.Join(dir, "apps.yaml")
	require.NoError(t, os.WriteFile(bindingsPath, []byte(bindingsYAML), 0o644))
	loader, err := bindings.NewLoader(bindingsPath)
	require.NoError(t, err)
	t.Cleanup(func() { loader.Close() })

	m := metrics.New(prometheus.NewRegistry())
	q := queue.New(st)
	broker := logbroker.New(st, logbroker.Options{})
	disp := dispatcher.New(st, q, broker, m, dispatcher.Options{})
	reg := registry.New(st, opts.tokens, disp, m, registry.Options{})
	translator := webhook.NewTranslator(testWebhookSecret, loader, disp)

	var responseCache *cache.Cache
	if opts.withCache {
		responseCache = cache.New(cache.NewMemoryBackend(), 50*time.Millisecond)
	}

	srv := NewServer(st, reg, disp, translator, broker, m, opts.tokens, responseCache, Options{
		HeartbeatDeadline:  opts.heartbeatDeadline,
		RequireAgentTokens: opts.requireTokens,
	})
	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(ts.Close)

	return &env{server: ts, store: st, queue: q, broker: broker}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func (e *env) registerAgent(t *testing.T, hostname string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/agents/register",
		models.AgentRegisterRequest{Hostname: hostname}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg models.AgentRegisterResponse
	require.NoError(t, json.Unmarshal(body, &reg))
	return reg.AgentID
}

func (e *env) createJob(t *testing.T, repo, ref, host string) *models.Job {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/jobs",
		models.JobCreateRequest{Repo: repo, Ref: ref, Host: host}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var job models.Job
	require.NoError(t, json.Unmarshal(body, &job))
	return &job
}

func (e *env) heartbeat(t *testing.T, agentID string) *models.HeartbeatResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/agents/"+agentID+"/heartbeat",
		models.HeartbeatRequest{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var hb models.HeartbeatResponse
	require.NoError(t, json.Unmarshal(body, &hb))
	return &hb
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp, body := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

// Push to a bound repo: one job per host, duplicate delivery is a no-op.
func TestWebhookFanOutAndRedelivery(t *testing.T) {
	e := newEnv(t, envOptions{})

	push := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {"full_name": "myorg/web", "clone_url": "https://github.com/myorg/web.git"},
		"head_commit": {"id": "abc123", "message": "release"}
	}`)
	headers := map[string]string{
		"X-Hub-Signature-256": signWebhook(push),
		"X-GitHub-Event":      "push",
		"Content-Type":        "application/json",
	}

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/v1/webhooks/github", bytes.NewReader(push))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var wh models.WebhookResponse
	require.NoError(t, json.Unmarshal(body, &wh))
	assert.Len(t, wh.JobsCreated, 2)

	// Redelivery creates nothing new.
	req2, err := http.NewRequest(http.MethodPost, e.server.URL+"/v1/webhooks/github", bytes.NewReader(push))
	require.NoError(t, err)
	for k, v := range headers {
		req2.Header.Set(k, v)
	}
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var wh2 models.WebhookResponse
	require.NoError(t, json.Unmarshal(body2, &wh2))
	assert.Empty(t, wh2.JobsCreated)
}

func TestWebhookBadSignature(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp, _ := e.do(t, http.MethodPost, "/v1/webhooks/github",
		map[string]string{"ref": "refs/heads/main"},
		map[string]string{"X-Hub-Signature-256": "sha256=deadbeef", "X-GitHub-Event": "push"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, envOptions{})
	agentID := e.registerAgent(t, "web-01")
	job := e.createJob(t, "myorg/web", "abc123", "web-01")

	// Duplicate create conflicts.
	resp, _ := e.do(t, http.MethodPost, "/v1/jobs",
		models.JobCreateRequest{Repo: "myorg/web", Ref: "abc123", Host: "web-01"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Heartbeat pulls the job.
	hb := e.heartbeat(t, agentID)
	require.NotNil(t, hb.Job)
	assert.Equal(t, job.ID, hb.Job.ID)

	// Second heartbeat gets nothing.
	hb2 := e.heartbeat(t, agentID)
	assert.Nil(t, hb2.Job)

	// Ack success.
	resp, body := e.do(t, http.MethodPost, "/v1/agents/"+agentID+"/jobs/"+job.ID,
		models.JobAckRequest{Status: "success", Detail: "deployed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var done models.Job
	require.NoError(t, json.Unmarshal(body, &done))
	assert.Equal(t, models.JobSuccess, done.Status)
	assert.Equal(t, "deployed", done.Result)

	// Duplicate ack is a 200 no-op.
	resp, _ = e.do(t, http.MethodPost, "/v1/agents/"+agentID+"/jobs/"+job.ID,
		models.JobAckRequest{Status: "success", Detail: "deployed"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// GET reflects the terminal state.
	resp, body = e.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Job
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.JobSuccess, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

// An operator cancels a job mid-run; the worker finishes anyway and acks
// success. The ack is accepted as a no-op: the stored status stays cancelled
// and the response says so.
func TestJobAckAfterCancelIsNoOp(t *testing.T) {
	e := newEnv(t, envOptions{})
	agentID := e.registerAgent(t, "web-01")
	job := e.createJob(t, "myorg/web", "abc123", "web-01")

	hb := e.heartbeat(t, agentID)
	require.NotNil(t, hb.Job)

	resp, _ := e.do(t, http.MethodDelete, "/v1/jobs/"+job.ID+"?reason=rollback", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/v1/agents/"+agentID+"/jobs/"+job.ID,
		models.JobAckRequest{Status: "success", Detail: "deployed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Job             *models.Job `json:"job"`
		AlreadyTerminal bool        `json:"already_terminal"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.AlreadyTerminal)
	require.NotNil(t, out.Job)
	assert.Equal(t, models.JobCancelled, out.Job.Status)

	// The store keeps the cancellation.
	got, err := e.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
}

// The claim finishes after the heartbeat deadline has already produced an
// empty response. The agent never learned of the job, so it must return to
// pending right away rather than idling until the orphan sweep.
func TestHeartbeatDeadlineReleasesLateClaim(t *testing.T) {
	e := newEnv(t, envOptions{heartbeatDeadline: time.Nanosecond})
	agentID := e.registerAgent(t, "web-01")
	job := e.createJob(t, "myorg/web", "abc123", "web-01")

	hb := e.heartbeat(t, agentID)
	assert.True(t, hb.Acknowledged)
	assert.Nil(t, hb.Job)

	require.Eventually(t, func() bool {
		got, err := e.store.GetJob(job.ID)
		return err == nil && got.Status == models.JobPending && e.queue.Depth("web-01") == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestJobAckWrongAgent(t *testing.T) {
	e := newEnv(t, envOptions{})
	agentID := e.registerAgent(t, "web-01")
	intruder := e.registerAgent(t, "web-01")
	job := e.createJob(t, "myorg/web", "abc123", "web-01")

	hb := e.heartbeat(t, agentID)
	require.NotNil(t, hb.Job)

	resp, _ := e.do(t, http.MethodPost, "/v1/agents/"+intruder+"/jobs/"+job.ID,
		models.JobAckRequest{Status: "success"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobCancel(t *testing.T) {
	e := newEnv(t, envOptions{})
	job := e.createJob(t, "myorg/web", "abc123", "web-01")

	resp, body := e.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled models.Job
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, models.JobCancelled, cancelled.Status)

	// Cancel of a terminal job conflicts.
	resp, _ = e.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown job is 404.
	resp, _ = e.do(t, http.MethodDelete, "/v1/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobList(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.createJob(t, "myorg/web", "aaa", "web-01")
	e.createJob(t, "myorg/web", "bbb", "web-02")

	resp, body := e.do(t, http.MethodGet, "/v1/jobs?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Jobs []*models.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Jobs, 2)
}

func TestHeartbeatUnknownAgent404(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp, _ := e.do(t, http.MethodPost, "/v1/agents/ghost/heartbeat",
		models.HeartbeatRequest{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHosts(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.registerAgent(t, "web-01")
	e.registerAgent(t, "web-02")

	resp, body := e.do(t, http.MethodGet, "/v1/hosts", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Hosts []*models.HostInfo `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Hosts, 2)
	assert.Equal(t, models.AgentOnline, out.Hosts[0].AgentStatus)
}

func TestLogIngestAndRead(t *testing.T) {
	e := newEnv(t, envOptions{})
	agentID := e.registerAgent(t, "web-01")
	job := e.createJob(t, "myorg/web", "abc123", "web-01")
	hb := e.heartbeat(t, agentID)
	require.NotNil(t, hb.Job)

	// NDJSON chunk stream.
	var buf bytes.Buffer
	for seq := 1; seq <= 3; seq++ {
		fmt.Fprintf(&buf, `{"sequence":%d,"stream":"stdout","data":"%s"}`+"\n",
			seq, toBase64([]byte(fmt.Sprintf("line %d", seq))))
	}
	req, err := http.NewRequest(http.MethodPost,
		e.server.URL+"/v1/agents/"+agentID+"/jobs/"+job.ID+"/logs", &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"accepted":3}`, string(body))

	// Read them back.
	resp2, body2 := e.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/logs?from=2", nil, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var out struct {
		Chunks []*models.LogChunk `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(body2, &out))
	require.Len(t, out.Chunks, 2)
	assert.Equal(t, uint64(2), out.Chunks[0].Sequence)
	assert.Equal(t, []byte("line 2"), out.Chunks[0].Data)
}

func TestLogIngestRejectsUnassignedAgent(t *testing.T) {
	e := newEnv(t, envOptions{})
	agentID := e.registerAgent(t, "web-01")
	job := e.createJob(t, "myorg/web", "abc123", "web-01")

	// Job is still pending; nobody may write its log.
	resp, _ := e.do(t, http.MethodPost,
		"/v1/agents/"+agentID+"/jobs/"+job.ID+"/logs",
		models.LogChunk{Sequence: 1, Data: []byte("x")}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLogStreamSSE(t *testing.T) {
	e := newEnv(t, envOptions{})
	agentID := e.registerAgent(t, "web-01")
	job := e.createJob(t, "myorg/web", "abc123", "web-01")
	hb := e.heartbeat(t, agentID)
	require.NotNil(t, hb.Job)

	require.NoError(t, e.broker.Publish(&models.LogChunk{
		JobID: job.ID, Sequence: 1, Timestamp: time.Now().UTC(),
		Stream: models.StreamStdout, Data: []byte("hello"),
	}))

	resp, err := http.Get(e.server.URL + "/v1/jobs/" + job.ID + "/logs/stream?from=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var mu sync.Mutex
	var output strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				mu.Lock()
				output.Write(buf[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	// Wait for the history chunk, publish a live one, then close.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(output.String(), "event: chunk")
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, e.broker.Publish(&models.LogChunk{
		JobID: job.ID, Sequence: 2, Timestamp: time.Now().UTC(),
		Stream: models.StreamStdout, Data: []byte("more"),
	}))
	e.broker.Close(job.ID)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after sentinel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, output.String(), "event: connected")
	assert.Contains(t, output.String(), "event: close")
}

func TestLogStreamUnknownJob(t *testing.T) {
	e := newEnv(t, envOptions{})
	resp, _ := e.do(t, http.MethodGet, "/v1/jobs/nope/logs/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentTokenAuth(t *testing.T) {
	tokens := auth.NewManager("auth-secret", time.Hour)
	e := newEnv(t, envOptions{requireTokens: true, tokens: tokens})

	resp, body := e.do(t, http.MethodPost, "/v1/agents/register",
		models.AgentRegisterRequest{Hostname: "web-01"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg models.AgentRegisterResponse
	require.NoError(t, json.Unmarshal(body, &reg))
	require.NotEmpty(t, reg.Token)

	// No token: 401.
	resp, _ = e.do(t, http.MethodPost, "/v1/agents/"+reg.AgentID+"/heartbeat",
		models.HeartbeatRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token: 200.
	resp, _ = e.do(t, http.MethodPost, "/v1/agents/"+reg.AgentID+"/heartbeat",
		models.HeartbeatRequest{},
		map[string]string{"Authorization": "Bearer " + reg.Token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Token for a different agent: 401.
	other, err := tokens.MintAgentToken("someone-else", "web-09")
	require.NoError(t, err)
	resp, _ = e.do(t, http.MethodPost, "/v1/agents/"+reg.AgentID+"/heartbeat",
		models.HeartbeatRequest{},
		map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A validly signed token for the right agent id that is not the token
	// handed out at registration fails the stored-hash check.
	forged, err := tokens.MintAgentToken(reg.AgentID, "web-99")
	require.NoError(t, err)
	resp, _ = e.do(t, http.MethodPost, "/v1/agents/"+reg.AgentID+"/heartbeat",
		models.HeartbeatRequest{},
		map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatSessions(t *testing.T) {
	e := newEnv(t, envOptions{})

	resp, body := e.do(t, http.MethodPost, "/v1/chat/sessions",
		map[string]string{"name": "release chat"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess models.ChatSession
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, "default", sess.UserID)

	resp, _ = e.do(t, http.MethodPost, "/v1/chat/sessions/"+sess.ID+"/messages",
		map[string]string{"role": "user", "content": "deploy please"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/v1/chat/sessions/"+sess.ID+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Messages []*models.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "deploy please", out.Messages[0].Content)

	resp, _ = e.do(t, http.MethodPost, "/v1/chat/sessions/"+sess.ID+"/archive", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/v1/chat/sessions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"sessions":[]}`, string(body))
}

func TestCachedJobListServesWithinTTL(t *testing.T) {
	e := newEnv(t, envOptions{withCache: true})
	e.createJob(t, "myorg/web", "aaa", "web-01")

	resp, body := e.do(t, http.MethodGet, "/v1/jobs?status=success", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"jobs":[]}`, string(body))

	// Second read within the TTL hits the cache and must agree.
	resp, body = e.do(t, http.MethodGet, "/v1/jobs?status=success", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"jobs":[]}`, string(body))
}

// toBase64 matches encoding/json's []byte representation.
func toBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
