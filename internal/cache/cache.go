// Package cache is a small read-path cache for hot list endpoints. Reads may
// be stale by at most the TTL, which the API tolerates; writes always go to
// the store. Backends: in-process memory (default) or Redis for multi-replica
// deployments.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is the storage interface.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// Stats tracks hit rates.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache wraps a backend with JSON encoding and stats.
type Cache struct {
	backend Backend
	ttl     time.Duration

	mu    sync.Mutex
	stats Stats
}

// New creates a cache with the given backend and default TTL.
func New(backend Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Cache{backend: backend, ttl: ttl}
}

// Get unmarshals a cached value into out. Returns false on miss.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	data, ok := c.backend.Get(ctx, key)
	c.mu.Lock()
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// Set stores a value under the default TTL. Marshal failures are dropped;
// the cache is best-effort.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.backend.Set(ctx, key, data, c.ttl)
}

// Invalidate removes a key after a write.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.backend.Delete(ctx, key)
}

// Stats returns a snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// memoryBackend is the in-process default.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{entries: make(map[string]memoryEntry)}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return entry.data, true
}

func (m *memoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	m.entries[key] = memoryEntry{data: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
}

func (m *memoryBackend) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// redisBackend shares the cache across controller replicas.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis using a URL
// (redis://[:password@]host:port/db).
func NewRedisBackend(url string) (Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisBackend{client: client}, nil
}

func (r *redisBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (r *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	r.client.Set(ctx, key, value, ttl)
}

func (r *redisBackend) Delete(ctx context.Context, key string) {
	r.client.Del(ctx, key)
}
