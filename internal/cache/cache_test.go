package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New(NewMemoryBackend(), time.Minute)
	ctx := context.Background()

	type item struct {
		Name string `json:"name"`
	}
	c.Set(ctx, "k", []item{{Name: "a"}, {Name: "b"}})

	var got []item
	require.True(t, c.Get(ctx, "k", &got))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestMiss(t *testing.T) {
	c := New(NewMemoryBackend(), time.Minute)
	var got string
	assert.False(t, c.Get(context.Background(), "absent", &got))
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestExpiry(t *testing.T) {
	c := New(NewMemoryBackend(), 10*time.Millisecond)
	ctx := context.Background()
	c.Set(ctx, "k", "v")

	var got string
	require.True(t, c.Get(ctx, "k", &got))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Get(ctx, "k", &got))
}

func TestInvalidate(t *testing.T) {
	c := New(NewMemoryBackend(), time.Minute)
	ctx := context.Background()
	c.Set(ctx, "k", "v")
	c.Invalidate(ctx, "k")

	var got string
	assert.False(t, c.Get(ctx, "k", &got))
}
