package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	assert.NoError(t, c.Set(ctx, "bundle:1", []byte("x"), time.Minute))
	v, ok := c.Get(ctx, "bundle:1")
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, "bundle:1")
	assert.False(t, ok)
}

func TestMemoryCacheNoTTLAndDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	assert.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.NoError(t, c.Delete(ctx, "k"))
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNewFallsBackToMemory(t *testing.T) {
	_, isMem := New("", zap.NewNop()).(*MemoryCache)
	assert.True(t, isMem)
	_, isMem = New("not a url", zap.NewNop()).(*MemoryCache)
	assert.True(t, isMem)
}
