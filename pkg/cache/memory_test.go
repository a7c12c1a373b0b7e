package cache

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestMemoryCache_TTL(t *testing.T) {
	mock := clock.NewMock()
	c := NewMemoryCacheWithClock(30*time.Second, 10, mock)

	c.Set("presence:u1", "busy", 0)
	v, ok := c.Get("presence:u1")
	assert.True(t, ok)
	assert.Equal(t, "busy", v)

	mock.Add(29 * time.Second)
	_, ok = c.Get("presence:u1")
	assert.True(t, ok)

	mock.Add(time.Second)
	_, ok = c.Get("presence:u1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	mock := clock.NewMock()
	c := NewMemoryCacheWithClock(time.Minute, 2, mock)

	c.Set("a", 1, 0)
	mock.Add(time.Second)
	c.Set("b", 2, 0)
	mock.Add(time.Second)
	c.Set("c", 3, 0)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())

	// Overwriting an existing key does not evict.
	c.Set("b", 20, 0)
	v, _ := c.Get("b")
	assert.Equal(t, 20, v)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCacheWithClock(time.Minute, 0, clock.NewMock())
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Delete("a")
	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestMemoryCache_CleanupExpired(t *testing.T) {
	mock := clock.NewMock()
	c := NewMemoryCacheWithClock(time.Second, 0, mock)
	c.Set("a", 1, 0)
	c.Set("b", 2, time.Minute)

	mock.Add(2 * time.Second)
	c.cleanupExpired()
	assert.Equal(t, 1, c.Size())
}
