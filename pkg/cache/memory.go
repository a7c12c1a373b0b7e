package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// cacheEntry represents a single cache entry
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCacheWithClock creates a cache whose expiry follows clk
func NewMemoryCacheWithClock(defaultTTL time.Duration, maxSize int, clk clock.Clock) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		ttl:     defaultTTL,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Set stores a value in the cache with TTL
func (mc *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Use default TTL if not provided
	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.clock.Now()
	mc.data[key] = &cacheEntry{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}

	logger.Debug("Cache entry added",
		zap.String("key", key),
		zap.Duration("ttl", ttl),
		zap.Int("size", len(mc.data)),
	)
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) (interface{}, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, exists := mc.data[key]
	if !exists {
		return nil, false
	}

	if !mc.clock.Now().Before(entry.expiresAt) {
		delete(mc.data, key)
		return nil, false
	}

	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
	logger.Debug("Cache entry deleted", zap.String("key", key))
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry from the cache
func (mc *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		logger.Debug("Cache entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime),
		)
	}
}

// cleanupExpired removes expired entries from the cache
func (mc *MemoryCache) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.clock.Now()
	expiredCount := 0

	for key, entry := range mc.data {
		if !now.Before(entry.expiresAt) {
			delete(mc.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expiredCount),
			zap.Int("remaining", len(mc.data)),
		)
	}
}

// StartCleanup starts a goroutine to clean up expired entries
// Returns a stop function that can be called to cancel the cleanup goroutine
func (mc *MemoryCache) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := mc.clock.Ticker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
