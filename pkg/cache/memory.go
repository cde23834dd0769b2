package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"supportwidget-backend/pkg/logger"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache.
// A zero defaultTTL keeps entries until evicted; maxSize <= 0 means unbounded.
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value in the cache with TTL (0 uses the default TTL)
func (mc *MemoryCache) Set(key string, value any, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	entry := &cacheEntry{value: value, createdAt: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	mc.data[key] = entry

	logger.Debug("Cache entry added",
		zap.String("key", key),
		zap.Duration("ttl", ttl),
		zap.Int("size", len(mc.data)),
	)
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(key string) (any, bool) {
	mc.mu.RLock()
	entry, exists := mc.data[key]
	mc.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if mc.expired(entry) {
		mc.mu.Lock()
		if current, ok := mc.data[key]; ok && current == entry {
			delete(mc.data, key)
		}
		mc.mu.Unlock()
		return nil, false
	}

	return entry.value, true
}

// Has reports whether a live entry exists for key
func (mc *MemoryCache) Has(key string) bool {
	_, ok := mc.Get(key)
	return ok
}

// Delete removes a value from the cache
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
}

// Clear removes all entries from the cache
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.data = make(map[string]*cacheEntry)
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

func (mc *MemoryCache) expired(entry *cacheEntry) bool {
	return !entry.expiresAt.IsZero() && mc.now().After(entry.expiresAt)
}

// evictOldest removes the oldest entry. Caller holds the write lock.
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

func (mc *MemoryCache) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	expiredCount := 0
	for key, entry := range mc.data {
		if mc.expired(entry) {
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
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
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
	return func() { once.Do(func() { close(stop) }) }
}

// Tombstones remembers ids of things that are finished so that late
// notifications about them can be recognised and dropped.
type Tombstones struct {
	cache *MemoryCache
}

// NewTombstones creates a tombstone set whose entries live for ttl
func NewTombstones(ttl time.Duration, maxSize int) *Tombstones {
	return &Tombstones{cache: NewMemoryCache(ttl, maxSize)}
}

// Bury marks id as finished
func (t *Tombstones) Bury(id string) {
	t.cache.Set(id, struct{}{}, 0)
}

// Buried reports whether id was marked finished and has not expired
func (t *Tombstones) Buried(id string) bool {
	return t.cache.Has(id)
}

// Forget removes every tombstone
func (t *Tombstones) Forget() {
	t.cache.Clear()
}
