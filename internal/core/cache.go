package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ResolveFunc produces the value for a key on a cache miss.
type ResolveFunc[K comparable, V any] func(K) (V, error)

type cacheEntry[V any] struct {
	Value      V
	LastAccess time.Time
}

// CacheStats is a snapshot of resolution cache counters.
type CacheStats struct {
	Entries  int   `json:"entries"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Failures int64 `json:"failures"`
}

// ResolutionCache is a bounded key→value cache with least-recently-used
// eviction, used to avoid repeating expensive lookups (reverse DNS in the
// network path). A failed resolution is cached as the "unknown" sentinel so
// the same failing lookup is not hammered. The recency list breaks
// last-access ties by insertion order: the earliest inserted entry evicts
// first.
type ResolutionCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries *lru.Cache[K, *cacheEntry[V]]
	resolve ResolveFunc[K, V]
	unknown V

	hits     int64
	misses   int64
	failures int64
}

// NewResolutionCache creates a cache of the given capacity. unknown is the
// sentinel stored when resolve fails.
func NewResolutionCache[K comparable, V any](capacity int, unknown V, resolve ResolveFunc[K, V]) (*ResolutionCache[K, V], error) {
	if capacity <= 0 {
		capacity = 500
	}
	entries, err := lru.New[K, *cacheEntry[V]](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating lru cache: %w", err)
	}
	return &ResolutionCache[K, V]{
		entries: entries,
		resolve: resolve,
		unknown: unknown,
	}, nil
}

// GetOrResolve returns the cached value for key, resolving and inserting it
// on a miss. Inserting beyond capacity evicts the entry with the oldest
// last access. The resolver runs outside the cache lock so a slow lookup
// never blocks other callers.
func (c *ResolutionCache[K, V]) GetOrResolve(key K) V {
	c.mu.Lock()
	if entry, ok := c.entries.Get(key); ok {
		entry.LastAccess = time.Now()
		c.hits++
		val := entry.Value
		c.mu.Unlock()
		return val
	}
	c.misses++
	c.mu.Unlock()

	val, err := c.resolve(key)
	if err != nil {
		val = c.unknown
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.entries.Add(key, &cacheEntry[V]{Value: val, LastAccess: time.Now()})
	c.mu.Unlock()
	return val
}

// Peek returns the cached value without updating recency or resolving.
func (c *ResolutionCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries.Peek(key); ok {
		return entry.Value, true
	}
	var zero V
	return zero, false
}

// Clear empties the cache.
func (c *ResolutionCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the current entry count.
func (c *ResolutionCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns a snapshot of cache counters.
func (c *ResolutionCache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:  c.entries.Len(),
		Hits:     c.hits,
		Misses:   c.misses,
		Failures: c.failures,
	}
}

// cacheRecord is the persisted form of one entry.
type cacheRecord[K comparable, V any] struct {
	Key        K         `json:"key"`
	Value      V         `json:"value"`
	LastAccess time.Time `json:"last_access"`
}

// SaveFile persists the cache as a single JSON file, oldest entry first so
// the recency order survives a reload.
func (c *ResolutionCache[K, V]) SaveFile(path string) error {
	c.mu.Lock()
	records := make([]cacheRecord[K, V], 0, c.entries.Len())
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok {
			records = append(records, cacheRecord[K, V]{
				Key:        key,
				Value:      entry.Value,
				LastAccess: entry.LastAccess,
			})
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}
	return nil
}

// LoadFile restores previously persisted entries. A missing file is not an
// error; entries beyond capacity fall off in recency order as they load.
func (c *ResolutionCache[K, V]) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache file: %w", err)
	}

	var records []cacheRecord[K, V]
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parsing cache file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		c.entries.Add(rec.Key, &cacheEntry[V]{Value: rec.Value, LastAccess: rec.LastAccess})
	}
	return nil
}
