package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

type countingResolver struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newCountingResolver() *countingResolver {
	return &countingResolver{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (r *countingResolver) resolve(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key]++
	if r.fail[key] {
		return "", errors.New("lookup failed")
	}
	return "host-" + key, nil
}

func (r *countingResolver) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func TestCacheResolvesOnceThenHits(t *testing.T) {
	r := newCountingResolver()
	cache, err := NewResolutionCache[string, string](10, "unknown", r.resolve)
	if err != nil {
		t.Fatal(err)
	}

	if got := cache.GetOrResolve("10.0.0.1"); got != "host-10.0.0.1" {
		t.Fatalf("resolved value = %q", got)
	}
	if got := cache.GetOrResolve("10.0.0.1"); got != "host-10.0.0.1" {
		t.Fatalf("cached value = %q", got)
	}
	if r.count("10.0.0.1") != 1 {
		t.Errorf("resolver invoked %d times, want 1", r.count("10.0.0.1"))
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCacheEvictsOldestAccess(t *testing.T) {
	r := newCountingResolver()
	cache, err := NewResolutionCache[string, string](3, "unknown", r.resolve)
	if err != nil {
		t.Fatal(err)
	}

	cache.GetOrResolve("a")
	cache.GetOrResolve("b")
	cache.GetOrResolve("c")

	// Touch "a" so "b" now holds the oldest last-access timestamp.
	cache.GetOrResolve("a")

	// A fourth distinct key evicts exactly "b".
	cache.GetOrResolve("d")

	if cache.Len() != 3 {
		t.Fatalf("Len = %d, want capacity 3", cache.Len())
	}
	if _, ok := cache.Peek("b"); ok {
		t.Error("entry with oldest last access survived eviction")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := cache.Peek(key); !ok {
			t.Errorf("entry %q was evicted, want retained", key)
		}
	}
}

func TestCacheAccessNeverEvicts(t *testing.T) {
	r := newCountingResolver()
	cache, _ := NewResolutionCache[string, string](2, "unknown", r.resolve)

	cache.GetOrResolve("a")
	cache.GetOrResolve("b")
	for i := 0; i < 10; i++ {
		cache.GetOrResolve("a")
		cache.GetOrResolve("b")
	}
	if cache.Len() != 2 {
		t.Errorf("repeat access changed entry count: %d", cache.Len())
	}
}

func TestCacheFailureCachedAsSentinel(t *testing.T) {
	r := newCountingResolver()
	r.fail["badhost"] = true
	cache, _ := NewResolutionCache[string, string](10, "unknown", r.resolve)

	if got := cache.GetOrResolve("badhost"); got != "unknown" {
		t.Fatalf("failed lookup = %q, want sentinel", got)
	}
	// The sentinel is served from cache: the failing lookup is not hammered.
	if got := cache.GetOrResolve("badhost"); got != "unknown" {
		t.Fatalf("cached sentinel = %q", got)
	}
	if r.count("badhost") != 1 {
		t.Errorf("failing resolver invoked %d times, want 1", r.count("badhost"))
	}
	if stats := cache.Stats(); stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", stats.Failures)
	}
}

func TestCacheClear(t *testing.T) {
	r := newCountingResolver()
	cache, _ := NewResolutionCache[string, string](10, "unknown", r.resolve)

	cache.GetOrResolve("a")
	cache.GetOrResolve("b")
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len after Clear = %d", cache.Len())
	}
	cache.GetOrResolve("a")
	if r.count("a") != 2 {
		t.Errorf("cleared entry was not re-resolved")
	}
}

func TestCacheSaveLoadPreservesRecency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	r := newCountingResolver()
	cache, _ := NewResolutionCache[string, string](3, "unknown", r.resolve)
	cache.GetOrResolve("a")
	cache.GetOrResolve("b")
	cache.GetOrResolve("c")
	cache.GetOrResolve("a") // "b" is now the eviction candidate

	if err := cache.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	r2 := newCountingResolver()
	restored, _ := NewResolutionCache[string, string](3, "unknown", r2.resolve)
	if err := restored.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if restored.Len() != 3 {
		t.Fatalf("restored Len = %d", restored.Len())
	}
	// No resolver calls for restored entries.
	if got := restored.GetOrResolve("c"); got != "host-c" {
		t.Errorf("restored value = %q", got)
	}
	if r2.count("c") != 0 {
		t.Errorf("restored entry was re-resolved")
	}

	// Recency order survived: a new key still evicts "b" first.
	restored.GetOrResolve("d")
	if _, ok := restored.Peek("b"); ok {
		t.Error("restored recency order lost: b should evict first")
	}
}

func TestCacheLoadMissingFileIsNotAnError(t *testing.T) {
	cache, _ := NewResolutionCache[string, string](3, "unknown", func(string) (string, error) { return "", nil })
	if err := cache.LoadFile(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("missing cache file should start cold, got %v", err)
	}
}

func TestCacheLoadTruncatesAtCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	r := newCountingResolver()
	big, _ := NewResolutionCache[string, string](10, "unknown", r.resolve)
	for i := 0; i < 6; i++ {
		big.GetOrResolve(fmt.Sprintf("k%d", i))
	}
	if err := big.SaveFile(path); err != nil {
		t.Fatal(err)
	}

	small, _ := NewResolutionCache[string, string](3, "unknown", r.resolve)
	if err := small.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if small.Len() != 3 {
		t.Fatalf("Len = %d, want 3", small.Len())
	}
	// The newest three persisted entries win.
	for _, key := range []string{"k3", "k4", "k5"} {
		if _, ok := small.Peek(key); !ok {
			t.Errorf("expected %q to survive capacity truncation", key)
		}
	}
}
