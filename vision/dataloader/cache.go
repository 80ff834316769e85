package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// cacheEntry is the value stored in each LRU list element
type cacheEntry struct {
	key  string
	data []float32
}

// CacheManager is an LRU cache for decoded sample data, keyed by file path.
// It is safe for concurrent use and can be shared between datasets so train
// and validation passes draw from one budget.
type CacheManager struct {
	mu       sync.RWMutex
	lru      *list.List
	elements map[string]*list.Element
	capacity int

	hits      int64
	misses    int64
	evictions int64
}

// NewCacheManager creates a cache holding at most capacity entries. A zero or
// negative capacity disables caching entirely.
func NewCacheManager(capacity int) *CacheManager {
	return &CacheManager{
		lru:      list.New(),
		elements: make(map[string]*list.Element),
		capacity: capacity,
	}
}

// Get retrieves an entry and marks it most recently used
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.elements[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}

	cm.misses++
	return nil, false
}

// Put stores an entry, evicting the least recently used entries over capacity
func (cm *CacheManager) Put(key string, data []float32) {
	if cm.capacity <= 0 {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.elements[key]; ok {
		elem.Value.(*cacheEntry).data = data
		cm.lru.MoveToFront(elem)
		return
	}

	cm.elements[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})

	for cm.lru.Len() > cm.capacity {
		oldest := cm.lru.Back()
		if oldest == nil {
			break
		}
		delete(cm.elements, oldest.Value.(*cacheEntry).key)
		cm.lru.Remove(oldest)
		cm.evictions++
	}
}

// Len returns the number of cached entries
func (cm *CacheManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lru.Len()
}

// Capacity returns the maximum number of entries
func (cm *CacheManager) Capacity() int {
	return cm.capacity
}

// Clear drops every entry. Statistics stay cumulative across clears.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.lru = list.New()
	cm.elements = make(map[string]*list.Element)
}

// ResetStats resets the hit, miss and eviction counters
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
	cm.evictions = 0
}

// Stats returns a snapshot of the cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	s := CacheStats{
		Size:      cm.lru.Len(),
		Capacity:  cm.capacity,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d entries, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.Capacity, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
