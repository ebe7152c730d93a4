// Package cache provides a bounded in-process key/value store with per-entry
// TTL expiry and least-recently-used eviction.
package cache

import (
	"container/list"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxSize is the default entry cap of a store.
const DefaultMaxSize = 500

// topKeysLimit bounds the number of keys reported by Stats.
const topKeysLimit = 10

// entryOverheadBytes approximates the bookkeeping cost of one entry
// (list element, map bucket, timestamps).
const entryOverheadBytes = 128

// Entry is a cached value with its access bookkeeping.
// Entries are only mutated by the Store that owns them.
type Entry[V any] struct {
	Key            string
	Value          V
	StoredAt       time.Time
	TTL            time.Duration
	AccessCount    int64
	LastAccessedAt time.Time
	Size           int
}

// expired reports whether the entry is stale at now.
func (e *Entry[V]) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// Options configures a Store.
type Options[V any] struct {
	// Name labels the store in metrics and logs (e.g., "search", "tags").
	Name string
	// MaxSize is the maximum number of entries. Defaults to DefaultMaxSize.
	MaxSize int
	// PopularTTL marks entries stored with a TTL at or above it as popular
	// in Stats. Zero disables popular accounting.
	PopularTTL time.Duration
	// Sizer estimates the memory footprint of a value in bytes. Optional.
	Sizer func(V) int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Metrics receives hit/miss/eviction counts. Optional.
	Metrics *Metrics
}

// Stats is a read-only snapshot of a store for dashboards and tests.
type Stats struct {
	Name                 string   `json:"name"`
	Size                 int      `json:"size"`
	MaxSize              int      `json:"max_size"`
	PopularEntryCount    int      `json:"popular_entry_count"`
	TopAccessedKeys      []string `json:"top_accessed_keys"`
	EstimatedMemoryBytes int64    `json:"estimated_memory_bytes"`
	AverageTTLMinutes    float64  `json:"average_ttl_minutes"`
}

// Store is a TTL + LRU cache. All operations are serialized by a single
// mutex; even Get mutates (access bookkeeping and lazy expiry).
type Store[V any] struct {
	name       string
	maxSize    int
	popularTTL time.Duration
	sizer      func(V) int
	now        func() time.Time
	metrics    *Metrics

	mu      sync.Mutex
	entries map[string]*list.Element
	// order holds *Entry[V], most recently used at the front.
	order *list.List
}

// New creates an empty store.
func New[V any](opts Options[V]) *Store[V] {
	s := &Store[V]{
		name:       opts.Name,
		maxSize:    opts.MaxSize,
		popularTTL: opts.PopularTTL,
		sizer:      opts.Sizer,
		now:        opts.Now,
		metrics:    opts.Metrics,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
	if s.maxSize <= 0 {
		s.maxSize = DefaultMaxSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.name == "" {
		s.name = "default"
	}
	return s
}

// Name returns the store's label.
func (s *Store[V]) Name() string {
	return s.name
}

// Get returns the value for key. Expired entries are deleted and reported
// as a miss. A hit bumps the entry's access count and LRU position.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		s.metrics.miss(s.name)
		return zero, false
	}

	now := s.now()
	e := el.Value.(*Entry[V])
	if e.expired(now) {
		s.removeElement(el)
		s.metrics.expired(s.name, 1)
		s.metrics.miss(s.name)
		s.metrics.setSize(s.name, len(s.entries))
		return zero, false
	}

	e.AccessCount++
	e.LastAccessedAt = now
	s.order.MoveToFront(el)
	s.metrics.hit(s.name)
	return e.Value, true
}

// Set stores value under key for ttl. Overwriting resets the access count.
// When the store is full and key is new, the least recently used entry is
// evicted first. A non-positive ttl stores nothing.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	size := len(key) + entryOverheadBytes
	if s.sizer != nil {
		size += s.sizer(value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.entries[key]; ok {
		e := el.Value.(*Entry[V])
		e.Value = value
		e.StoredAt = now
		e.TTL = ttl
		e.AccessCount = 1
		e.LastAccessedAt = now
		e.Size = size
		s.order.MoveToFront(el)
		return
	}

	for len(s.entries) >= s.maxSize {
		if !s.evictOne() {
			break
		}
	}

	e := &Entry[V]{
		Key:            key,
		Value:          value,
		StoredAt:       now,
		TTL:            ttl,
		AccessCount:    1,
		LastAccessedAt: now,
		Size:           size,
	}
	s.entries[key] = s.order.PushFront(e)
	s.metrics.setSize(s.name, len(s.entries))
}

// evictOne removes the least recently used entry. Among entries sharing the
// oldest access time, the one with the fewest accesses goes first.
// Caller must hold s.mu.
func (s *Store[V]) evictOne() bool {
	victim := s.order.Back()
	if victim == nil {
		return false
	}

	oldest := victim.Value.(*Entry[V])
	for el := victim.Prev(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry[V])
		if !e.LastAccessedAt.Equal(oldest.LastAccessedAt) {
			break
		}
		if e.AccessCount < victim.Value.(*Entry[V]).AccessCount {
			victim = el
		}
	}

	s.removeElement(victim)
	s.metrics.evicted(s.name)
	return true
}

// removeElement unlinks el from the list and the index. Caller must hold s.mu.
func (s *Store[V]) removeElement(el *list.Element) {
	e := s.order.Remove(el).(*Entry[V])
	delete(s.entries, e.Key)
}

// Delete removes key. Returns whether an entry was present.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeElement(el)
	s.metrics.invalidated(s.name, 1)
	s.metrics.setSize(s.name, len(s.entries))
	return true
}

// Invalidate removes every entry whose key satisfies match and returns the
// number removed.
func (s *Store[V]) Invalidate(match func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, el := range s.entries {
		if match(key) {
			s.removeElement(el)
			removed++
		}
	}
	if removed > 0 {
		s.metrics.invalidated(s.name, removed)
		s.metrics.setSize(s.name, len(s.entries))
	}
	return removed
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (s *Store[V]) InvalidatePrefix(prefix string) int {
	return s.Invalidate(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// Flush removes every entry.
func (s *Store[V]) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.entries)
	s.entries = make(map[string]*list.Element)
	s.order.Init()
	if removed > 0 {
		s.metrics.invalidated(s.name, removed)
		s.metrics.setSize(s.name, 0)
	}
	return removed
}

// Sweep deletes every expired entry, independent of lookups, and returns
// the number removed.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, el := range s.entries {
		if el.Value.(*Entry[V]).expired(now) {
			s.removeElement(el)
			removed++
		}
	}
	if removed > 0 {
		s.metrics.expired(s.name, removed)
		s.metrics.setSize(s.name, len(s.entries))
	}
	return removed
}

// Len returns the number of entries, including expired entries that have
// not been swept yet.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a snapshot of the store.
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Name:            s.name,
		Size:            len(s.entries),
		MaxSize:         s.maxSize,
		TopAccessedKeys: []string{},
	}
	if len(s.entries) == 0 {
		return st
	}

	all := make([]*Entry[V], 0, len(s.entries))
	var ttlSum time.Duration
	for _, el := range s.entries {
		e := el.Value.(*Entry[V])
		all = append(all, e)
		ttlSum += e.TTL
		st.EstimatedMemoryBytes += int64(e.Size)
		if s.popularTTL > 0 && e.TTL >= s.popularTTL {
			st.PopularEntryCount++
		}
	}
	st.AverageTTLMinutes = (ttlSum / time.Duration(len(all))).Minutes()

	sort.Slice(all, func(i, j int) bool {
		if all[i].AccessCount != all[j].AccessCount {
			return all[i].AccessCount > all[j].AccessCount
		}
		return all[i].Key < all[j].Key
	})
	for i := 0; i < len(all) && i < topKeysLimit; i++ {
		st.TopAccessedKeys = append(st.TopAccessedKeys, all[i].Key)
	}

	return st
}
