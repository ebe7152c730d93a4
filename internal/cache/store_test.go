package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(clock *fakeClock, maxSize int) *Store[string] {
	return New(Options[string]{
		Name:       "test",
		MaxSize:    maxSize,
		PopularTTL: 15 * time.Minute,
		Sizer:      func(v string) int { return len(v) },
		Now:        clock.Now,
	})
}

func TestNew_Defaults(t *testing.T) {
	s := New(Options[int]{})
	if s.maxSize != DefaultMaxSize {
		t.Errorf("expected max size %d, got %d", DefaultMaxSize, s.maxSize)
	}
	if s.Name() != "default" {
		t.Errorf("expected name default, got %q", s.Name())
	}
}

func TestStore_GetSet(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	if _, ok := s.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}

	s.Set("a", "alpha", time.Minute)
	v, ok := s.Get("a")
	if !ok || v != "alpha" {
		t.Errorf("Get(a) = %q, %v; want alpha, true", v, ok)
	}
}

func TestStore_SetNonPositiveTTL(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	s.Set("zero", "v", 0)
	s.Set("negative", "v", -time.Second)

	if s.Len() != 0 {
		t.Errorf("expected nothing stored, got %d entries", s.Len())
	}
}

func TestStore_TTLBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantHit bool
	}{
		{"just stored", 0, true},
		{"one tick before expiry", 5*time.Minute - time.Nanosecond, true},
		{"exactly at ttl", 5 * time.Minute, false},
		{"after ttl", 6 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			s := newTestStore(clock, 10)
			s.Set("k", "v", 5*time.Minute)

			clock.Advance(tt.elapsed)
			_, ok := s.Get("k")
			if ok != tt.wantHit {
				t.Errorf("Get after %v: hit = %v, want %v", tt.elapsed, ok, tt.wantHit)
			}
		})
	}
}

func TestStore_ExpiredGetRemovesEntry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	s.Set("k", "v", 5*time.Minute)
	clock.Advance(6 * time.Minute)

	if s.Stats().Size != 1 {
		t.Fatal("expired entry should remain until accessed or swept")
	}
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected miss for expired entry")
	}
	if got := s.Stats().Size; got != 0 {
		t.Errorf("expected size 0 after expired lookup, got %d", got)
	}
}

func TestStore_LRUEviction(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 2)

	s.Set("A", "a", time.Hour)
	clock.Advance(time.Second)
	s.Set("B", "b", time.Hour)
	clock.Advance(time.Second)
	s.Get("A")
	clock.Advance(time.Second)
	s.Set("C", "c", time.Hour)

	if _, ok := s.Get("B"); ok {
		t.Error("expected B to be evicted")
	}
	for _, key := range []string{"A", "C"} {
		if _, ok := s.Get(key); !ok {
			t.Errorf("expected %s to be present", key)
		}
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", s.Len())
	}
}

func TestStore_EvictionTieBreakByAccessCount(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 2)

	// Same timestamp for every operation: the entry with fewer accesses goes.
	s.Set("hot", "h", time.Hour)
	s.Set("cold", "c", time.Hour)
	s.Get("hot")
	s.Get("hot")
	s.Set("new", "n", time.Hour)

	if _, ok := s.Get("cold"); ok {
		t.Error("expected least accessed entry to be evicted")
	}
	if _, ok := s.Get("hot"); !ok {
		t.Error("expected hot entry to survive")
	}
}

func TestStore_SizeNeverExceedsMax(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 5)

	for i := 0; i < 50; i++ {
		s.Set(fmt.Sprintf("k%d", i), "v", time.Hour)
		clock.Advance(time.Millisecond)
		if s.Len() > 5 {
			t.Fatalf("store grew to %d entries", s.Len())
		}
	}
}

func TestStore_OverwriteResetsAccessCount(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	s.Set("k", "v1", time.Minute)
	s.Get("k")
	s.Get("k")
	s.Set("k", "v2", 20*time.Minute)

	s.mu.Lock()
	e := s.entries["k"].Value.(*Entry[string])
	count, ttl := e.AccessCount, e.TTL
	s.mu.Unlock()

	if count != 1 {
		t.Errorf("expected access count reset to 1, got %d", count)
	}
	if ttl != 20*time.Minute {
		t.Errorf("expected new ttl, got %v", ttl)
	}
	if v, _ := s.Get("k"); v != "v2" {
		t.Errorf("expected overwritten value v2, got %q", v)
	}
	if s.Len() != 1 {
		t.Errorf("overwrite should not add entries, got %d", s.Len())
	}
}

func TestStore_InvalidatePrefix(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	s.Set(`s="u1"|q="go"`, "1", time.Hour)
	s.Set(`s="u1"|q="rust"`, "2", time.Hour)
	s.Set(`s="u2"|q="go"`, "3", time.Hour)

	removed := s.InvalidatePrefix(`s="u1"|`)
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, ok := s.Get(`s="u2"|q="go"`); !ok {
		t.Error("expected other subject to survive")
	}
}

func TestStore_DeleteAndFlush(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	s.Set("a", "1", time.Hour)
	s.Set("b", "2", time.Hour)

	if !s.Delete("a") {
		t.Error("expected Delete to report a removal")
	}
	if s.Delete("a") {
		t.Error("expected second Delete to report nothing")
	}
	if n := s.Flush(); n != 1 {
		t.Errorf("expected Flush to remove 1 entry, got %d", n)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	s.Set("short", "1", time.Minute)
	s.Set("long", "2", time.Hour)
	clock.Advance(2 * time.Minute)

	if n := s.Sweep(); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if _, ok := s.Get("long"); !ok {
		t.Error("expected live entry to survive sweep")
	}
	if n := s.Sweep(); n != 0 {
		t.Errorf("expected nothing left to sweep, got %d", n)
	}
}

func TestStore_Stats(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 10)

	empty := s.Stats()
	if empty.Size != 0 || len(empty.TopAccessedKeys) != 0 || empty.AverageTTLMinutes != 0 {
		t.Errorf("unexpected stats for empty store: %+v", empty)
	}

	s.Set("a", "x", 5*time.Minute)
	s.Set("b", "yy", 15*time.Minute)
	s.Get("b")
	s.Get("b")
	s.Get("a")

	st := s.Stats()
	if st.Size != 2 || st.MaxSize != 10 || st.Name != "test" {
		t.Errorf("unexpected stats header: %+v", st)
	}
	if st.PopularEntryCount != 1 {
		t.Errorf("expected 1 popular entry, got %d", st.PopularEntryCount)
	}
	if st.AverageTTLMinutes != 10 {
		t.Errorf("expected average ttl 10m, got %v", st.AverageTTLMinutes)
	}
	if len(st.TopAccessedKeys) != 2 || st.TopAccessedKeys[0] != "b" || st.TopAccessedKeys[1] != "a" {
		t.Errorf("unexpected top keys: %v", st.TopAccessedKeys)
	}
	wantBytes := int64(len("a") + 1 + entryOverheadBytes + len("b") + 2 + entryOverheadBytes)
	if st.EstimatedMemoryBytes != wantBytes {
		t.Errorf("expected %d estimated bytes, got %d", wantBytes, st.EstimatedMemoryBytes)
	}
}

func TestStore_StatsTopKeysLimit(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 100)

	for i := 0; i < 20; i++ {
		s.Set(fmt.Sprintf("k%02d", i), "v", time.Hour)
	}
	if got := len(s.Stats().TopAccessedKeys); got != topKeysLimit {
		t.Errorf("expected %d top keys, got %d", topKeysLimit, got)
	}
}

func TestStore_Concurrency(t *testing.T) {
	s := New(Options[int]{MaxSize: 50})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%80)
				s.Set(key, i, time.Minute)
				s.Get(key)
				if i%50 == 0 {
					s.Sweep()
					s.Stats()
				}
			}
		}(g)
	}
	wg.Wait()

	if s.Len() > 50 {
		t.Errorf("store exceeded max size: %d", s.Len())
	}
}
