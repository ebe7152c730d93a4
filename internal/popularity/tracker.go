// Package popularity tracks how often each query is issued and decides how
// long its results deserve to stay cached.
package popularity

import (
	"strings"
	"sync"
	"time"
)

// Default tuning values.
const (
	DefaultThreshold      = 3
	DefaultRecentMinCount = 2
	DefaultRecentWindow   = time.Hour
	DefaultShortTTL       = 5 * time.Minute
	DefaultExtendedTTL    = 15 * time.Minute
	DefaultIdleExpiry     = 24 * time.Hour
)

// Config tunes a Tracker. Zero fields take the defaults above.
type Config struct {
	// Threshold is the query count at which a query is popular regardless of recency.
	Threshold int64
	// RecentMinCount is the query count that makes a query popular when it was
	// last seen within RecentWindow.
	RecentMinCount int64
	RecentWindow   time.Duration
	// ShortTTL is the default cache lifetime.
	ShortTTL time.Duration
	// ExtendedTTL is the cache lifetime of popular queries with results.
	ExtendedTTL time.Duration
	// IdleExpiry is how long a record may go unseen before Sweep drops it.
	IdleExpiry time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.RecentMinCount <= 0 {
		c.RecentMinCount = DefaultRecentMinCount
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = DefaultRecentWindow
	}
	if c.ShortTTL <= 0 {
		c.ShortTTL = DefaultShortTTL
	}
	if c.ExtendedTTL <= 0 {
		c.ExtendedTTL = DefaultExtendedTTL
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = DefaultIdleExpiry
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Record holds rolling statistics for one (subject, query) pair.
type Record struct {
	QueryCount      int64          `json:"query_count"`
	ResultCount     RollingAverage `json:"result_count"`
	ExecutionTimeMs RollingAverage `json:"execution_time_ms"`
	LastSearchedAt  time.Time      `json:"last_searched_at"`
}

// Tracker is safe for concurrent use. Record and Sweep take the write lock;
// lookups share a read lock.
type Tracker struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*Record),
	}
}

// NormalizeQuery case-folds, trims, and collapses inner whitespace.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func recordKey(queryText, subjectID string) string {
	return subjectID + "\x00" + NormalizeQuery(queryText)
}

// Name identifies the tracker to the janitor.
func (t *Tracker) Name() string {
	return "popularity"
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Record upserts the statistics for a query occurrence. Failed fetches are
// recorded with resultCount 0.
func (t *Tracker) Record(queryText, subjectID string, resultCount int, executionTimeMs float64) {
	key := recordKey(queryText, subjectID)
	now := t.cfg.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[key]
	if !ok {
		r = &Record{}
		t.records[key] = r
	}
	r.QueryCount++
	r.ResultCount.Update(float64(resultCount))
	r.ExecutionTimeMs.Update(executionTimeMs)
	r.LastSearchedAt = now
}

// IsPopular reports whether the query has been seen at least Threshold
// times, or at least RecentMinCount times with the last one inside
// RecentWindow.
func (t *Tracker) IsPopular(queryText, subjectID string) bool {
	t.mu.RLock()
	r, ok := t.records[recordKey(queryText, subjectID)]
	var rec Record
	if ok {
		rec = *r
	}
	t.mu.RUnlock()

	if !ok {
		return false
	}
	return t.popular(rec, t.cfg.Now())
}

func (t *Tracker) popular(r Record, now time.Time) bool {
	if r.QueryCount >= t.cfg.Threshold {
		return true
	}
	return r.QueryCount >= t.cfg.RecentMinCount && now.Sub(r.LastSearchedAt) <= t.cfg.RecentWindow
}

// DecideTTL returns ExtendedTTL for popular queries that produced results,
// ShortTTL otherwise.
func (t *Tracker) DecideTTL(isPopular, hasResults bool) time.Duration {
	if isPopular && hasResults {
		return t.cfg.ExtendedTTL
	}
	return t.cfg.ShortTTL
}

// Lookup returns a copy of the record for a query.
func (t *Tracker) Lookup(queryText, subjectID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[recordKey(queryText, subjectID)]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Len returns the number of tracked queries.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// PopularCount returns the number of tracked queries that are currently popular.
func (t *Tracker) PopularCount() int {
	now := t.cfg.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, r := range t.records {
		if t.popular(*r, now) {
			n++
		}
	}
	return n
}

// Sweep drops records not seen within IdleExpiry and returns the number removed.
func (t *Tracker) Sweep() int {
	cutoff := t.cfg.Now().Add(-t.cfg.IdleExpiry)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, r := range t.records {
		if r.LastSearchedAt.Before(cutoff) {
			delete(t.records, key)
			removed++
		}
	}
	return removed
}

// Reset drops every record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*Record)
}
