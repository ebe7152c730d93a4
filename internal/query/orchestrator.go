// Package query serves ranked, cached result pages. Each call moves through
// cache check, fetch on miss, scoring for ranked feeds, and a cache write
// whose TTL comes from the popularity tracker.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/feedrank/internal/cache"
	"github.com/onnwee/feedrank/internal/popularity"
	"github.com/onnwee/feedrank/internal/ranking"
	"github.com/onnwee/feedrank/internal/tracing"
)

// Defaults for Config.
const (
	DefaultMaxPageSize = 100
	DefaultTagTTL      = 10 * time.Minute
)

const tagsKey = "tags"

// Fetcher is the data store's page query interface.
type Fetcher interface {
	FetchPage(ctx context.Context, subjectID, queryText string, f Filters, p Page) ([]ranking.Item, int, error)
}

// Tag is one entry of the tag catalogue.
type Tag struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ArticleCount int    `json:"article_count"`
}

// TagSource lists the tag catalogue.
type TagSource interface {
	FetchTags(ctx context.Context) ([]Tag, error)
}

// CachedPage is the value stored per search key.
type CachedPage struct {
	Items      []ranking.Scored `json:"items"`
	TotalCount int              `json:"total_count"`
	Excluded   []string         `json:"excluded,omitempty"`
}

// PageCache stores result pages. *cache.Store[CachedPage] implements it.
type PageCache interface {
	Get(key string) (CachedPage, bool)
	Set(key string, value CachedPage, ttl time.Duration)
	Invalidate(match func(key string) bool) int
	InvalidatePrefix(prefix string) int
	Flush() int
	Stats() cache.Stats
}

// TagCache stores the tag listing. *cache.Store[[]Tag] implements it.
type TagCache interface {
	Get(key string) ([]Tag, bool)
	Set(key string, value []Tag, ttl time.Duration)
	Flush() int
	Stats() cache.Stats
}

// ContentEventKind names a content mutation.
type ContentEventKind string

const (
	ContentCreated ContentEventKind = "created"
	ContentUpdated ContentEventKind = "updated"
	ContentDeleted ContentEventKind = "deleted"
)

// ContentEvent reports a mutation of underlying content.
type ContentEvent struct {
	Kind      ContentEventKind `json:"kind"`
	ContentID string           `json:"content_id"`
	AuthorID  string           `json:"author_id,omitempty"`
}

// Request is one query.
type Request struct {
	SubjectID string
	Text      string
	Filters   Filters
	// Weights overrides the default weights for this request. Optional.
	Weights *ranking.Weights
	Page    Page
}

// Result is one served page.
type Result struct {
	Items           []ranking.Scored `json:"items"`
	TotalCount      int              `json:"total_count"`
	HasMore         bool             `json:"has_more"`
	ExecutionTimeMs float64          `json:"execution_time_ms"`
	CacheHit        bool             `json:"cache_hit"`
	// Excluded lists items dropped from scoring because they were malformed.
	Excluded []string `json:"excluded,omitempty"`
}

// Stats is the cache inspection snapshot.
type Stats struct {
	Search         cache.Stats `json:"search"`
	Tags           cache.Stats `json:"tags"`
	TrackedQueries int         `json:"tracked_queries"`
	PopularQueries int         `json:"popular_queries"`
}

// Config tunes an Orchestrator.
type Config struct {
	// Weights are the default ranking weights. Zero value uses ranking.DefaultWeights.
	Weights *ranking.Weights
	// MaxPageSize caps Page.Limit. Defaults to DefaultMaxPageSize.
	MaxPageSize int
	// TagTTL is the lifetime of the cached tag listing. Defaults to DefaultTagTTL.
	TagTTL time.Duration
	// FetchTimeout bounds each data store call. Zero means no extra bound.
	FetchTimeout time.Duration
	// CoalesceFetches shares one in-flight fetch between concurrent misses
	// for the same key.
	CoalesceFetches bool
	// CacheMaxSize bounds the default search store. Ignored when Deps.Search is set.
	CacheMaxSize int
	// TagCacheMaxSize bounds the default tag store. Ignored when Deps.Tags is set.
	TagCacheMaxSize int
}

// Deps are the collaborators of an Orchestrator. Nil fields get defaults
// except Fetcher and TagSource.
type Deps struct {
	Fetcher   Fetcher
	TagSource TagSource
	Engine    *ranking.Engine
	Tracker   *popularity.Tracker
	Search    PageCache
	Tags      TagCache
	Metrics   *Metrics
	// CacheMetrics instruments the default stores. Optional.
	CacheMetrics *cache.Metrics
	Logger       *slog.Logger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	fetcher   Fetcher
	tagSource TagSource
	engine    *ranking.Engine
	tracker   *popularity.Tracker
	search    PageCache
	tags      TagCache
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group

	mu      sync.RWMutex
	weights ranking.Weights
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	weights := ranking.DefaultWeights()
	if cfg.Weights != nil {
		weights = *cfg.Weights
	}
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("default weights: %w", err)
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	if cfg.TagTTL <= 0 {
		cfg.TagTTL = DefaultTagTTL
	}

	o := &Orchestrator{
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		tagSource: deps.TagSource,
		engine:    deps.Engine,
		tracker:   deps.Tracker,
		search:    deps.Search,
		tags:      deps.Tags,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		weights:   weights,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.engine == nil {
		o.engine = ranking.NewEngine(ranking.EngineConfig{Now: o.now})
	}
	if o.tracker == nil {
		o.tracker = popularity.NewTracker(popularity.Config{Now: o.now})
	}
	if o.search == nil {
		o.search = cache.New(cache.Options[CachedPage]{
			Name:       "search",
			MaxSize:    cfg.CacheMaxSize,
			PopularTTL: o.tracker.Config().ExtendedTTL,
			Sizer:      PageSize,
			Now:        o.now,
			Metrics:    deps.CacheMetrics,
		})
	}
	if o.tags == nil {
		o.tags = cache.New(cache.Options[[]Tag]{
			Name:    "tags",
			MaxSize: cfg.TagCacheMaxSize,
			Sizer:   TagsSize,
			Now:     o.now,
			Metrics: deps.CacheMetrics,
		})
	}

	return o, nil
}

// Tracker returns the popularity tracker.
func (o *Orchestrator) Tracker() *popularity.Tracker {
	return o.tracker
}

// Weights returns the current default weights.
func (o *Orchestrator) Weights() ranking.Weights {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.weights
}

// SetWeights replaces the default weights and drops every page ranked
// under the previous ones. Returns the number of entries invalidated.
func (o *Orchestrator) SetWeights(w ranking.Weights) (int, error) {
	if err := w.Validate(); err != nil {
		return 0, &ValidationError{Field: "weights", Reason: err.Error()}
	}

	o.mu.Lock()
	old := o.weights
	o.weights = w
	o.mu.Unlock()

	if old.Fingerprint() == w.Fingerprint() {
		return 0, nil
	}

	segment := weightsSegment(old.Fingerprint())
	removed := 0
	o.guard("invalidate", func() {
		removed = o.search.Invalidate(func(key string) bool {
			return strings.Contains(key, segment)
		})
	})

	o.logger.Info("ranking weights replaced",
		"old_fingerprint", old.Fingerprint(),
		"new_fingerprint", w.Fingerprint(),
		"invalidated", removed)
	return removed, nil
}

// validate checks a request whose filters are already canonical.
func (o *Orchestrator) validate(req Request, f Filters, w ranking.Weights) error {
	switch {
	case req.Page.Limit < 1:
		return &ValidationError{Field: "limit", Reason: "must be at least 1"}
	case req.Page.Limit > o.cfg.MaxPageSize:
		return &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be at most %d", o.cfg.MaxPageSize)}
	case req.Page.Offset < 0:
		return &ValidationError{Field: "offset", Reason: "must not be negative"}
	}

	switch f.Sort {
	case SortRanked, SortRecent, SortRelevance:
	default:
		return &ValidationError{Field: "sort", Reason: fmt.Sprintf("unknown sort %q", f.Sort)}
	}
	// Unranked queries drop the window, so check what the caller sent.
	if w := req.Filters.Window; w != "" {
		if _, ok := windowHours[w]; !ok {
			return &ValidationError{Field: "window", Reason: fmt.Sprintf("unknown window %q", w)}
		}
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		return &ValidationError{Field: "date_from", Reason: "must not be after date_to"}
	}
	if err := w.Validate(); err != nil {
		return &ValidationError{Field: "weights", Reason: err.Error()}
	}
	return nil
}

// Query serves one page: from cache when fresh, otherwise from the data
// store, scored when the sort is ranked, then cached.
func (o *Orchestrator) Query(ctx context.Context, req Request) (res *Result, err error) {
	start := o.now()

	ctx, endSpan := tracing.StartSpan(ctx, "query.execute")
	defer func() { endSpan(err) }()

	filters := req.Filters.Canonical(req.Text)
	weights := o.Weights()
	if req.Weights != nil {
		weights = *req.Weights
	}

	if err := o.validate(req, filters, weights); err != nil {
		o.metrics.observe(OutcomeInvalid, 0)
		return nil, err
	}
	if o.fetcher == nil {
		return nil, ErrNoFetcher
	}

	fingerprint := ""
	if filters.Sort == SortRanked {
		fingerprint = weights.Fingerprint()
	}
	key := CacheKey(req.SubjectID, req.Text, filters, fingerprint, req.Page)

	tracing.SetAttributes(ctx,
		attribute.String("query.sort", string(filters.Sort)),
		attribute.Int("query.limit", req.Page.Limit),
		attribute.Int("query.offset", req.Page.Offset),
	)

	if page, ok := o.cacheGet(ctx, key); ok {
		elapsed := o.now().Sub(start)
		o.metrics.observe(OutcomeHit, elapsed.Seconds())
		return buildResult(page, req.Page, elapsed, true), nil
	}

	// The TTL decision uses the record as it stood before this occurrence.
	popular := o.tracker.IsPopular(req.Text, req.SubjectID)

	page, err := o.fetch(ctx, key, req, filters, weights)
	elapsed := o.now().Sub(start)
	elapsedMs := float64(elapsed) / float64(time.Millisecond)

	if err != nil {
		if ctx.Err() != nil {
			o.metrics.observe(OutcomeCancelled, elapsed.Seconds())
			o.logger.Debug("query cancelled", "subject_id", req.SubjectID, "error", err)
			return nil, &FetchError{Cause: err}
		}
		o.tracker.Record(req.Text, req.SubjectID, 0, elapsedMs)
		o.metrics.observe(OutcomeFailed, elapsed.Seconds())
		o.logger.Warn("query fetch failed",
			"subject_id", req.SubjectID,
			"sort", filters.Sort,
			"error", err)
		return nil, &FetchError{Cause: err}
	}

	o.tracker.Record(req.Text, req.SubjectID, len(page.Items), elapsedMs)
	ttl := o.tracker.DecideTTL(popular, len(page.Items) > 0)
	o.cacheSet(ctx, key, page, ttl)

	o.metrics.observe(OutcomeMiss, elapsed.Seconds())
	return buildResult(page, req.Page, elapsed, false), nil
}

// buildResult copies the page slices so callers cannot reach the cached entry.
func buildResult(page CachedPage, p Page, elapsed time.Duration, hit bool) *Result {
	return &Result{
		Items:           slices.Clone(page.Items),
		TotalCount:      page.TotalCount,
		HasMore:         p.Offset+len(page.Items)+len(page.Excluded) < page.TotalCount,
		ExecutionTimeMs: math.Max(0, float64(elapsed)/float64(time.Millisecond)),
		CacheHit:        hit,
		Excluded:        slices.Clone(page.Excluded),
	}
}

// fetch loads a page, sharing the call with concurrent misses of the same
// key when coalescing is on.
func (o *Orchestrator) fetch(ctx context.Context, key string, req Request, f Filters, w ranking.Weights) (CachedPage, error) {
	if !o.cfg.CoalesceFetches {
		return o.load(ctx, req, f, w)
	}

	ch := o.group.DoChan(key, func() (any, error) {
		return o.load(ctx, req, f, w)
	})

	select {
	case <-ctx.Done():
		return CachedPage{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			// The leader's caller went away; our own context is still live.
			if r.Shared && isCancellation(r.Err) && ctx.Err() == nil {
				return o.load(ctx, req, f, w)
			}
			return CachedPage{}, r.Err
		}
		return r.Val.(CachedPage), nil
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) load(ctx context.Context, req Request, f Filters, w ranking.Weights) (CachedPage, error) {
	if o.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
	}

	fetchStart := time.Now()
	items, total, err := o.fetcher.FetchPage(ctx, req.SubjectID, req.Text, f, req.Page)
	o.metrics.observeFetch(time.Since(fetchStart).Seconds())
	if err != nil {
		return CachedPage{}, err
	}

	page := CachedPage{TotalCount: total}
	if f.Sort != SortRanked {
		page.Items = make([]ranking.Scored, 0, len(items))
		for _, it := range items {
			page.Items = append(page.Items, ranking.Scored{Item: it})
		}
		return page, nil
	}

	_, endSpan := tracing.StartSpan(ctx, "query.rank")
	batch := o.engine.ScoreBatch(items, w, f.Window.Hours())
	scoreErr := batch.Err()
	endSpan(scoreErr)

	page.Items = batch.Items
	page.Excluded = batch.Excluded
	if scoreErr != nil {
		o.metrics.addExcluded(len(batch.Excluded))
		o.logger.Warn("items excluded from ranking",
			"subject_id", req.SubjectID,
			"error", scoreErr)
	}
	return page, nil
}

// guard runs a cache operation, converting a panic into a logged fault.
func (o *Orchestrator) guard(operation string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			o.metrics.cacheFault(operation)
			o.logger.Error("cache fault, falling back to direct fetch",
				"operation", operation,
				"panic", r)
		}
	}()
	fn()
	return true
}

func (o *Orchestrator) cacheGet(ctx context.Context, key string) (CachedPage, bool) {
	var (
		page CachedPage
		hit  bool
	)
	if !o.guard("get", func() { page, hit = o.search.Get(key) }) {
		hit = false
	}
	tracing.RecordCacheLookup(ctx, "search", hit)
	return page, hit
}

func (o *Orchestrator) cacheSet(ctx context.Context, key string, page CachedPage, ttl time.Duration) {
	if o.guard("set", func() { o.search.Set(key, page, ttl) }) {
		tracing.AddEvent(ctx, "cache.write",
			attribute.String("cache.store", "search"),
			attribute.Float64("cache.ttl_minutes", ttl.Minutes()))
	}
}

// Tags returns the tag catalogue, cached for TagTTL.
func (o *Orchestrator) Tags(ctx context.Context) (tags []Tag, err error) {
	if o.tagSource == nil {
		return nil, ErrNoTagSource
	}

	ctx, endSpan := tracing.StartSpan(ctx, "query.tags")
	defer func() { endSpan(err) }()

	var hit bool
	o.guard("get", func() { tags, hit = o.tags.Get(tagsKey) })
	tracing.RecordCacheLookup(ctx, "tags", hit)
	if hit {
		return tags, nil
	}

	tags, err = o.tagSource.FetchTags(ctx)
	if err != nil {
		return nil, &FetchError{Cause: err}
	}
	o.guard("set", func() { o.tags.Set(tagsKey, tags, o.cfg.TagTTL) })
	return tags, nil
}

// InvalidateSubject drops every cached page of one subject.
func (o *Orchestrator) InvalidateSubject(subjectID string) int {
	removed := 0
	o.guard("invalidate", func() { removed = o.search.InvalidatePrefix(SubjectPrefix(subjectID)) })
	o.logger.Debug("subject cache invalidated", "subject_id", subjectID, "removed", removed)
	return removed
}

// InvalidateAll drops every cached page and tag listing.
func (o *Orchestrator) InvalidateAll() int {
	removed := 0
	o.guard("invalidate", func() {
		removed = o.search.Flush()
		removed += o.tags.Flush()
	})
	o.logger.Info("all caches invalidated", "removed", removed)
	return removed
}

// ContentChanged keeps the caches coherent after a content mutation. Any
// page or tag count may include the changed item, so both stores are flushed.
func (o *Orchestrator) ContentChanged(ev ContentEvent) int {
	removed := 0
	o.guard("invalidate", func() {
		removed = o.search.Flush()
		removed += o.tags.Flush()
	})
	o.logger.Info("content changed, caches flushed",
		"kind", ev.Kind,
		"content_id", ev.ContentID,
		"removed", removed)
	return removed
}

// Stats returns the cache inspection snapshot.
func (o *Orchestrator) Stats() Stats {
	var st Stats
	o.guard("stats", func() {
		st.Search = o.search.Stats()
		st.Tags = o.tags.Stats()
	})
	st.TrackedQueries = o.tracker.Len()
	st.PopularQueries = o.tracker.PopularCount()
	return st
}
