package api

import "net/http"

// Routes holds every handler group served by the feedrank HTTP surface.
type Routes struct {
	Feed    *FeedHandlers
	Cache   *CacheHandlers
	Weights *WeightsHandlers
	Health  *HealthHandlers
	// Metrics serves /metrics. Optional.
	Metrics http.Handler
	// Admin wraps the mutating cache and weight endpoints, e.g. with a
	// stricter rate limiter. Optional.
	Admin func(http.Handler) http.Handler
	// Public wraps the feed and tag endpoints. Optional.
	Public func(http.Handler) http.Handler
}

// Register mounts the routes on mux.
func (rt Routes) Register(mux *http.ServeMux) {
	public := rt.Public
	if public == nil {
		public = passthrough
	}
	admin := rt.Admin
	if admin == nil {
		admin = passthrough
	}

	mux.Handle("/feed", public(http.HandlerFunc(rt.Feed.Feed)))
	mux.Handle("/tags", public(http.HandlerFunc(rt.Feed.Tags)))
	mux.HandleFunc("/cache/stats", rt.Cache.Stats)
	mux.Handle("/cache/invalidate", admin(http.HandlerFunc(rt.Cache.Invalidate)))
	mux.Handle("/ranking/weights", admin(http.HandlerFunc(rt.Weights.Weights)))
	mux.HandleFunc("/health", rt.Health.Health)
	mux.HandleFunc("/ready", rt.Health.Ready)
	if rt.Metrics != nil {
		mux.Handle("/metrics", rt.Metrics)
	}
}

func passthrough(next http.Handler) http.Handler { return next }
