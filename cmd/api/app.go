package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/feedrank/internal/api"
	"github.com/onnwee/feedrank/internal/cache"
	"github.com/onnwee/feedrank/internal/config"
	"github.com/onnwee/feedrank/internal/datastore"
	"github.com/onnwee/feedrank/internal/health"
	"github.com/onnwee/feedrank/internal/invalidation"
	"github.com/onnwee/feedrank/internal/jobs"
	"github.com/onnwee/feedrank/internal/middleware"
	"github.com/onnwee/feedrank/internal/popularity"
	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/ranking"
	"github.com/onnwee/feedrank/internal/tracing"
)

// serviceName identifies the server in traces.
const serviceName = "feedrank"

// app owns every long-lived component of the server.
type app struct {
	logger       *slog.Logger
	handler      http.Handler
	orchestrator *query.Orchestrator
	registry     *prometheus.Registry

	db         *sql.DB
	redis      redis.UniversalClient
	tracer     *tracing.Provider
	janitor    *jobs.Janitor
	subscriber *invalidation.Subscriber
}

// metricsSet bundles the per-package Prometheus collectors.
type metricsSet struct {
	http  *middleware.Metrics
	cache *cache.Metrics
	query *query.Metrics
	jobs  *jobs.Metrics
}

func newMetricsSet(reg prometheus.Registerer) (metricsSet, error) {
	m := metricsSet{
		http:  middleware.NewMetrics(),
		cache: cache.NewMetrics(),
		query: query.NewMetrics(),
		jobs:  jobs.NewMetrics(),
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return m, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return m, fmt.Errorf("failed to register process collector: %w", err)
	}
	for name, register := range map[string]func(prometheus.Registerer) error{
		"http":  m.http.Register,
		"cache": m.cache.Register,
		"query": m.query.Register,
		"jobs":  m.jobs.Register,
	} {
		if err := register(reg); err != nil {
			return m, fmt.Errorf("failed to register %s metrics: %w", name, err)
		}
	}
	return m, nil
}

// newApp wires the server from cfg. On error every resource opened so far
// is released.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	a.tracer, err = tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplingRate:   cfg.TracingSamplingRate,
		InsecureMode:   cfg.Env != "production",
	})
	if err != nil {
		return a, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	metrics, err := newMetricsSet(a.registry)
	if err != nil {
		return a, err
	}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return a, err
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return a, fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return a, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis")
	}

	weights, ceilings, err := ranking.LoadCalibration(cfg.RankingCalibrationPath)
	if err != nil {
		logger.Warn("ranking calibration not applied, using defaults", "error", err)
	}

	tracker := popularity.NewTracker(popularity.Config{
		Threshold:    int64(cfg.PopularityThreshold),
		RecentWindow: cfg.PopularityRecentWindow,
		ShortTTL:     cfg.ShortTTL,
		ExtendedTTL:  cfg.ExtendedTTL,
		IdleExpiry:   cfg.PopularityIdleExpiry,
	})
	search := cache.New(cache.Options[query.CachedPage]{
		Name:       "search",
		MaxSize:    cfg.CacheMaxSize,
		PopularTTL: cfg.ExtendedTTL,
		Sizer:      query.PageSize,
		Metrics:    metrics.cache,
	})
	tags := cache.New(cache.Options[[]query.Tag]{
		Name:    "tags",
		MaxSize: cfg.TagCacheMaxSize,
		Sizer:   query.TagsSize,
		Metrics: metrics.cache,
	})

	a.orchestrator, err = query.New(query.Config{
		Weights:         &weights,
		TagTTL:          cfg.TagTTL,
		FetchTimeout:    cfg.FetchTimeout,
		CoalesceFetches: cfg.CoalesceFetches,
	}, query.Deps{
		Fetcher:   store,
		TagSource: store,
		Engine:    ranking.NewEngine(ranking.EngineConfig{Ceilings: &ceilings}),
		Tracker:   tracker,
		Search:    search,
		Tags:      tags,
		Metrics:   metrics.query,
		Logger:    logger,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create query orchestrator: %w", err)
	}

	sweepers := []jobs.Sweeper{search, tags, tracker}

	var (
		limitStore middleware.RateLimitStore
		publisher  api.Publisher
		dbCheck    health.Checker
		redisCheck health.Checker
	)
	if a.redis != nil {
		limitStore = middleware.NewRedisRateLimitStore(a.redis).WithMetrics(metrics.http)
		origin := invalidation.NewOrigin()
		publisher = invalidation.NewPublisher(a.redis, cfg.InvalidationChannel, origin)
		a.subscriber = invalidation.NewSubscriber(a.redis, a.orchestrator, invalidation.SubscriberConfig{
			Channel: cfg.InvalidationChannel,
			Origin:  origin,
			Logger:  logger,
			Metrics: metrics.jobs,
		})
		redisCheck = health.NewRedisChecker(a.redis)
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		limitStore = mem
		sweepers = append(sweepers, mem)
	}
	if a.db != nil {
		dbCheck = health.NewDBChecker(a.db)
	}

	a.janitor = jobs.NewJanitor(jobs.JanitorConfig{
		Interval: cfg.SweepInterval,
		Logger:   logger,
		Metrics:  metrics.jobs,
	}, sweepers...)

	feedLimit := middleware.RateLimitConfig{RequestsPerWindow: cfg.FeedRateLimit, WindowDuration: time.Minute}
	mux := http.NewServeMux()
	api.Routes{
		Feed:    api.NewFeedHandlers(a.orchestrator),
		Cache:   api.NewCacheHandlers(a.orchestrator, publisher, logger),
		Weights: api.NewWeightsHandlers(a.orchestrator, publisher, logger),
		Health:  api.NewHealthHandlers(api.HealthHandlersConfig{DBChecker: dbCheck, RedisChecker: redisCheck}),
		Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Public:  middleware.RateLimiter(limitStore, feedLimit, prefixedIPKey("feed:"), metrics.http),
		Admin:   middleware.RateLimiter(limitStore, middleware.DefaultAdminLimit(), prefixedIPKey("admin:"), metrics.http),
	}.Register(mux)

	// Tracing stays outermost so the writers below it can still be unwrapped.
	a.handler = middleware.Tracing(serviceName)(
		middleware.RequestID(
			middleware.Logging(logger)(
				middleware.HTTPMetrics(metrics.http)(mux),
			),
		),
	)
	return a, nil
}

// openStore connects to Postgres, or builds the in-memory store when no
// database URL is configured.
func (a *app) openStore(ctx context.Context, cfg *config.Config) (datastore.Store, error) {
	if cfg.UsesMemoryStore() {
		mem := datastore.NewMemory()
		if cfg.SeedPath == "" {
			a.logger.Warn("no database configured, serving an empty in-memory store")
			return mem, nil
		}
		f, err := os.Open(cfg.SeedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open seed file: %w", err)
		}
		defer f.Close()
		n, err := datastore.Seed(ctx, mem, f)
		if err != nil {
			return nil, err
		}
		a.logger.Info("in-memory store seeded", "path", cfg.SeedPath, "articles", n)
		return mem, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pg := datastore.NewPostgres(db, a.logger)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("connected to postgres")
	return pg, nil
}

// start launches the janitor and, with Redis, the invalidation subscriber.
func (a *app) start(ctx context.Context) error {
	a.janitor.Start(ctx)
	if a.subscriber != nil {
		if err := a.subscriber.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// close stops background work and releases connections. Safe to call on a
// partially built app.
func (a *app) close(ctx context.Context) {
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis client", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close database", "error", err)
		}
	}
}

// prefixedIPKey keeps separate rate limit buckets per route group.
func prefixedIPKey(prefix string) middleware.KeyFunc {
	ip := middleware.IPKeyFunc()
	return func(r *http.Request) string {
		return prefix + ip(r)
	}
}
