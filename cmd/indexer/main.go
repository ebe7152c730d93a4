// Package main is the entry point for the feedrank indexer. It loads article
// fixtures into Postgres or deletes single articles, then tells running
// servers to drop their cached pages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/feedrank/internal/config"
	"github.com/onnwee/feedrank/internal/datastore"
	"github.com/onnwee/feedrank/internal/invalidation"
	"github.com/onnwee/feedrank/internal/middleware"
	"github.com/onnwee/feedrank/internal/query"
)

// ErrNoAction is returned when neither -load nor -delete is given.
var ErrNoAction = errors.New("one of -load or -delete is required")

var errFixtureOpen = errors.New("failed to open fixture")

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("FEEDRANK_CONFIG"), "path to a YAML config file")
	load := flag.String("load", "", "JSON fixture of tags and articles to upsert")
	del := flag.String("delete", "", "ID of an article to delete")
	flag.Parse()

	if *help {
		fmt.Println("feedrank indexer")
		fmt.Println()
		fmt.Println("Usage: indexer [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	env := config.DefaultEnv
	if cfg != nil {
		env = cfg.Env
	}
	logger := middleware.NewLogger(env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	if cfg.UsesMemoryStore() {
		logger.Error("the indexer writes to Postgres; set DATABASE_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var publisher *invalidation.Publisher
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		publisher = invalidation.NewPublisher(client, cfg.InvalidationChannel, invalidation.NewOrigin())
	}

	store := datastore.NewPostgres(db, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate", "error", err)
		os.Exit(1)
	}

	idx := &indexer{store: store, logger: logger}
	if publisher != nil {
		idx.publisher = publisher
	}
	if err := idx.run(ctx, *load, *del); err != nil {
		logger.Error("indexer failed", "error", err)
		os.Exit(1)
	}
}

// eventPublisher broadcasts invalidations. *invalidation.Publisher implements it.
type eventPublisher interface {
	Publish(ctx context.Context, e invalidation.Event) error
}

// indexer applies content changes to a store and announces them.
type indexer struct {
	store     datastore.Store
	publisher eventPublisher // nil when no Redis is configured
	logger    *slog.Logger
}

// run performs the load and/or delete requested on the command line.
func (ix *indexer) run(ctx context.Context, loadPath, deleteID string) error {
	if loadPath == "" && deleteID == "" {
		return ErrNoAction
	}

	if loadPath != "" {
		n, err := ix.load(ctx, loadPath)
		if err != nil {
			// Anything written before the failure is already visible.
			if n > 0 || (!errors.Is(err, datastore.ErrMalformedSeed) && !errors.Is(err, errFixtureOpen)) {
				ix.announce(ctx, invalidation.Event{Kind: invalidation.KindAll})
			}
			return err
		}
		ix.logger.Info("fixture loaded", "path", loadPath, "articles", n)
		// A bulk load may touch any page, so every cache is dropped.
		ix.announce(ctx, invalidation.Event{Kind: invalidation.KindAll})
	}

	if deleteID != "" {
		if err := ix.store.DeleteArticle(ctx, deleteID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", deleteID, err)
		}
		ix.logger.Info("article deleted", "id", deleteID)
		ix.announce(ctx, invalidation.Event{
			Kind:    invalidation.KindContent,
			Content: &query.ContentEvent{Kind: query.ContentDeleted, ContentID: deleteID},
		})
	}
	return nil
}

func (ix *indexer) load(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errFixtureOpen, err)
	}
	defer f.Close()
	return datastore.Seed(ctx, ix.store, f)
}

// announce publishes e. Servers fall back on TTL expiry if it is lost, so
// a failure is only logged.
func (ix *indexer) announce(ctx context.Context, e invalidation.Event) {
	if ix.publisher == nil {
		ix.logger.Warn("no redis configured, running servers keep cached pages until they expire")
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ix.publisher.Publish(pubCtx, e); err != nil {
		ix.logger.Warn("failed to publish invalidation", "kind", e.Kind, "error", err)
		return
	}
	ix.logger.Info("invalidation published", "kind", e.Kind)
}
