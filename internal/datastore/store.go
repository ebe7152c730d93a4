package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/ranking"
)

// Store is a writable article store.
type Store interface {
	query.Fetcher
	query.TagSource
	UpsertTag(ctx context.Context, id, name string) error
	UpsertArticle(ctx context.Context, it ranking.Item) (bool, error)
	DeleteArticle(ctx context.Context, id string) error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

// SeedFile is the JSON fixture format accepted by Seed.
type SeedFile struct {
	Tags     []query.Tag   `json:"tags"`
	Articles []SeedArticle `json:"articles"`
}

// SeedArticle is one article of a fixture.
type SeedArticle struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Excerpt             string    `json:"excerpt"`
	Domain              string    `json:"domain"`
	AuthorID            string    `json:"author_id"`
	AuthorFollowerCount int       `json:"author_follower_count"`
	CreatedAt           time.Time `json:"created_at"`
	LikeCount           int       `json:"like_count"`
	CommentCount        int       `json:"comment_count"`
	ReadTimeMinutes     *float64  `json:"read_time_minutes,omitempty"`
	HasImage            bool      `json:"has_image"`
	TagIDs              []string  `json:"tag_ids"`
}

// Seed loads a JSON fixture into s. Tags are written before articles so
// tag links resolve. Returns the number of articles written.
func Seed(ctx context.Context, s Store, r io.Reader) (int, error) {
	var f SeedFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return 0, fmt.Errorf("%w: failed to decode: %v", ErrMalformedSeed, err)
	}

	for _, t := range f.Tags {
		if err := s.UpsertTag(ctx, t.ID, t.Name); err != nil {
			return 0, fmt.Errorf("failed to seed tag %s: %w", t.ID, err)
		}
	}

	for i, a := range f.Articles {
		_, err := s.UpsertArticle(ctx, ranking.Item{
			ID:                  a.ID,
			Title:               a.Title,
			Excerpt:             a.Excerpt,
			Domain:              a.Domain,
			AuthorID:            a.AuthorID,
			AuthorFollowerCount: a.AuthorFollowerCount,
			CreatedAt:           a.CreatedAt,
			LikeCount:           a.LikeCount,
			CommentCount:        a.CommentCount,
			ReadTimeMinutes:     a.ReadTimeMinutes,
			HasImage:            a.HasImage,
			Tags:                a.TagIDs,
		})
		if err != nil {
			return i, fmt.Errorf("failed to seed article %q: %w", a.ID, err)
		}
	}
	return len(f.Articles), nil
}
