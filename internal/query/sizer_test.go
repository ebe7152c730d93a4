package query

import (
	"testing"
	"time"

	"github.com/onnwee/feedrank/internal/ranking"
)

func TestPageSize(t *testing.T) {
	empty := PageSize(CachedPage{})
	if empty <= 0 {
		t.Fatalf("expected a positive size for an empty page, got %d", empty)
	}

	readTime := 4.0
	page := CachedPage{
		TotalCount: 1,
		Items: []ranking.Scored{{
			Item: ranking.Item{
				ID:              "a1",
				Title:           "Understanding generics",
				Excerpt:         "A walk through type parameters in practice.",
				CreatedAt:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
				ReadTimeMinutes: &readTime,
				Tags:            []string{"go", "generics"},
			},
			Score: 0.42,
		}},
	}
	if got := PageSize(page); got <= empty {
		t.Errorf("expected populated page to be larger than %d, got %d", empty, got)
	}
}

func TestTagsSize(t *testing.T) {
	small := TagsSize(nil)
	large := TagsSize([]Tag{{ID: "t1", Name: "go", ArticleCount: 10}, {ID: "t2", Name: "rust", ArticleCount: 4}})
	if large <= small {
		t.Errorf("expected %d > %d", large, small)
	}
}
