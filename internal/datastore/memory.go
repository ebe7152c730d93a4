package datastore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/ranking"
)

// Memory is an in-memory article store for development and tests.
// Thread-safe via RWMutex.
type Memory struct {
	mu       sync.RWMutex
	articles map[string]ranking.Item
	tags     map[string]string // id -> name
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		articles: make(map[string]ranking.Item),
		tags:     make(map[string]string),
	}
}

// UpsertTag inserts a tag or renames an existing one.
func (m *Memory) UpsertTag(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[id] = name
	return nil
}

// UpsertArticle stores a copy of the article, generating an ID when empty.
// Returns true when the article was newly created.
func (m *Memory) UpsertArticle(_ context.Context, it ranking.Item) (bool, error) {
	if it.CreatedAt.IsZero() {
		return false, ErrInvalidArticle
	}
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	it.ExcerptLength = utf8.RuneCountInString(it.Excerpt)
	it.Tags = append([]string(nil), it.Tags...)
	sort.Strings(it.Tags)

	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.articles[it.ID]
	m.articles[it.ID] = it
	return !exists, nil
}

// DeleteArticle removes an article.
func (m *Memory) DeleteArticle(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.articles[id]; !ok {
		return ErrArticleNotFound
	}
	delete(m.articles, id)
	return nil
}

// matchesText reports whether every query word appears in the title or excerpt.
func matchesText(it ranking.Item, words []string) bool {
	haystack := strings.ToLower(it.Title + " " + it.Excerpt)
	for _, w := range words {
		if !strings.Contains(haystack, w) {
			return false
		}
	}
	return true
}

func hasAnyTag(it ranking.Item, want []string) bool {
	for _, t := range it.Tags {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

// FetchPage returns one page of matching articles and the total match count.
// Every query word must appear for an article to match, so relevance order
// is the same as newest first.
func (m *Memory) FetchPage(ctx context.Context, subjectID, queryText string, f query.Filters, p query.Page) ([]ranking.Item, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	words := strings.Fields(query.NormalizeQuery(queryText))
	domain := strings.ToLower(f.Domain)

	m.mu.RLock()
	candidates := make([]ranking.Item, 0, len(m.articles))
	for _, it := range m.articles {
		if !matchesText(it, words) {
			continue
		}
		if len(f.TagIDs) > 0 && !hasAnyTag(it, f.TagIDs) {
			continue
		}
		if f.DateFrom != nil && it.CreatedAt.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && it.CreatedAt.After(*f.DateTo) {
			continue
		}
		if domain != "" && strings.ToLower(it.Domain) != domain {
			continue
		}
		candidates = append(candidates, it)
	}
	m.mu.RUnlock()

	// Newest first, then ID ASC for tie-breaking.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	total := len(candidates)
	if p.Offset >= total {
		return []ranking.Item{}, total, nil
	}
	end := p.Offset + p.Limit
	if end > total || p.Limit <= 0 {
		end = total
	}

	items := make([]ranking.Item, 0, end-p.Offset)
	for _, it := range candidates[p.Offset:end] {
		it.Tags = append([]string(nil), it.Tags...)
		items = append(items, it)
	}
	return items, total, nil
}

// FetchTags lists every tag with its article count, ordered by name.
func (m *Memory) FetchTags(ctx context.Context) ([]query.Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(m.tags))
	for _, it := range m.articles {
		for _, id := range it.Tags {
			counts[id]++
		}
	}

	tags := make([]query.Tag, 0, len(m.tags))
	for id, name := range m.tags {
		tags = append(tags, query.Tag{ID: id, Name: name, ArticleCount: counts[id]})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Name != tags[j].Name {
			return tags[i].Name < tags[j].Name
		}
		return tags[i].ID < tags[j].ID
	})
	return tags, nil
}
