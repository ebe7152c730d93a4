package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/feedrank/internal/datastore"
	"github.com/onnwee/feedrank/internal/invalidation"
	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/ranking"
)

// fakeService records calls and returns canned results.
type fakeService struct {
	mu sync.Mutex

	lastRequest query.Request
	result      *query.Result
	queryErr    error
	tags        []query.Tag
	tagsErr     error

	invalidatedSubjects []string
	invalidatedAll      int
	contentEvents       []query.ContentEvent

	weights    ranking.Weights
	setErr     error
	setRemoved int
}

func newFakeService() *fakeService {
	return &fakeService{
		result:  &query.Result{Items: []ranking.Scored{}},
		weights: ranking.DefaultWeights(),
	}
}

func (f *fakeService) Query(_ context.Context, req query.Request) (*query.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRequest = req
	return f.result, f.queryErr
}

func (f *fakeService) Tags(context.Context) ([]query.Tag, error) {
	return f.tags, f.tagsErr
}

func (f *fakeService) InvalidateSubject(subjectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidatedSubjects = append(f.invalidatedSubjects, subjectID)
	return 2
}

func (f *fakeService) InvalidateAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidatedAll++
	return 7
}

func (f *fakeService) ContentChanged(ev query.ContentEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentEvents = append(f.contentEvents, ev)
	return 4
}

func (f *fakeService) Weights() ranking.Weights {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.weights
}

func (f *fakeService) SetWeights(w ranking.Weights) (int, error) {
	if f.setErr != nil {
		return 0, f.setErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weights = w
	return f.setRemoved, nil
}

func (f *fakeService) Stats() query.Stats {
	return query.Stats{TrackedQueries: 3, PopularQueries: 1}
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []invalidation.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, e invalidation.Event) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

var errPublish = errors.New("redis: connection refused")

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestOrchestrator returns an orchestrator over a small in-memory store.
func newTestOrchestrator(t *testing.T) *query.Orchestrator {
	t.Helper()
	ctx := context.Background()
	store := datastore.NewMemory()

	if err := store.UpsertTag(ctx, "t-go", "go"); err != nil {
		t.Fatalf("UpsertTag() error = %v", err)
	}
	articles := []ranking.Item{
		{ID: "a1", Title: "Go generics", Domain: "go.dev", CreatedAt: testNow.Add(-time.Hour), LikeCount: 40, CommentCount: 5, Tags: []string{"t-go"}},
		{ID: "a2", Title: "Caching pages", Domain: "example.com", CreatedAt: testNow.Add(-2 * time.Hour), LikeCount: 3},
		{ID: "a3", Title: "Old news", Domain: "example.com", CreatedAt: testNow.Add(-72 * time.Hour), LikeCount: 1},
	}
	for _, a := range articles {
		if _, err := store.UpsertArticle(ctx, a); err != nil {
			t.Fatalf("UpsertArticle() error = %v", err)
		}
	}

	o, err := query.New(query.Config{}, query.Deps{
		Fetcher:   store,
		TagSource: store,
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("query.New() error = %v", err)
	}
	return o
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response: %v, body: %s", err, rr.Body.String())
	}
	return v
}
