package ranking

import (
	"fmt"
	"sort"
	"time"
)

// PartialScoringError reports items that were excluded from a batch because
// they were malformed. It is informational: the rest of the batch is ranked.
type PartialScoringError struct {
	Count int
	IDs   []string
}

func (e *PartialScoringError) Error() string {
	return fmt.Sprintf("ranking: %d malformed item(s) excluded from batch", e.Count)
}

// Score computes the final weighted score for one item's metrics.
//
// score = norm(likes)*w.Likes + norm(comments)*w.Comments + freshness*w.Freshness +
// norm(engagement)*w.Engagement + author_popularity*w.AuthorPopularity +
// content_quality*w.ContentQuality
//
// The result is not forced into [0, 1]; unnormalized weights scale it.
func Score(m Metrics, w Weights, c Ceilings) float64 {
	return Normalize(float64(m.LikeCount), c.Likes)*w.Likes +
		Normalize(float64(m.CommentCount), c.Comments)*w.Comments +
		m.Freshness*w.Freshness +
		Normalize(m.EngagementRate, c.EngagementPerHour)*w.Engagement +
		m.AuthorPopularity*w.AuthorPopularity +
		m.ContentQuality*w.ContentQuality
}

// Batch is the result of scoring a result set.
type Batch struct {
	Items    []Scored
	Excluded []string
}

// Err returns a *PartialScoringError when items were excluded, nil otherwise.
func (b Batch) Err() error {
	if len(b.Excluded) == 0 {
		return nil
	}
	return &PartialScoringError{Count: len(b.Excluded), IDs: b.Excluded}
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Ceilings used to normalize raw counters. Zero value uses DefaultCeilings.
	Ceilings *Ceilings
	// Now returns the reference time for age computations. Defaults to time.Now.
	Now func() time.Time
}

// Engine scores result sets. It is safe for concurrent use; it holds no
// mutable state.
type Engine struct {
	ceilings Ceilings
	now      func() time.Time
}

// NewEngine creates a ranking engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		ceilings: DefaultCeilings(),
		now:      cfg.Now,
	}
	if cfg.Ceilings != nil {
		e.ceilings = *cfg.Ceilings
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Ceilings returns the normalization ceilings in use.
func (e *Engine) Ceilings() Ceilings {
	return e.ceilings
}

// ScoreBatch computes metrics and scores for every item and returns them
// sorted by score descending. Ties go to the more recent item, then to the
// smaller ID, so the order is fully deterministic. Malformed items are left
// out and listed in Batch.Excluded.
func (e *Engine) ScoreBatch(items []Item, w Weights, windowHours float64) Batch {
	now := e.now()

	batch := Batch{Items: make([]Scored, 0, len(items))}
	for _, item := range items {
		if item.malformed() {
			batch.Excluded = append(batch.Excluded, item.ID)
			continue
		}
		m := ComputeMetrics(item, now, windowHours, e.ceilings)
		batch.Items = append(batch.Items, Scored{
			Item:    item,
			Metrics: m,
			Score:   Score(m, w, e.ceilings),
		})
	}

	sort.SliceStable(batch.Items, func(i, j int) bool {
		a, b := batch.Items[i], batch.Items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.After(b.Item.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})

	return batch
}
