package ranking

import (
	"math"
	"time"
)

// DefaultWindowHours is the freshness window used when the caller did not
// select one (30 days).
const DefaultWindowHours = 30 * 24

// freshnessDecay scales the window into the decay constant of the exponential.
const freshnessDecay = 0.3

// Ceilings caps raw counters before they are weighted so a single viral item
// cannot dominate a whole result set.
type Ceilings struct {
	Likes             float64 `json:"likes"`
	Comments          float64 `json:"comments"`
	EngagementPerHour float64 `json:"engagement_per_hour"`
	Followers         float64 `json:"followers"`
}

// DefaultCeilings returns the reference normalization ceilings.
func DefaultCeilings() Ceilings {
	return Ceilings{
		Likes:             100,
		Comments:          50,
		EngagementPerHour: 10,
		Followers:         1000,
	}
}

// Metrics holds the per-item sub-scores computed during a scoring pass.
// The raw like and comment counts are kept for diagnostics.
type Metrics struct {
	Freshness        float64 `json:"freshness"`
	EngagementRate   float64 `json:"engagement_rate"`
	AuthorPopularity float64 `json:"author_popularity"`
	ContentQuality   float64 `json:"content_quality"`
	LikeCount        int     `json:"like_count"`
	CommentCount     int     `json:"comment_count"`
}

// ageHours returns the age of createdAt relative to now in hours.
// Timestamps in the future count as age zero.
func ageHours(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt).Hours()
	if age < 0 {
		return 0
	}
	return age
}

// Freshness computes a recency score normalized to [0, 1].
// Formula: exp(-ageHours / (windowHours * 0.3))
//
// windowHours is the caller's selected time window (24 for "last day",
// 168 for "last week"). Non-positive windows fall back to DefaultWindowHours.
func Freshness(createdAt, now time.Time, windowHours float64) float64 {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}

	score := math.Exp(-ageHours(createdAt, now) / (windowHours * freshnessDecay))
	return clamp01(score)
}

// EngagementRate computes interactions per hour. Comments count double since
// they are a deeper engagement signal than likes. The age is floored at one
// hour so brand-new items do not divide by ~0.
//
// The result is not normalized; use Normalize with Ceilings.EngagementPerHour.
func EngagementRate(likes, comments int, createdAt, now time.Time) float64 {
	interactions := float64(max(likes, 0)) + 2*float64(max(comments, 0))
	return interactions / math.Max(1, ageHours(createdAt, now))
}

// AuthorPopularity normalizes an author's follower count against a ceiling.
func AuthorPopularity(followers int, ceiling float64) float64 {
	return Normalize(float64(followers), ceiling)
}

// ContentQuality estimates the quality of an item from structural signals.
//
// Base 0.5, then:
//   - read time in [3, 10] minutes: +0.3; otherwise in [1, 15]: +0.15; under 1 minute: -0.1
//   - excerpt longer than 200 chars: +0.15; longer than 100: +0.1
//   - has an image: +0.1
//   - +0.02 per tag, capped at +0.1
//
// The result is clamped to [0, 1].
func ContentQuality(readTimeMinutes *float64, excerptLength int, hasImage bool, tagCount int) float64 {
	score := 0.5

	if readTimeMinutes != nil {
		rt := *readTimeMinutes
		switch {
		case rt >= 3 && rt <= 10:
			score += 0.3
		case rt >= 1 && rt <= 15:
			score += 0.15
		case rt < 1:
			score -= 0.1
		}
	}

	switch {
	case excerptLength > 200:
		score += 0.15
	case excerptLength > 100:
		score += 0.1
	}

	if hasImage {
		score += 0.1
	}

	if tagCount > 0 {
		score += math.Min(float64(tagCount)*0.02, 0.1)
	}

	return clamp01(score)
}

// Normalize caps value against ceiling and maps it to [0, 1].
// A non-positive ceiling yields 0.
func Normalize(value, ceiling float64) float64 {
	if ceiling <= 0 || math.IsNaN(value) {
		return 0
	}
	return clamp01(value / ceiling)
}

// ComputeMetrics runs every metric function for one item.
func ComputeMetrics(item Item, now time.Time, windowHours float64, c Ceilings) Metrics {
	return Metrics{
		Freshness:        Freshness(item.CreatedAt, now, windowHours),
		EngagementRate:   EngagementRate(item.LikeCount, item.CommentCount, item.CreatedAt, now),
		AuthorPopularity: AuthorPopularity(item.AuthorFollowerCount, c.Followers),
		ContentQuality:   ContentQuality(item.ReadTimeMinutes, item.ExcerptLength, item.HasImage, len(item.Tags)),
		LikeCount:        item.LikeCount,
		CommentCount:     item.CommentCount,
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
