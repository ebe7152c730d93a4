package ranking

import "time"

// Item is a content record pulled from the data store. The ranking engine
// treats it as read-only.
type Item struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title,omitempty"`
	Excerpt             string    `json:"excerpt,omitempty"`
	Domain              string    `json:"domain,omitempty"`
	AuthorID            string    `json:"author_id"`
	AuthorFollowerCount int       `json:"author_follower_count"`
	CreatedAt           time.Time `json:"created_at"`
	LikeCount           int       `json:"like_count"`
	CommentCount        int       `json:"comment_count"`
	ReadTimeMinutes     *float64  `json:"read_time_minutes,omitempty"`
	ExcerptLength       int       `json:"excerpt_length"`
	HasImage            bool      `json:"has_image"`
	Tags                []string  `json:"tags,omitempty"`
}

// Scored pairs an item with the metrics and final score of one scoring pass.
type Scored struct {
	Item    Item    `json:"item"`
	Metrics Metrics `json:"metrics"`
	Score   float64 `json:"score"`
}

// malformed reports whether the item lacks the data needed for scoring.
func (i Item) malformed() bool {
	return i.CreatedAt.IsZero() || i.LikeCount < 0 || i.CommentCount < 0
}
