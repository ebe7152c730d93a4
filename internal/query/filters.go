package query

import (
	"sort"
	"strings"
	"time"

	"github.com/onnwee/feedrank/internal/ranking"
)

// Sort selects how a result page is ordered.
type Sort string

const (
	// SortRanked orders by the weighted ranking score. Only ranked queries are scored.
	SortRanked Sort = "ranked"
	// SortRecent keeps the data store's newest-first order.
	SortRecent Sort = "recent"
	// SortRelevance keeps the data store's full-text relevance order.
	SortRelevance Sort = "relevance"
)

// Window is the time window a feed is ranked against.
type Window string

const (
	WindowDay   Window = "day"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
	WindowYear  Window = "year"
)

var windowHours = map[Window]float64{
	WindowDay:   24,
	WindowWeek:  24 * 7,
	WindowMonth: 24 * 30,
	WindowYear:  24 * 365,
}

// Hours returns the freshness window in hours. An empty window uses
// ranking.DefaultWindowHours.
func (w Window) Hours() float64 {
	if h, ok := windowHours[w]; ok {
		return h
	}
	return ranking.DefaultWindowHours
}

// Filters narrows a query. The zero value matches everything.
type Filters struct {
	TagIDs   []string   `json:"tag_ids,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Sort     Sort       `json:"sort,omitempty"`
	Window   Window     `json:"window,omitempty"`
}

// Canonical returns an equivalent Filters with tags sorted and
// de-duplicated, dates in UTC, the domain lower-cased, and an empty sort
// resolved against queryText. Ranked queries get an explicit window;
// unranked ones drop it since it cannot change their results.
func (f Filters) Canonical(queryText string) Filters {
	c := Filters{
		Domain: strings.ToLower(strings.TrimSpace(f.Domain)),
		Sort:   f.Sort,
		Window: f.Window,
	}

	if len(f.TagIDs) > 0 {
		seen := make(map[string]struct{}, len(f.TagIDs))
		for _, id := range f.TagIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			c.TagIDs = append(c.TagIDs, id)
		}
		sort.Strings(c.TagIDs)
	}

	if f.DateFrom != nil {
		t := f.DateFrom.UTC()
		c.DateFrom = &t
	}
	if f.DateTo != nil {
		t := f.DateTo.UTC()
		c.DateTo = &t
	}

	if c.Sort == "" {
		if NormalizeQuery(queryText) == "" {
			c.Sort = SortRanked
		} else {
			c.Sort = SortRelevance
		}
	}

	switch c.Sort {
	case SortRanked:
		if c.Window == "" {
			c.Window = WindowMonth
		}
	case SortRecent, SortRelevance:
		c.Window = ""
	}

	return c
}

// Page is a pagination window.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
