package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/feedrank/internal/middleware"
	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/validate"
)

// Paging defaults for GET /feed.
const (
	DefaultFeedLimit = 20
)

// FeedService runs queries. *query.Orchestrator implements it.
type FeedService interface {
	Query(ctx context.Context, req query.Request) (*query.Result, error)
	Tags(ctx context.Context) ([]query.Tag, error)
}

// FeedHandlers serves ranked feeds and the tag catalogue.
type FeedHandlers struct {
	service FeedService
}

// NewFeedHandlers creates a new FeedHandlers instance.
func NewFeedHandlers(service FeedService) *FeedHandlers {
	return &FeedHandlers{service: service}
}

// TagsResponse is the body of GET /tags.
type TagsResponse struct {
	Tags  []query.Tag `json:"tags"`
	Count int         `json:"count"`
}

// Feed handles GET /feed.
//
// Query parameters: subject_id, q, tags (comma separated), from and to
// (RFC 3339 or YYYY-MM-DD), domain, sort, window, limit, offset.
func (h *FeedHandlers) Feed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	req, err := parseFeedRequest(r.URL.Query())
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if req.SubjectID != "" {
		middleware.UpdateResponseContext(w, middleware.SetSubjectID(r.Context(), req.SubjectID))
	}

	res, err := h.service.Query(r.Context(), req)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}

	if res.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, r, http.StatusOK, res)
}

// Tags handles GET /tags.
func (h *FeedHandlers) Tags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	tags, err := h.service.Tags(r.Context())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	if tags == nil {
		tags = []query.Tag{}
	}
	writeJSON(w, r, http.StatusOK, TagsResponse{Tags: tags, Count: len(tags)})
}

func parseFeedRequest(v url.Values) (query.Request, error) {
	req := query.Request{
		Filters: query.Filters{
			Sort:   query.Sort(strings.ToLower(strings.TrimSpace(v.Get("sort")))),
			Window: query.Window(strings.ToLower(strings.TrimSpace(v.Get("window")))),
		},
		Page: query.Page{Limit: DefaultFeedLimit},
	}

	var err error
	if req.SubjectID, err = validate.SubjectID(v.Get("subject_id")); err != nil {
		return req, fmt.Errorf("subject_id: %w", err)
	}
	if req.Text, err = validate.QueryText(v.Get("q")); err != nil {
		return req, fmt.Errorf("q: %w", err)
	}
	if req.Filters.Domain, err = validate.Domain(v.Get("domain")); err != nil {
		return req, fmt.Errorf("domain: %w", err)
	}
	if raw := v.Get("tags"); raw != "" {
		if req.Filters.TagIDs, err = validate.TagIDs(strings.Split(raw, ",")); err != nil {
			return req, fmt.Errorf("tags: %w", err)
		}
	}

	if req.Filters.DateFrom, err = parseDateParam(v, "from"); err != nil {
		return req, err
	}
	if req.Filters.DateTo, err = parseDateParam(v, "to"); err != nil {
		return req, err
	}
	if req.Page.Limit, err = parseIntParam(v, "limit", DefaultFeedLimit); err != nil {
		return req, err
	}
	if req.Page.Offset, err = parseIntParam(v, "offset", 0); err != nil {
		return req, err
	}
	return req, nil
}

func parseIntParam(v url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(v.Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func parseDateParam(v url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(v.Get(name))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be an RFC 3339 timestamp or a YYYY-MM-DD date", name)
}
