package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/feedrank/internal/invalidation"
	"github.com/onnwee/feedrank/internal/middleware"
	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/validate"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// Publisher broadcasts invalidations to peer processes.
// *invalidation.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, e invalidation.Event) error
}

// CacheService exposes cache inspection and invalidation.
// *query.Orchestrator implements it.
type CacheService interface {
	invalidation.Handler
	Stats() query.Stats
}

// CacheHandlers serves the cache inspection and invalidation endpoints.
type CacheHandlers struct {
	service   CacheService
	publisher Publisher
	logger    *slog.Logger
}

// NewCacheHandlers creates cache handlers. publisher may be nil when the
// process runs alone.
func NewCacheHandlers(service CacheService, publisher Publisher, logger *slog.Logger) *CacheHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheHandlers{
		service:   service,
		publisher: publisher,
		logger:    logger,
	}
}

// InvalidateRequest is the body of POST /cache/invalidate. Exactly one
// field must be set.
type InvalidateRequest struct {
	SubjectID string              `json:"subject_id,omitempty"`
	All       bool                `json:"all,omitempty"`
	Content   *query.ContentEvent `json:"content,omitempty"`
}

// InvalidateResponse reports what an invalidation removed locally and
// whether it reached peer processes.
type InvalidateResponse struct {
	Removed   int  `json:"removed"`
	Broadcast bool `json:"broadcast"`
}

// Stats handles GET /cache/stats.
func (h *CacheHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, r, http.StatusOK, h.service.Stats())
}

// Invalidate handles POST /cache/invalidate.
func (h *CacheHandlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var body InvalidateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	event, err := body.event()
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if event.SubjectID != "" {
		middleware.UpdateResponseContext(w, middleware.SetSubjectID(r.Context(), event.SubjectID))
	}

	removed, err := invalidation.Apply(h.service, event)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	writeJSON(w, r, http.StatusOK, InvalidateResponse{
		Removed:   removed,
		Broadcast: h.broadcast(r.Context(), event),
	})
}

// broadcast publishes e to peers. A failure is logged; the local
// invalidation already happened.
func (h *CacheHandlers) broadcast(ctx context.Context, e invalidation.Event) bool {
	return publish(ctx, h.publisher, h.logger, e)
}

func publish(ctx context.Context, p Publisher, logger *slog.Logger, e invalidation.Event) bool {
	if p == nil {
		return false
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.WarnContext(ctx, "failed to broadcast invalidation", "kind", e.Kind, "error", err)
		return false
	}
	return true
}

func (req InvalidateRequest) event() (invalidation.Event, error) {
	set := 0
	var e invalidation.Event
	subject, err := validate.SubjectID(req.SubjectID)
	if err != nil {
		return e, fmt.Errorf("subject_id: %w", err)
	}
	if subject != "" {
		set++
		e = invalidation.Event{Kind: invalidation.KindSubject, SubjectID: subject}
	}
	if req.All {
		set++
		e = invalidation.Event{Kind: invalidation.KindAll}
	}
	if req.Content != nil {
		set++
		switch req.Content.Kind {
		case query.ContentCreated, query.ContentUpdated, query.ContentDeleted:
		default:
			return e, errors.New("content.kind must be created, updated or deleted")
		}
		if req.Content.ContentID == "" {
			return e, errors.New("content.content_id is required")
		}
		e = invalidation.Event{Kind: invalidation.KindContent, Content: req.Content}
	}
	if set != 1 {
		return e, errors.New("exactly one of subject_id, all or content must be set")
	}
	return e, nil
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
