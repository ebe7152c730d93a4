package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/feedrank/internal/invalidation"
	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/ranking"
)

// WeightsService reads and replaces the default ranking weights.
// *query.Orchestrator implements it.
type WeightsService interface {
	Weights() ranking.Weights
	SetWeights(w ranking.Weights) (int, error)
}

// WeightsHandlers serves GET and PUT /ranking/weights.
type WeightsHandlers struct {
	service   WeightsService
	publisher Publisher
	logger    *slog.Logger
}

// NewWeightsHandlers creates weight handlers. publisher may be nil.
func NewWeightsHandlers(service WeightsService, publisher Publisher, logger *slog.Logger) *WeightsHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeightsHandlers{
		service:   service,
		publisher: publisher,
		logger:    logger,
	}
}

// WeightsResponse describes the active default weights.
type WeightsResponse struct {
	Weights     ranking.Weights `json:"weights"`
	Fingerprint string          `json:"fingerprint"`
	Sum         float64         `json:"sum"`
	// Invalidated and Broadcast are set on PUT only.
	Invalidated *int `json:"invalidated,omitempty"`
	Broadcast   bool `json:"broadcast,omitempty"`
}

// Weights dispatches GET and PUT /ranking/weights.
func (h *WeightsHandlers) Weights(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPut:
		h.put(w, r)
	default:
		methodNotAllowed(w, r, "GET, PUT")
	}
}

func (h *WeightsHandlers) get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, describeWeights(h.service.Weights()))
}

func (h *WeightsHandlers) put(w http.ResponseWriter, r *http.Request) {
	var weights ranking.Weights
	if err := decodeJSON(w, r, &weights); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	invalidated, err := h.service.SetWeights(weights)
	if err != nil {
		var verr *query.ValidationError
		if errors.As(err, &verr) {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, verr.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to replace weights", "error", err)
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	resp := describeWeights(weights)
	resp.Invalidated = &invalidated
	resp.Broadcast = publish(r.Context(), h.publisher, h.logger, invalidation.Event{
		Kind:    invalidation.KindWeights,
		Weights: &weights,
	})
	writeJSON(w, r, http.StatusOK, resp)
}

func describeWeights(w ranking.Weights) WeightsResponse {
	return WeightsResponse{
		Weights:     w,
		Fingerprint: w.Fingerprint(),
		Sum:         w.Sum(),
	}
}
