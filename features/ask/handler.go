package ask

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"clinrag/backend/internal/adapter/gemini"
	"clinrag/backend/internal/adapter/weaviate"
	"clinrag/backend/internal/answer"
	"clinrag/backend/internal/middleware"
	"clinrag/backend/internal/retrieval"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, opts *retrieval.Options) (retrieval.Result, error)
}

type Answerer interface {
	Answer(ctx context.Context, question string, result retrieval.Result) (answer.Answer, error)
}

type Handler struct {
	retriever Retriever
	answerer  Answerer
}

func NewHandler(retriever Retriever, answerer Answerer) *Handler {
	return &Handler{retriever: retriever, answerer: answerer}
}

type queryRequest struct {
	Query         string             `json:"query"`
	Filters       *retrieval.Filters `json:"filters,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	MinSimilarity *float64           `json:"min_similarity,omitempty"`
}

func (r queryRequest) options() *retrieval.Options {
	return &retrieval.Options{
		TopK:          r.TopK,
		MinSimilarity: r.MinSimilarity,
		Filters:       r.Filters,
	}
}

// Search runs retrieval only. An empty result is a normal 200 with an
// empty item list, not an error.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Query is required", http.StatusBadRequest)
		return
	}

	result, err := h.retriever.Retrieve(ctx, req.Query, req.options())
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	if result.Items == nil {
		result.Items = []retrieval.Hit{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": result.Items,
		"meta": map[string]int{"count": len(result.Items), "total_chars": result.TotalChars},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// Ask retrieves context and generates a grounded answer. Insufficient
// context is a 200 with the stock refusal, not a failure.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Query is required", http.StatusBadRequest)
		return
	}

	result, err := h.retriever.Retrieve(ctx, req.Query, req.options())
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	ans, err := h.answerer.Answer(ctx, req.Query, result)
	if err != nil {
		var violation *answer.GroundingViolation
		if errors.As(err, &violation) {
			slog.WarnContext(ctx, "rejecting ungrounded answer", "invalid_markers", violation.InvalidMarkers)
			h.writeError(ctx, w, "UNGROUNDED_ANSWER", "Generated answer could not be verified against sources", http.StatusBadGateway)
			return
		}
		h.writeServiceError(ctx, w, err)
		return
	}

	if ans.Citations == nil {
		ans.Citations = []retrieval.Citation{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"answer":               ans.Text,
			"citations":            ans.Citations,
			"unverified":           ans.Unverified,
			"insufficient_context": ans.Text == answer.InsufficientContextAnswer,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// writeServiceError maps external service outages to 502 so clients know
// a retry may succeed.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	slog.ErrorContext(ctx, "query failed", "error", err)
	switch {
	case errors.Is(err, gemini.ErrEmbeddingService):
		h.writeError(ctx, w, "EMBEDDING_UNAVAILABLE", "Embedding service unavailable, retry later", http.StatusBadGateway)
	case errors.Is(err, gemini.ErrGenerationService):
		h.writeError(ctx, w, "GENERATION_UNAVAILABLE", "Generation service unavailable, retry later", http.StatusBadGateway)
	case errors.Is(err, weaviate.ErrIndexStore):
		h.writeError(ctx, w, "INDEX_UNAVAILABLE", "Vector index unavailable, retry later", http.StatusBadGateway)
	default:
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
