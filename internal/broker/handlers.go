package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
)

const (
	maxBodyBytes           = 1 << 20
	defaultDeadLetterLimit = 50
)

// GenerateRequest is the body of POST /v1/generate/{model}
type GenerateRequest struct {
	Prompt       string `json:"prompt" validate:"required"`
	Preprocessor string `json:"preprocessor,omitempty"`
}

// ResultResponse is the public view of a generation result
type ResultResponse struct {
	ID          uuid.UUID  `json:"id"`
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt"`
	Response    *string    `json:"response"`
	Error       string     `json:"error,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func newResultResponse(r *generation.Result) ResultResponse {
	return ResultResponse{
		ID:          r.ID,
		Model:       r.Model,
		Prompt:      r.Prompt,
		Response:    r.Response,
		Error:       r.Error,
		Status:      string(r.Status),
		Attempts:    r.Attempts,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// handleRoot confirms the API is up
func (b *Broker) handleRoot(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to LLM Hub",
	})
}

// handleListModels lists the backend's models
func (b *Broker) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := b.orchestrator.ListModels(r.Context())
	if err != nil {
		b.writeError(w, r, err)
		return
	}

	b.writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
	})
}

// handleGenerate submits a generation request
func (b *Broker) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		b.writeError(w, r, fmt.Errorf("%w: invalid request body: %v", generation.ErrInvalidInput, err))
		return
	}
	if err := b.validate.Struct(req); err != nil {
		b.writeError(w, r, fmt.Errorf("%w: %v", generation.ErrInvalidInput, err))
		return
	}

	useCache := true
	if raw := r.URL.Query().Get("use_cache"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			b.writeError(w, r, fmt.Errorf("%w: use_cache must be a boolean", generation.ErrInvalidInput))
			return
		}
		useCache = v
	}

	prompt := req.Prompt
	name := r.URL.Query().Get("preprocessor")
	if name == "" {
		name = req.Preprocessor
	}
	if name != "" {
		out, err := b.preprocessors.Apply(r.Context(), name, prompt)
		if err != nil {
			b.writeError(w, r, err)
			return
		}
		prompt = out
	}

	result, err := b.orchestrator.Submit(r.Context(), chi.URLParam(r, "model"), prompt, !useCache)
	if err != nil {
		b.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == generation.StatusCompleted {
		status = http.StatusOK
	}
	b.writeJSON(w, status, newResultResponse(result))
}

// handleGetResult returns a result by id
func (b *Broker) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		b.writeError(w, r, fmt.Errorf("%w: result id must be a uuid", generation.ErrInvalidInput))
		return
	}

	result, err := b.orchestrator.Fetch(r.Context(), id)
	if err != nil {
		b.writeError(w, r, err)
		return
	}

	b.writeJSON(w, http.StatusOK, newResultResponse(result))
}

// handleQueueStats returns queue statistics
func (b *Broker) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := b.queue.Stats(r.Context())
	if err != nil {
		b.writeError(w, r, generation.StorageError("queue stats", err))
		return
	}

	b.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":         stats.Ready,
		"delayed":       stats.Delayed,
		"in_flight":     stats.InFlight,
		"pending":       stats.Pending(),
		"dead_letters":  stats.DeadLetters,
		"enqueued":      stats.Enqueued,
		"redelivered":   stats.Redelivered,
		"dead_lettered": stats.DeadLettered,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDeadLetters lists dead-lettered descriptors when the queue keeps them
func (b *Broker) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	lister, ok := b.queue.(queue.DeadLetterLister)
	if !ok {
		b.writeJSON(w, http.StatusNotImplemented, ErrorResponse{
			Error:     "Not Implemented",
			Detail:    "queue backend does not expose dead letters",
			ErrorCode: CodeNotImplemented,
		})
		return
	}

	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			b.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", generation.ErrInvalidInput))
			return
		}
		limit = n
	}

	entries, err := lister.DeadLetters(r.Context(), limit)
	if err != nil {
		b.writeError(w, r, generation.StorageError("dead letters", err))
		return
	}

	b.writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

// handleHealth returns health status
func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if err := b.queue.Health(ctx); err != nil {
		b.logger.Error("Queue health check failed", logger.Fields{
			"error": err.Error(),
		})
		health["status"] = "unhealthy"
		health["queue_error"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	if err := b.store.Ping(ctx); err != nil {
		b.logger.Error("Store health check failed", logger.Fields{
			"error": err.Error(),
		})
		health["status"] = "unhealthy"
		health["store_error"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	b.writeJSON(w, status, health)
}

// writeJSON writes v with status
func (b *Broker) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		b.logger.Error("Failed to encode response", logger.Fields{
			"error": err.Error(),
		})
	}
}
