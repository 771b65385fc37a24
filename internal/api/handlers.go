// Package api provides the REST API handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/internal/orchestrator"
	"github.com/chronos/ebreplay/internal/storage"
)

// MaxTriggerSize is the largest trigger body accepted, matching the
// EventBridge event size limit.
const MaxTriggerSize = 256 * 1024

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
	maxListLimit       = 500
)

// Executions is the orchestrator surface served by the API.
type Executions interface {
	Get(id string) (*models.Execution, error)
	List(opts storage.ListOptions) ([]*models.Execution, error)
	Wait(ctx context.Context, id string) (*models.Execution, error)
	Cancel(ctx context.Context, id string) (*models.Execution, error)
	Stats() orchestrator.Stats
}

// Triggers accepts raw replay triggers.
type Triggers interface {
	Handle(ctx context.Context, body []byte) (*models.Execution, error)
}

// Handler handles API requests.
type Handler struct {
	executions Executions
	triggers   Triggers
	logger     zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(executions Executions, triggers Triggers, logger zerolog.Logger) *Handler {
	return &Handler{
		executions: executions,
		triggers:   triggers,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// API Response types

// Response is a generic API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListExecutionsResponse is the response for listing executions.
type ListExecutionsResponse struct {
	Executions []*models.Execution `json:"executions"`
	Total      int                 `json:"total"`
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.executions.Stats()
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status": "healthy",
			"time":   time.Now().UTC(),
			"active": stats.Active,
		},
	})
}

// SubmitReplay handles POST /api/v1/replays. The body is a replayed event
// envelope or a state-machine input wrapping one.
func (h *Handler) SubmitReplay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxTriggerSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.WriteAPIError(w, &APIError{
				HTTPStatus: http.StatusRequestEntityTooLarge,
				Code:       ErrCodeValidation,
				Message:    "Trigger exceeds 256 KiB",
			})
			return
		}
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}

	exec, err := h.triggers.Handle(r.Context(), body)
	if errors.Is(err, models.ErrExecutionExists) && exec != nil {
		h.writeJSON(w, http.StatusConflict, Response{
			Success: false,
			Data:    exec,
			Error:   &ErrorInfo{Code: ErrCodeAlreadyExists, Message: ErrExecutionExists.Message},
		})
		return
	}
	if h.HandleError(w, err) {
		return
	}

	h.logger.Info().
		Str("execution_id", exec.ID).
		Str("replay_name", exec.ReplayName).
		Msg("Replay submitted")

	h.writeJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    exec,
	})
}

// ListExecutions handles GET /api/v1/executions.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := storage.ListOptions{
		ReplayName: query.Get("replay"),
		State:      models.State(query.Get("state")),
	}
	if opts.State != "" && !opts.State.Valid() {
		h.WriteAPIError(w, NewValidationError("Unknown state "+strconv.Quote(string(opts.State))))
		return
	}

	if l := query.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			h.WriteAPIError(w, NewValidationError("Limit must be a positive number"))
			return
		}
		opts.Limit = min(parsed, maxListLimit)
	}

	executions, err := h.executions.List(opts)
	if h.HandleStoreError(w, err, "list executions") {
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: ListExecutionsResponse{
			Executions: executions,
			Total:      len(executions),
		},
	})
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.executions.Get(chi.URLParam(r, "id"))
	if h.HandleStoreError(w, err, "get execution") {
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    exec,
	})
}

// WaitExecution handles GET /api/v1/executions/{id}/wait. It blocks until the
// execution stops running or the timeout passes, then returns its snapshot.
func (h *Handler) WaitExecution(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if t := r.URL.Query().Get("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil || parsed <= 0 {
			h.WriteAPIError(w, ErrInvalidTimeout)
			return
		}
		timeout = min(parsed, maxWaitTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	exec, err := h.executions.Wait(ctx, chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.HandleStoreError(w, err, "wait for execution")
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    exec,
	})
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := h.executions.Cancel(r.Context(), id)
	if errors.Is(err, models.ErrNotCancellable) && exec != nil {
		h.writeJSON(w, http.StatusConflict, Response{
			Success: false,
			Data:    exec,
			Error:   &ErrorInfo{Code: ErrCodeNotCancellable, Message: ErrNotCancellable.Message},
		})
		return
	}
	if h.HandleStoreError(w, err, "cancel execution") {
		return
	}

	h.logger.Info().Str("execution_id", id).Str("state", string(exec.State)).Msg("Execution cancel requested")

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    exec,
	})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    h.executions.Stats(),
	})
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
