package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baton-ai/baton/pipeline"
	"github.com/baton-ai/baton/types"
)

// Orchestrator runs one orchestration session end to end.
type Orchestrator interface {
	Run(ctx context.Context, query string, opts pipeline.Options) *pipeline.OrchestrationResult
}

// OrchestrateRequest is the body of POST /v1/orchestrate.
type OrchestrateRequest struct {
	// Query is the raw user query to orchestrate.
	Query string `json:"query"`

	// SessionID optionally pins the session ID; generated when empty.
	SessionID string `json:"session_id,omitempty"`

	// TimeoutSeconds optionally bounds the session.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// OrchestrateHandler serves the orchestration endpoint.
type OrchestrateHandler struct {
	orchestrator Orchestrator
	logger       *zap.Logger
}

// NewOrchestrateHandler creates the orchestration handler.
func NewOrchestrateHandler(orchestrator Orchestrator, logger *zap.Logger) *OrchestrateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrchestrateHandler{
		orchestrator: orchestrator,
		logger:       logger.With(zap.String("component", "api_orchestrate")),
	}
}

// HandleOrchestrate serves POST /v1/orchestrate. The session runs
// synchronously; the response carries the final answer plus the full
// observability trace.
func (h *OrchestrateHandler) HandleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest,
			"method not allowed", nil)
		return
	}

	var req OrchestrateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"query must not be empty", nil)
		return
	}

	opts := pipeline.Options{SessionID: req.SessionID}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result := h.orchestrator.Run(r.Context(), req.Query, opts)
	if !result.Success {
		status := http.StatusInternalServerError
		if result.Error != nil {
			if result.Error.HTTPStatus != 0 {
				status = result.Error.HTTPStatus
			} else {
				status = mapErrorCodeToHTTPStatus(result.Error.Code)
			}
		}
		// The failed result still carries the partial trace; send it as data
		// alongside the error.
		WriteJSON(w, status, Response{
			Success: false,
			Data:    result,
			Error: &ErrorInfo{
				Code:      errCode(result.Error),
				Message:   errMessage(result.Error),
				Retryable: result.Error != nil && result.Error.Retryable,
			},
			Timestamp: time.Now(),
		})
		return
	}

	WriteSuccess(w, result)
}

func errCode(err *types.Error) string {
	if err == nil {
		return string(types.ErrInternalError)
	}
	return string(err.Code)
}

func errMessage(err *types.Error) string {
	if err == nil {
		return "orchestration failed"
	}
	return err.Message
}
