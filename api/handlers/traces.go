package handlers

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/baton-ai/baton/trace"
	"github.com/baton-ai/baton/types"
)

// Watcher is the live-subscription surface of a trace store. Only stores that
// can push events implement it; for others the live endpoint returns 501.
type Watcher interface {
	Watch(sessionID string) (<-chan trace.Event, func(), error)
}

// TraceHandler serves the observability trace endpoints.
type TraceHandler struct {
	store  trace.Store
	logger *zap.Logger
}

// NewTraceHandler creates the trace handler.
func NewTraceHandler(store trace.Store, logger *zap.Logger) *TraceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceHandler{
		store:  store,
		logger: logger.With(zap.String("component", "api_traces")),
	}
}

// HandleGetTrace serves GET /v1/traces/{id}: the complete causally ordered
// trace for one session.
func (h *TraceHandler) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"session id required", nil)
		return
	}

	tr, err := h.store.GetTrace(r.Context(), sessionID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, tr)
}

// HandleListTraces serves GET /v1/traces?limit=N: recent traces, newest first.
func (h *TraceHandler) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	traces, err := h.store.GetRecentTraces(r.Context(), limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, traces)
}

// HandleLiveTrace serves GET /v1/traces/{id}/live: a WebSocket stream of the
// session's events. The current in-progress snapshot is sent first, then
// events as they happen; the socket closes when the session completes.
func (h *TraceHandler) HandleLiveTrace(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	watcher, ok := h.store.(Watcher)
	if !ok {
		WriteErrorMessage(w, http.StatusNotImplemented, types.ErrInvalidRequest,
			"live traces are not supported by this trace store", nil)
		return
	}

	snapshot, err := h.store.GetRealTime(r.Context(), sessionID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	events, cancel, err := watcher.Watch(sessionID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, liveMessage{Type: "snapshot", Trace: snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "client context done")
			return
		case ev, open := <-events:
			if !open {
				// Session completed; send the final trace and close cleanly.
				if final, err := h.store.GetTrace(ctx, sessionID); err == nil {
					_ = wsjson.Write(ctx, conn, liveMessage{Type: "completed", Trace: final})
				}
				conn.Close(websocket.StatusNormalClosure, "session completed")
				return
			}
			if err := wsjson.Write(ctx, conn, liveMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

type liveMessage struct {
	Type  string       `json:"type"` // snapshot, event, completed
	Trace *trace.Trace `json:"trace,omitempty"`
	Event *trace.Event `json:"event,omitempty"`
}

// HandleMetrics serves GET /v1/metrics/orchestration: aggregate session
// statistics from the trace store.
func (h *TraceHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.Metrics(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	WriteSuccess(w, m)
}

func (h *TraceHandler) writeStoreError(w http.ResponseWriter, err error) {
	if typed, ok := err.(*types.Error); ok {
		WriteError(w, typed, h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
		err.Error(), h.logger)
}
