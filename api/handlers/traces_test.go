package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baton-ai/baton/trace"
)

func seededStore(t *testing.T) *trace.MemoryStore {
	t.Helper()
	store := trace.NewMemoryStore(trace.MemoryStoreConfig{}, zap.NewNop())
	ctx := context.Background()

	store.StartSession(ctx, "done-1", "calculate 1 + 1", "single_agent")
	store.RecordEvent(ctx, trace.Event{SessionID: "done-1", Type: trace.EventAgentInvoked, AgentID: "calc-1"})
	store.CompleteSession(ctx, "done-1", true, "2")

	store.StartSession(ctx, "live-1", "write a poem", "single_agent")
	return store
}

func TestHandleGetTrace(t *testing.T) {
	h := NewTraceHandler(seededStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces/done-1", nil)
	req.SetPathValue("id", "done-1")
	rec := httptest.NewRecorder()
	h.HandleGetTrace(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
	assert.Contains(t, rec.Body.String(), `"session_id":"done-1"`)
}

func TestHandleGetTrace_NotFound(t *testing.T) {
	h := NewTraceHandler(seededStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	h.HandleGetTrace(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TRACE_NOT_FOUND", resp.Error.Code)
}

func TestHandleListTraces(t *testing.T) {
	h := NewTraceHandler(seededStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces?limit=10", nil)
	rec := httptest.NewRecorder()
	h.HandleListTraces(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "done-1")
	assert.Contains(t, body, "live-1")
}

func TestHandleListTraces_BadLimit(t *testing.T) {
	h := NewTraceHandler(seededStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces?limit=banana", nil)
	rec := httptest.NewRecorder()
	h.HandleListTraces(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	h := NewTraceHandler(seededStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/orchestration", nil)
	rec := httptest.NewRecorder()
	h.HandleMetrics(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "total_sessions")
}

func TestHandleLiveTrace_CompletedSessionRejected(t *testing.T) {
	h := NewTraceHandler(seededStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces/done-1/live", nil)
	req.SetPathValue("id", "done-1")
	rec := httptest.NewRecorder()
	h.HandleLiveTrace(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLiveTrace_StreamsEventsUntilCompletion(t *testing.T) {
	store := seededStore(t)
	h := NewTraceHandler(store, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/traces/{id}/live", h.HandleLiveTrace)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/traces/live-1/live"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot liveMessage
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	assert.Equal(t, "snapshot", snapshot.Type)
	require.NotNil(t, snapshot.Trace)
	assert.Equal(t, "live-1", snapshot.Trace.SessionID)

	store.RecordEvent(context.Background(), trace.Event{
		SessionID: "live-1",
		Type:      trace.EventAgentInvoked,
		AgentID:   "writer-1",
	})

	var ev liveMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "event", ev.Type)
	require.NotNil(t, ev.Event)
	assert.Equal(t, "writer-1", ev.Event.AgentID)

	store.CompleteSession(context.Background(), "live-1", true, "a poem")

	var completedEv liveMessage
	require.NoError(t, wsjson.Read(ctx, conn, &completedEv))
	assert.Equal(t, "event", completedEv.Type)
	require.NotNil(t, completedEv.Event)
	assert.Equal(t, trace.EventSessionCompleted, completedEv.Event.Type)

	var final liveMessage
	require.NoError(t, wsjson.Read(ctx, conn, &final))
	assert.Equal(t, "completed", final.Type)
	require.NotNil(t, final.Trace)
	assert.True(t, final.Trace.Completed)
}

func TestHandleLiveTrace_UpgradesThroughWrappedWriter(t *testing.T) {
	store := seededStore(t)
	h := NewTraceHandler(store, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/traces/{id}/live", h.HandleLiveTrace)

	// Wrap every request the way the middleware stack does, so the upgrade
	// has to hijack through the status-capturing writer.
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := NewResponseWriter(w)
		mux.ServeHTTP(rw, r)
	})
	srv := httptest.NewServer(wrapped)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/traces/live-1/live"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot liveMessage
	require.NoError(t, wsjson.Read(ctx, conn, &snapshot))
	assert.Equal(t, "snapshot", snapshot.Type)
	require.NotNil(t, snapshot.Trace)
	assert.Equal(t, "live-1", snapshot.Trace.SessionID)
}
