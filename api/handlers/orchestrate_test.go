package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-ai/baton/pipeline"
	"github.com/baton-ai/baton/types"
)

type fakeOrchestrator struct {
	lastQuery string
	lastOpts  pipeline.Options
	result    *pipeline.OrchestrationResult
}

func (f *fakeOrchestrator) Run(_ context.Context, query string, opts pipeline.Options) *pipeline.OrchestrationResult {
	f.lastQuery = query
	f.lastOpts = opts
	return f.result
}

func TestHandleOrchestrate_Success(t *testing.T) {
	fake := &fakeOrchestrator{result: &pipeline.OrchestrationResult{
		Success:   true,
		SessionID: "s-1",
		Response:  "thirty petals fall",
	}}
	h := NewOrchestrateHandler(fake, nil)

	body := `{"query":"calculate 10 + 20 and write a haiku about it","timeout_seconds":30}`
	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleOrchestrate(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)

	assert.Equal(t, "calculate 10 + 20 and write a haiku about it", fake.lastQuery)
	assert.Equal(t, 30*time.Second, fake.lastOpts.Timeout)
}

func TestHandleOrchestrate_EmptyQuery(t *testing.T) {
	h := NewOrchestrateHandler(&fakeOrchestrator{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrate", strings.NewReader(`{"query":"  "}`))
	rec := httptest.NewRecorder()
	h.HandleOrchestrate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestHandleOrchestrate_FailureCarriesPartialResult(t *testing.T) {
	fake := &fakeOrchestrator{result: &pipeline.OrchestrationResult{
		Success:   false,
		SessionID: "s-2",
		Error:     types.NewError(types.ErrNoAgents, "no agents found for domains [research]"),
	}}
	h := NewOrchestrateHandler(fake, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrate",
		strings.NewReader(`{"query":"investigate something obscure"}`))
	rec := httptest.NewRecorder()
	h.HandleOrchestrate(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NO_AGENTS_AVAILABLE", resp.Error.Code)
	// The envelope still carries the partial result for debugging.
	assert.NotNil(t, resp.Data)
}

func TestHandleOrchestrate_MethodNotAllowed(t *testing.T) {
	h := NewOrchestrateHandler(&fakeOrchestrator{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/orchestrate", nil)
	rec := httptest.NewRecorder()
	h.HandleOrchestrate(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleOrchestrate_SessionIDPassthrough(t *testing.T) {
	fake := &fakeOrchestrator{result: &pipeline.OrchestrationResult{Success: true, SessionID: "pinned"}}
	h := NewOrchestrateHandler(fake, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrate",
		strings.NewReader(`{"query":"calculate 1 + 1","session_id":"pinned"}`))
	rec := httptest.NewRecorder()
	h.HandleOrchestrate(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pinned", fake.lastOpts.SessionID)
}
