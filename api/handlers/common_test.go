package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-ai/baton/types"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	resp := decodeEnvelope(t, rec)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError_UsesTypedStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewError(types.ErrTraceNotFound, "no trace for session abc").
		WithHTTPStatus(http.StatusNotFound)
	WriteError(rec, err, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TRACE_NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "no trace for session abc", resp.Error.Message)
}

func TestWriteError_MapsCodeWhenNoStatus(t *testing.T) {
	cases := []struct {
		code   types.ErrorCode
		status int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrAnalysisFailed, http.StatusBadRequest},
		{types.ErrTraceNotFound, http.StatusNotFound},
		{types.ErrNoAgents, http.StatusBadGateway},
		{types.ErrAgentTimeout, http.StatusGatewayTimeout},
		{types.ErrSessionTimeout, http.StatusGatewayTimeout},
		{types.ErrInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, types.NewError(tc.code, "x"), nil)
		assert.Equal(t, tc.status, rec.Code, "code %s", tc.code)
	}
}

func TestDecodeJSONBody_RejectsUnknownFields(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"q","bogus":1}`))

	var dst struct {
		Query string `json:"query"`
	}
	err := DecodeJSONBody(rec, req, &dst, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResponseWriter_CapturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError) // ignored

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestResponseWriter_ImplicitOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("body"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}

func TestResponseWriter_PassesThroughOptionalInterfaces(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	var w http.ResponseWriter = rw
	_, ok := w.(http.Flusher)
	assert.True(t, ok)
	_, ok = w.(http.Hijacker)
	assert.True(t, ok)
	assert.Same(t, rec, rw.Unwrap())

	// httptest.ResponseRecorder cannot hijack; the wrapper must surface that
	// as an error rather than panic.
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}
