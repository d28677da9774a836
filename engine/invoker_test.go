package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/types"
)

func invokerAgent(endpoint string) registry.Descriptor {
	return registry.Descriptor{AgentID: "calc", Name: "Calc", Endpoint: endpoint}
}

func TestHTTPInvoker_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/invoke", r.URL.Path)

		var req invokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.SessionID)
		assert.Equal(t, "calculate 10 + 20", req.Context["query"])

		json.NewEncoder(w).Encode(invokeResponse{
			Output:    map[string]any{"sum": 30},
			ToolsUsed: []string{"calculator"},
		})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(DefaultInvokerConfig())
	ctx := types.WithSessionID(context.Background(), "s1")
	res, err := inv.Invoke(ctx, invokerAgent(srv.URL), map[string]any{"query": "calculate 10 + 20"})
	require.NoError(t, err)
	assert.Equal(t, float64(30), res.Output["sum"])
	assert.Equal(t, []string{"calculator"}, res.ToolsUsed)
}

func TestHTTPInvoker_ServerErrorIsRetryableTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(DefaultInvokerConfig())
	_, err := inv.Invoke(context.Background(), invokerAgent(srv.URL), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentTransport, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestHTTPInvoker_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(InvokerConfig{Timeout: 20 * time.Millisecond})
	_, err := inv.Invoke(context.Background(), invokerAgent(srv.URL), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentTimeout, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestHTTPInvoker_InvalidJSONIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(DefaultInvokerConfig())
	_, err := inv.Invoke(context.Background(), invokerAgent(srv.URL), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentMalformed, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestHTTPInvoker_MissingOutputIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tools_used":["calculator"]}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(DefaultInvokerConfig())
	_, err := inv.Invoke(context.Background(), invokerAgent(srv.URL), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentMalformed, types.GetErrorCode(err))
}

func TestHTTPInvoker_AgentReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(invokeResponse{Error: "model overloaded"})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(DefaultInvokerConfig())
	_, err := inv.Invoke(context.Background(), invokerAgent(srv.URL), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentTransport, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHTTPInvoker_NoEndpoint(t *testing.T) {
	inv := NewHTTPInvoker(DefaultInvokerConfig())
	_, err := inv.Invoke(context.Background(), registry.Descriptor{AgentID: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentUnavailable, types.GetErrorCode(err))
}

func TestHTTPInvoker_ClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(DefaultInvokerConfig())
	_, err := inv.Invoke(context.Background(), invokerAgent(srv.URL), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentUnavailable, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}
