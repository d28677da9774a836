package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/types"
)

// Result is one agent invocation outcome.
type Result struct {
	// Output is the agent's structured output, merged into the session's
	// accumulated context on success.
	Output map[string]any `json:"output"`

	// ToolsUsed lists the tools the agent reports having used.
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Invoker invokes one external agent with a context payload under the
// caller-supplied deadline. Implementations classify failures with the
// AGENT_* error codes so the engine's retry policy can act on them.
type Invoker interface {
	Invoke(ctx context.Context, agent registry.Descriptor, payload map[string]any) (*Result, error)
}

// InvokerConfig holds configuration for the HTTP invoker.
type InvokerConfig struct {
	// Timeout is the per-invocation HTTP timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Headers are additional headers included in every request.
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// DefaultInvokerConfig returns an InvokerConfig with sensible defaults.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{Timeout: 30 * time.Second}
}

// HTTPInvoker invokes agents over JSON/HTTP at POST {endpoint}/invoke.
type HTTPInvoker struct {
	config     InvokerConfig
	httpClient *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker.
func NewHTTPInvoker(cfg InvokerConfig) *HTTPInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInvokerConfig().Timeout
	}
	return &HTTPInvoker{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// invokeRequest is the wire request sent to an agent.
type invokeRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context"`
}

// invokeResponse is the wire response expected from an agent.
type invokeResponse struct {
	Output    map[string]any `json:"output"`
	ToolsUsed []string       `json:"tools_used,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Invoke posts the payload to the agent's invoke endpoint. Timeouts and
// connection failures come back retryable; a response the engine cannot use
// comes back as non-retryable malformed output.
func (inv *HTTPInvoker) Invoke(ctx context.Context, agent registry.Descriptor, payload map[string]any) (*Result, error) {
	if agent.Endpoint == "" {
		return nil, types.NewError(types.ErrAgentUnavailable, "agent has no endpoint").
			WithAgentID(agent.AgentID).
			WithHTTPStatus(http.StatusBadGateway)
	}

	sessionID, _ := types.SessionID(ctx)
	body, err := json.Marshal(invokeRequest{
		SessionID: sessionID,
		Context:   payload,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode invoke request").
			WithAgentID(agent.AgentID).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrAgentTransport, "build invoke request").
			WithAgentID(agent.AgentID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range inv.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(agent.AgentID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, types.NewError(types.ErrAgentTimeout, fmt.Sprintf("agent returned status %d", resp.StatusCode)).
			WithAgentID(agent.AgentID).WithRetryable(true)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewError(types.ErrAgentTransport, fmt.Sprintf("agent returned status %d", resp.StatusCode)).
			WithAgentID(agent.AgentID).WithRetryable(true)
	default:
		return nil, types.NewError(types.ErrAgentUnavailable, fmt.Sprintf("agent rejected request with status %d", resp.StatusCode)).
			WithAgentID(agent.AgentID).WithHTTPStatus(resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(agent.AgentID, err)
	}

	var wire invokeResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, types.NewError(types.ErrAgentMalformed, "agent response is not valid JSON").
			WithAgentID(agent.AgentID).WithCause(err)
	}
	if wire.Error != "" {
		return nil, types.NewError(types.ErrAgentTransport, wire.Error).
			WithAgentID(agent.AgentID).WithRetryable(true)
	}
	if wire.Output == nil {
		return nil, types.NewError(types.ErrAgentMalformed, "agent response has no output").
			WithAgentID(agent.AgentID)
	}

	return &Result{Output: wire.Output, ToolsUsed: wire.ToolsUsed}, nil
}

// classifyTransportError distinguishes timeouts from other transport
// failures; both are retryable once.
func classifyTransportError(agentID string, err error) *types.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewError(types.ErrAgentTimeout, "agent invocation timed out").
			WithAgentID(agentID).WithCause(err).WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrSessionTimeout, "invocation cancelled").
			WithAgentID(agentID).WithCause(err)
	}
	return types.NewError(types.ErrAgentTransport, "agent transport failure").
		WithAgentID(agentID).WithCause(err).WithRetryable(true)
}

var _ Invoker = (*HTTPInvoker)(nil)
