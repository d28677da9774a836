package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/baton-ai/baton/types"
)

// HTTPClientConfig holds configuration for the HTTP registry client.
type HTTPClientConfig struct {
	// BaseURL is the base URL of the registry service.
	BaseURL string
	// Timeout is the timeout for registry requests.
	Timeout time.Duration
	// CacheTTL is how long a ListAgents response is served from cache.
	CacheTTL time.Duration
	// Headers are additional headers to include in requests.
	Headers map[string]string
}

// DefaultHTTPClientConfig returns an HTTPClientConfig with sensible defaults.
func DefaultHTTPClientConfig(baseURL string) *HTTPClientConfig {
	return &HTTPClientConfig{
		BaseURL:  baseURL,
		Timeout:  10 * time.Second,
		CacheTTL: 5 * time.Second,
		Headers:  make(map[string]string),
	}
}

// HTTPClient consumes an external agent registry service over HTTP.
// The registry exposes GET /v1/agents and GET /v1/agents/{id}.
type HTTPClient struct {
	config     *HTTPClientConfig
	httpClient *http.Client

	cacheMu     sync.RWMutex
	cached      []Descriptor
	cachedUntil time.Time
}

// NewHTTPClient creates a registry client for the given configuration.
func NewHTTPClient(config *HTTPClientConfig) *HTTPClient {
	if config == nil {
		config = DefaultHTTPClientConfig("http://localhost:8090")
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// ListAgents implements Client.
func (c *HTTPClient) ListAgents(ctx context.Context) ([]Descriptor, error) {
	c.cacheMu.RLock()
	if time.Now().Before(c.cachedUntil) {
		out := make([]Descriptor, len(c.cached))
		copy(out, c.cached)
		c.cacheMu.RUnlock()
		return out, nil
	}
	c.cacheMu.RUnlock()

	var agents []Descriptor
	if err := c.getJSON(ctx, c.config.BaseURL+"/v1/agents", &agents); err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cached = agents
	c.cachedUntil = time.Now().Add(c.config.CacheTTL)
	c.cacheMu.Unlock()

	out := make([]Descriptor, len(agents))
	copy(out, agents)
	return out, nil
}

// GetAgent implements Client.
func (c *HTTPClient) GetAgent(ctx context.Context, agentID string) (*Descriptor, error) {
	var desc Descriptor
	url := fmt.Sprintf("%s/v1/agents/%s", c.config.BaseURL, agentID)
	if err := c.getJSON(ctx, url, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NewError(types.ErrAgentUnavailable, "registry unreachable").
			WithRetryable(true).
			WithCause(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return types.NewError(types.ErrAgentUnavailable, "agent not found").
			WithHTTPStatus(http.StatusNotFound)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.NewError(types.ErrAgentUnavailable,
			fmt.Sprintf("registry returned %d: %s", resp.StatusCode, string(body))).
			WithRetryable(resp.StatusCode >= 500)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	return nil
}
