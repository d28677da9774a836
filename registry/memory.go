package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/baton-ai/baton/types"
	"go.uber.org/zap"
)

// MemoryRegistry is an in-memory registry implementation. It serves both as the
// development/test backend and as the local cache an orchestrator node keeps of
// the administrative registry service.
type MemoryRegistry struct {
	agents  map[string]Descriptor
	version int64
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(logger *zap.Logger) *MemoryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRegistry{
		agents: make(map[string]Descriptor),
		logger: logger.With(zap.String("component", "registry")),
	}
}

// Register adds or replaces an agent descriptor and bumps the registry version.
func (r *MemoryRegistry) Register(desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.RegisteredAt.IsZero() {
		desc.RegisteredAt = time.Now()
	}
	if desc.Status == "" {
		desc.Status = StatusOnline
	}
	if desc.Health == 0 && desc.Status == StatusOnline {
		desc.Health = 1.0
	}
	r.agents[desc.AgentID] = desc.Clone()
	r.version++

	r.logger.Info("agent registered",
		zap.String("agent_id", desc.AgentID),
		zap.Strings("capabilities", desc.Capabilities),
		zap.Int64("version", r.version),
	)
}

// Deregister removes an agent and bumps the registry version.
func (r *MemoryRegistry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return
	}
	delete(r.agents, agentID)
	r.version++
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
}

// SetHealth updates the health score and status of an agent.
func (r *MemoryRegistry) SetHealth(agentID string, health float64, status AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.agents[agentID]
	if !ok {
		return
	}
	desc.Health = health
	desc.Status = status
	r.agents[agentID] = desc
	r.version++
}

// ListAgents implements Client.
func (r *MemoryRegistry) ListAgents(ctx context.Context) ([]Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, desc := range r.agents {
		out = append(out, desc.Clone())
	}
	return out, nil
}

// GetAgent implements Client.
func (r *MemoryRegistry) GetAgent(ctx context.Context, agentID string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.agents[agentID]
	if !ok {
		return nil, types.NewError(types.ErrAgentUnavailable, "agent not found: "+agentID).
			WithHTTPStatus(http.StatusNotFound)
	}
	copied := desc.Clone()
	return &copied, nil
}

// Snapshot freezes the current registry contents under the current version.
func (r *MemoryRegistry) Snapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]Descriptor, 0, len(r.agents))
	for _, desc := range r.agents {
		agents = append(agents, desc)
	}
	return NewSnapshot(r.version, agents), nil
}

// Version returns the current registry version.
func (r *MemoryRegistry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
