// Package registry provides a read-only view of available agents and their
// declared capabilities. Orchestration sessions never talk to a live registry
// directly; they operate on an immutable, versioned Snapshot taken at session
// start so concurrent registry updates cannot alter an in-flight session.
package registry

import (
	"context"
	"time"
)

// AgentStatus represents the availability of a registered agent.
type AgentStatus string

const (
	// StatusOnline indicates the agent is reachable and healthy.
	StatusOnline AgentStatus = "online"
	// StatusDegraded indicates the agent is reachable with reduced capacity.
	StatusDegraded AgentStatus = "degraded"
	// StatusOffline indicates the agent is not reachable.
	StatusOffline AgentStatus = "offline"
)

// Descriptor describes a capability offered by an external agent.
type Descriptor struct {
	// AgentID uniquely identifies the agent within the registry.
	AgentID string `json:"agent_id"`

	// Name is the human-readable agent name.
	Name string `json:"name"`

	// Endpoint is the base URL the agent is invoked at.
	Endpoint string `json:"endpoint,omitempty"`

	// Capabilities is the set of capability tags the agent declares.
	Capabilities []string `json:"capabilities"`

	// InputKeys is the agent's declared input schema: the context keys it
	// recognizes. Handoff payloads are restricted to these keys.
	InputKeys []string `json:"input_keys,omitempty"`

	// Status is the registry-reported availability.
	Status AgentStatus `json:"status"`

	// Health is the registry-reported health score (0-1).
	Health float64 `json:"health"`

	// RegisteredAt is when the agent registered. Used as a deterministic
	// tie-breaker during selection (most recent first).
	RegisteredAt time.Time `json:"registered_at"`

	// Metadata contains additional registry metadata.
	Metadata map[string]string `json:"metadata,omitempty"`

	// RelevanceScore is computed per query at selection time. It is not
	// intrinsic to the agent and is zero on registry reads.
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// HasCapability reports whether the descriptor declares the given capability tag.
func (d *Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// AcceptsKey reports whether the agent's declared input schema recognizes key.
// An agent with no declared schema accepts every key.
func (d *Descriptor) AcceptsKey(key string) bool {
	if len(d.InputKeys) == 0 {
		return true
	}
	for _, k := range d.InputKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() Descriptor {
	out := *d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.InputKeys = append([]string(nil), d.InputKeys...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Client is the read-only registry interface consumed by the orchestrator.
type Client interface {
	// ListAgents returns all registered agent descriptors.
	ListAgents(ctx context.Context) ([]Descriptor, error)

	// GetAgent retrieves a descriptor by agent ID. Returns a
	// types.Error with code AGENT_UNAVAILABLE when not found.
	GetAgent(ctx context.Context, agentID string) (*Descriptor, error)
}
