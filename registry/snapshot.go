package registry

import (
	"context"
	"time"
)

// Snapshot is an immutable, versioned copy of the registry contents taken at
// session start. Sessions read only from their snapshot; the live registry may
// change concurrently without affecting in-flight orchestration.
type Snapshot struct {
	version int64
	takenAt time.Time
	agents  []Descriptor
	byID    map[string]int
}

// NewSnapshot builds a snapshot from descriptors, deep-copying every entry.
func NewSnapshot(version int64, agents []Descriptor) *Snapshot {
	copied := make([]Descriptor, 0, len(agents))
	byID := make(map[string]int, len(agents))
	for _, a := range agents {
		byID[a.AgentID] = len(copied)
		copied = append(copied, a.Clone())
	}
	return &Snapshot{
		version: version,
		takenAt: time.Now(),
		agents:  copied,
		byID:    byID,
	}
}

// Take reads the full registry through client and freezes it into a snapshot.
// The version is the snapshot creation time in nanoseconds unless the client
// is version-aware (see MemoryRegistry.Snapshot).
func Take(ctx context.Context, client Client) (*Snapshot, error) {
	if versioned, ok := client.(interface {
		Snapshot(ctx context.Context) (*Snapshot, error)
	}); ok {
		return versioned.Snapshot(ctx)
	}
	agents, err := client.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(time.Now().UnixNano(), agents), nil
}

// Version returns the registry version the snapshot was taken at.
func (s *Snapshot) Version() int64 { return s.version }

// TakenAt returns when the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of agents in the snapshot.
func (s *Snapshot) Len() int { return len(s.agents) }

// Agents returns copies of all descriptors in the snapshot.
func (s *Snapshot) Agents() []Descriptor {
	out := make([]Descriptor, 0, len(s.agents))
	for i := range s.agents {
		out = append(out, s.agents[i].Clone())
	}
	return out
}

// Get returns a copy of the descriptor for agentID, if present.
func (s *Snapshot) Get(agentID string) (Descriptor, bool) {
	i, ok := s.byID[agentID]
	if !ok {
		return Descriptor{}, false
	}
	return s.agents[i].Clone(), true
}

// WithCapability returns copies of all descriptors declaring the capability tag.
func (s *Snapshot) WithCapability(tag string) []Descriptor {
	var out []Descriptor
	for i := range s.agents {
		if s.agents[i].HasCapability(tag) {
			out = append(out, s.agents[i].Clone())
		}
	}
	return out
}

// CapabilityTags returns the distinct capability tags present in the snapshot.
func (s *Snapshot) CapabilityTags() []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range s.agents {
		for _, tag := range s.agents[i].Capabilities {
			if _, ok := seen[tag]; !ok {
				seen[tag] = struct{}{}
				out = append(out, tag)
			}
		}
	}
	return out
}
