package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/baton-ai/baton/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryRegistry_RegisterAndGet(t *testing.T) {
	reg := NewMemoryRegistry(zap.NewNop())

	reg.Register(Descriptor{
		AgentID:      "calc",
		Name:         "Calculator",
		Capabilities: []string{"math", "calculation"},
	})

	desc, err := reg.GetAgent(context.Background(), "calc")
	require.NoError(t, err)
	assert.Equal(t, "Calculator", desc.Name)
	assert.Equal(t, StatusOnline, desc.Status)
	assert.Equal(t, 1.0, desc.Health)
	assert.False(t, desc.RegisteredAt.IsZero())

	_, err = reg.GetAgent(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentUnavailable, types.GetErrorCode(err))
}

func TestMemoryRegistry_SnapshotIsolation(t *testing.T) {
	reg := NewMemoryRegistry(zap.NewNop())
	reg.Register(Descriptor{AgentID: "a1", Capabilities: []string{"math"}})

	snap, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	v1 := snap.Version()

	// Mutations after the snapshot must not be visible through it.
	reg.Register(Descriptor{AgentID: "a2", Capabilities: []string{"writing"}})
	reg.SetHealth("a1", 0.2, StatusDegraded)

	assert.Equal(t, 1, snap.Len())
	got, ok := snap.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Health)

	snap2, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap2.Len())
	assert.Greater(t, snap2.Version(), v1)
}

func TestSnapshot_MutatingReturnedDescriptorsIsSafe(t *testing.T) {
	snap := NewSnapshot(1, []Descriptor{
		{AgentID: "a1", Capabilities: []string{"math"}},
	})

	agents := snap.Agents()
	agents[0].Capabilities[0] = "mutated"

	fresh, ok := snap.Get("a1")
	require.True(t, ok)
	assert.Equal(t, []string{"math"}, fresh.Capabilities)
}

func TestSnapshot_WithCapabilityAndTags(t *testing.T) {
	snap := NewSnapshot(1, []Descriptor{
		{AgentID: "a1", Capabilities: []string{"math", "calculation"}},
		{AgentID: "a2", Capabilities: []string{"writing"}},
	})

	assert.Len(t, snap.WithCapability("math"), 1)
	assert.Empty(t, snap.WithCapability("juggling"))
	assert.ElementsMatch(t, []string{"math", "calculation", "writing"}, snap.CapabilityTags())
}

func TestDescriptor_AcceptsKey(t *testing.T) {
	open := Descriptor{AgentID: "open"}
	assert.True(t, open.AcceptsKey("anything"))

	strict := Descriptor{AgentID: "strict", InputKeys: []string{"query", "numbers"}}
	assert.True(t, strict.AcceptsKey("query"))
	assert.False(t, strict.AcceptsKey("scratch"))
}

func TestHTTPClient_ListAndGet(t *testing.T) {
	agents := []Descriptor{
		{AgentID: "calc", Name: "Calculator", Capabilities: []string{"math"}, RegisteredAt: time.Now()},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/agents":
			_ = json.NewEncoder(w).Encode(agents)
		case "/v1/agents/calc":
			_ = json.NewEncoder(w).Encode(agents[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(DefaultHTTPClientConfig(srv.URL))

	listed, err := client.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "calc", listed[0].AgentID)

	desc, err := client.GetAgent(context.Background(), "calc")
	require.NoError(t, err)
	assert.Equal(t, "Calculator", desc.Name)

	_, err = client.GetAgent(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentUnavailable, types.GetErrorCode(err))
}

func TestTake_UsesVersionedSnapshot(t *testing.T) {
	reg := NewMemoryRegistry(zap.NewNop())
	reg.Register(Descriptor{AgentID: "a1"})

	snap, err := Take(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, reg.Version(), snap.Version())
}
