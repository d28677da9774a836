package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/engine"
	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/selector"
	"github.com/baton-ai/baton/synthesizer"
	"github.com/baton-ai/baton/trace"
	"github.com/baton-ai/baton/types"
)

// scriptedInvoker returns canned results per agent ID.
type scriptedInvoker struct {
	mu       sync.Mutex
	handlers map[string]func(call int, payload map[string]any) (*engine.Result, error)
	calls    map[string]int
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		handlers: make(map[string]func(int, map[string]any) (*engine.Result, error)),
		calls:    make(map[string]int),
	}
}

func (s *scriptedInvoker) on(agentID string, fn func(call int, payload map[string]any) (*engine.Result, error)) {
	s.handlers[agentID] = fn
}

func (s *scriptedInvoker) Invoke(_ context.Context, agent registry.Descriptor, payload map[string]any) (*engine.Result, error) {
	s.mu.Lock()
	call := s.calls[agent.AgentID]
	s.calls[agent.AgentID]++
	fn := s.handlers[agent.AgentID]
	s.mu.Unlock()
	if fn == nil {
		return &engine.Result{Output: map[string]any{"response": "ok"}}, nil
	}
	return fn(call, payload)
}

type testHarness struct {
	controller *Controller
	registry   *registry.MemoryRegistry
	store      *trace.MemoryStore
	invoker    *scriptedInvoker
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := zap.NewNop()
	store := trace.NewMemoryStore(trace.MemoryStoreConfig{}, logger)
	reg := registry.NewMemoryRegistry(logger)
	invoker := newScriptedInvoker()

	controller := NewController(DefaultConfig(), Deps{
		Registry:    reg,
		Analyzer:    analyzer.NewAnalyzer(analyzer.DefaultConfig(), store, logger),
		Selector:    selector.NewSelector(selector.DefaultConfig(), logger),
		Engine:      engine.NewEngine(engine.DefaultConfig(), invoker, store, nil, logger),
		Synthesizer: synthesizer.NewSynthesizer(logger),
		Tracer:      store,
		Logger:      logger,
	})
	return &testHarness{controller: controller, registry: reg, store: store, invoker: invoker}
}

func (h *testHarness) registerCalcAndWriter() {
	h.registry.Register(registry.Descriptor{
		AgentID:      "calc-1",
		Name:         "Calculator",
		Capabilities: []string{"calculation"},
		InputKeys:    []string{"query"},
	})
	h.registry.Register(registry.Descriptor{
		AgentID:      "writer-1",
		Name:         "Haiku Writer",
		Capabilities: []string{"creative-writing"},
		InputKeys:    []string{"query", "result"},
	})
}

func TestRun_SequentialCalcThenHaiku(t *testing.T) {
	h := newHarness(t)
	h.registerCalcAndWriter()
	h.invoker.on("calc-1", func(int, map[string]any) (*engine.Result, error) {
		return &engine.Result{Output: map[string]any{"result": "30"}, ToolsUsed: []string{"calculator"}}, nil
	})
	h.invoker.on("writer-1", func(_ int, payload map[string]any) (*engine.Result, error) {
		// The writer sees the calculator's result through the handoff.
		if payload["result"] != "30" {
			return nil, types.NewError(types.ErrAgentMalformed, "missing upstream result")
		}
		return &engine.Result{Output: map[string]any{"response": "thirty petals fall"}}, nil
	})

	result := h.controller.Run(context.Background(),
		"calculate 10 + 20 and write a haiku about it", Options{})

	require.NotNil(t, result)
	require.Nil(t, result.Error)
	assert.True(t, result.Success)
	assert.Contains(t, result.Response, "thirty petals fall")
	assert.Equal(t, "sequential", result.WorkflowSummary.ExecutionStrategy)
	assert.Equal(t, 4, result.WorkflowSummary.TotalStages)
	assert.Equal(t, 4, result.WorkflowSummary.StagesCompleted)
	assert.Equal(t, []string{"calc-1", "writer-1"}, result.WorkflowSummary.AgentsUsed)
	assert.Equal(t, 2, result.ExecutionDetails.SuccessfulAgents)

	require.Len(t, result.AgentSelection.SelectedAgents, 2)
	assert.Equal(t, "calc-1", result.AgentSelection.SelectedAgents[0].Agent.AgentID)
	assert.Equal(t, "writer-1", result.AgentSelection.SelectedAgents[1].Agent.AgentID)

	require.NotNil(t, result.ObservabilityTrace)
	tr := result.ObservabilityTrace
	assert.True(t, tr.Completed)
	assert.Equal(t, "sequential", tr.Strategy)
	require.Len(t, tr.Handoffs, 1)
	assert.Equal(t, "calc-1", tr.Handoffs[0].FromAgent)
	assert.Equal(t, "writer-1", tr.Handoffs[0].ToAgent)
	assert.Equal(t, trace.HandoffCompleted, tr.Handoffs[0].Status)
	assert.Len(t, tr.Stages, 4)
}

func TestRun_NoAgentsForDomain(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(registry.Descriptor{
		AgentID:      "calc-1",
		Name:         "Calculator",
		Capabilities: []string{"calculation"},
	})

	result := h.controller.Run(context.Background(),
		"investigate quantum-chip-fabrication yield", Options{})

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.ErrNoAgents, result.Error.Code)
	assert.Contains(t, result.Error.Message, "no agents")

	require.NotNil(t, result.ObservabilityTrace)
	assert.Empty(t, result.ObservabilityTrace.Handoffs)
	assert.True(t, result.ObservabilityTrace.Completed)
	assert.False(t, result.ObservabilityTrace.Success)
}

func TestRun_EmptyQueryIsAnalysisFailure(t *testing.T) {
	h := newHarness(t)
	h.registerCalcAndWriter()

	result := h.controller.Run(context.Background(), "   ", Options{})

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.ErrAnalysisFailed, result.Error.Code)
	// Distinct from "understood it but no agent can help".
	assert.NotEqual(t, types.ErrNoAgents, result.Error.Code)
}

func TestRun_SecondAgentTimeoutDegrades(t *testing.T) {
	h := newHarness(t)
	h.registerCalcAndWriter()
	h.invoker.on("calc-1", func(int, map[string]any) (*engine.Result, error) {
		return &engine.Result{Output: map[string]any{"result": "30"}}, nil
	})
	h.invoker.on("writer-1", func(int, map[string]any) (*engine.Result, error) {
		return nil, types.NewError(types.ErrAgentTimeout, "agent invocation timed out").
			WithAgentID("writer-1").WithRetryable(true)
	})

	result := h.controller.Run(context.Background(),
		"calculate 10 + 20 and write a haiku about it", Options{})

	assert.True(t, result.Success)
	assert.True(t, result.Degraded)
	assert.Equal(t, 1, result.ExecutionDetails.SuccessfulAgents)
	assert.Contains(t, result.Response, "30")
	assert.Equal(t, 2, h.invoker.calls["writer-1"], "one retry then give up")

	require.NotNil(t, result.ObservabilityTrace)
	require.Len(t, result.ObservabilityTrace.Handoffs, 1)
	assert.Equal(t, trace.HandoffFailed, result.ObservabilityTrace.Handoffs[0].Status)
}

func TestRun_ParallelMalformedAgentTolerated(t *testing.T) {
	h := newHarness(t)
	for _, a := range []struct{ id, cap string }{
		{"research-1", "research"},
		{"summarize-1", "summarization"},
		{"translate-1", "translation"},
	} {
		h.registry.Register(registry.Descriptor{
			AgentID:      a.id,
			Name:         a.id,
			Capabilities: []string{a.cap},
		})
	}
	h.invoker.on("summarize-1", func(int, map[string]any) (*engine.Result, error) {
		return nil, types.NewError(types.ErrAgentMalformed, "agent response has no output").
			WithAgentID("summarize-1")
	})

	result := h.controller.Run(context.Background(),
		"research the topic and summarize the findings report and translate the abstract to french",
		Options{})

	assert.True(t, result.Success)
	assert.Equal(t, "parallel", result.ExecutionDetails.Strategy)
	assert.Equal(t, 2, result.ExecutionDetails.SuccessfulAgents)
	assert.Equal(t, 3, result.ExecutionDetails.TotalAgents)

	require.NotNil(t, result.ObservabilityTrace)
	var errorEvent bool
	for _, ev := range result.ObservabilityTrace.Events {
		if ev.Type == trace.EventError && ev.AgentID == "summarize-1" {
			errorEvent = true
		}
	}
	assert.True(t, errorEvent, "expected error event for the malformed agent")
	assert.Empty(t, result.ObservabilityTrace.Handoffs)
}

func TestRun_FallbackToLegacyPipeline(t *testing.T) {
	h := newHarness(t)
	h.registerCalcAndWriter()
	// Every sequential invocation fails outright, but the legacy
	// single-agent rerun succeeds.
	h.invoker.on("calc-1", func(call int, _ map[string]any) (*engine.Result, error) {
		if call == 0 {
			return nil, types.NewError(types.ErrAgentMalformed, "garbage").WithAgentID("calc-1")
		}
		return &engine.Result{Output: map[string]any{"response": "30"}}, nil
	})
	h.invoker.on("writer-1", func(int, map[string]any) (*engine.Result, error) {
		return nil, types.NewError(types.ErrAgentMalformed, "garbage").WithAgentID("writer-1")
	})

	result := h.controller.Run(context.Background(),
		"calculate 10 + 20 and write a haiku about it", Options{})

	assert.True(t, result.Success)
	assert.True(t, result.Degraded)
	assert.Equal(t, "single_agent", result.WorkflowSummary.ExecutionStrategy)
	assert.Equal(t, "30", result.Response)
}

func TestRun_CallerSessionIDRespected(t *testing.T) {
	h := newHarness(t)
	h.registerCalcAndWriter()

	result := h.controller.Run(context.Background(), "calculate 1 + 1",
		Options{SessionID: "custom-session"})
	assert.Equal(t, "custom-session", result.SessionID)

	tr, err := h.store.GetTrace(context.Background(), "custom-session")
	require.NoError(t, err)
	assert.True(t, tr.Completed)
}

func TestRun_SessionTerminalExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.registerCalcAndWriter()

	result := h.controller.Run(context.Background(), "calculate 1 + 1", Options{})
	require.True(t, result.Success)

	// Late writes against the terminal session are dropped.
	h.store.RecordEvent(context.Background(), trace.Event{
		SessionID: result.SessionID, Type: trace.EventError,
	})
	tr, err := h.store.GetTrace(context.Background(), result.SessionID)
	require.NoError(t, err)
	for _, ev := range tr.Events {
		assert.NotEqual(t, trace.EventError, ev.Type)
	}
}

func TestRun_ArchivesCompletedTrace(t *testing.T) {
	logger := zap.NewNop()
	store := trace.NewMemoryStore(trace.MemoryStoreConfig{}, logger)
	reg := registry.NewMemoryRegistry(logger)
	invoker := newScriptedInvoker()
	arch, err := trace.NewArchiver(trace.ArchiveConfig{Driver: "sqlite", DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arch.Close() })

	controller := NewController(DefaultConfig(), Deps{
		Registry:    reg,
		Analyzer:    analyzer.NewAnalyzer(analyzer.DefaultConfig(), store, logger),
		Selector:    selector.NewSelector(selector.DefaultConfig(), logger),
		Engine:      engine.NewEngine(engine.DefaultConfig(), invoker, store, nil, logger),
		Synthesizer: synthesizer.NewSynthesizer(logger),
		Tracer:      store,
		Archiver:    arch,
		Logger:      logger,
	})
	reg.Register(registry.Descriptor{
		AgentID: "calc-1", Name: "Calculator", Capabilities: []string{"calculation"},
	})

	result := controller.Run(context.Background(), "calculate 2 + 2", Options{})
	require.True(t, result.Success)

	// The archive write is asynchronous.
	require.Eventually(t, func() bool {
		_, err := arch.Load(context.Background(), result.SessionID)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRun_StagePayloadsAreTagged(t *testing.T) {
	h := newHarness(t)
	h.registerCalcAndWriter()

	result := h.controller.Run(context.Background(), "calculate 2 + 2", Options{})
	require.True(t, result.Success)
	require.Len(t, result.Stages, 4)

	assert.Equal(t, StageAnalysis, result.Stages[0].Kind)
	require.NotNil(t, result.Stages[0].Analysis)
	assert.Equal(t, StageSelection, result.Stages[1].Kind)
	require.NotNil(t, result.Stages[1].Selection)
	assert.Equal(t, StageExecution, result.Stages[2].Kind)
	require.NotNil(t, result.Stages[2].Execution)
	assert.Equal(t, StageSynthesis, result.Stages[3].Kind)
	require.NotNil(t, result.Stages[3].Synthesis)
}
