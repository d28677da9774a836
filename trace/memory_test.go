package trace

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/baton-ai/baton/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(MemoryStoreConfig{}, zap.NewNop())
}

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StartSession(ctx, "s1", "what is 2+2", "single_agent")
	s.RecordEvent(ctx, Event{SessionID: "s1", Type: EventStageStarted, Content: "analysis"})
	s.RecordStage(ctx, "s1", StageResult{StageName: "analysis", Success: true})
	s.CompleteSession(ctx, "s1", true, "4")

	tr, err := s.GetTrace(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, tr.Completed)
	assert.True(t, tr.Success)
	assert.Equal(t, "4", tr.FinalResponse)
	require.Len(t, tr.Events, 3)
	assert.Equal(t, EventSessionStarted, tr.Events[0].Type)
	assert.Equal(t, EventStageStarted, tr.Events[1].Type)
	assert.Equal(t, EventSessionCompleted, tr.Events[2].Type)
	assert.Len(t, tr.Stages, 1)
	require.NotNil(t, tr.EndTime)
}

func TestMemoryStore_AppendsOnlyWhileRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StartSession(ctx, "s1", "q", "sequential")
	s.CompleteSession(ctx, "s1", true, "done")

	s.RecordEvent(ctx, Event{SessionID: "s1", Type: EventError})
	s.RecordStage(ctx, "s1", StageResult{StageName: "late"})
	s.RecordHandoff(ctx, Handoff{SessionID: "s1", HandoffNumber: 1})

	tr, err := s.GetTrace(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tr.Events, 2)
	assert.Equal(t, EventSessionStarted, tr.Events[0].Type)
	assert.Equal(t, EventSessionCompleted, tr.Events[1].Type)
	assert.Empty(t, tr.Stages)
	assert.Empty(t, tr.Handoffs)
}

func TestMemoryStore_TerminalStatusSetOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StartSession(ctx, "s1", "q", "sequential")
	s.CompleteSession(ctx, "s1", false, "first")
	s.CompleteSession(ctx, "s1", true, "second")

	tr, err := s.GetTrace(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, tr.Success)
	assert.Equal(t, "first", tr.FinalResponse)
}

func TestMemoryStore_MonotonicEventTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.StartSession(ctx, "s1", "q", "sequential")

	// Force identical wall-clock timestamps; the store must still order them.
	now := time.Now()
	for i := 0; i < 10; i++ {
		s.RecordEvent(ctx, Event{SessionID: "s1", Type: EventContextUpdated, Timestamp: now})
	}

	tr, err := s.GetTrace(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tr.Events, 11)
	for i := 1; i < len(tr.Events); i++ {
		assert.True(t, tr.Events[i].Timestamp.After(tr.Events[i-1].Timestamp),
			"event %d not after event %d", i, i-1)
	}
}

func TestMemoryStore_HandoffTerminalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.StartSession(ctx, "s1", "q", "sequential")

	s.RecordHandoff(ctx, Handoff{SessionID: "s1", HandoffNumber: 1, Status: HandoffPending})
	s.RecordHandoff(ctx, Handoff{SessionID: "s1", HandoffNumber: 1, Status: HandoffCompleted})
	// A second terminal write must be ignored.
	s.RecordHandoff(ctx, Handoff{SessionID: "s1", HandoffNumber: 1, Status: HandoffFailed})

	tr, err := s.GetTrace(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tr.Handoffs, 1)
	assert.Equal(t, HandoffCompleted, tr.Handoffs[0].Status)
}

func TestMemoryStore_GetRealTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRealTime(ctx, "missing")
	assert.Equal(t, types.ErrTraceNotFound, types.GetErrorCode(err))

	s.StartSession(ctx, "s1", "q", "parallel")
	tr, err := s.GetRealTime(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, tr.Completed)

	s.CompleteSession(ctx, "s1", true, "done")
	_, err = s.GetRealTime(ctx, "s1")
	assert.Equal(t, types.ErrTraceNotFound, types.GetErrorCode(err))
}

func TestMemoryStore_GetRecentTracesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.StartSession(ctx, fmt.Sprintf("s%d", i), "q", "sequential")
	}

	traces, err := s.GetRecentTraces(ctx, 3)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, "s4", traces[0].SessionID)
	assert.Equal(t, "s3", traces[1].SessionID)
	assert.Equal(t, "s2", traces[2].SessionID)
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const sessions = 8
	const eventsPerSession = 50

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		sid := fmt.Sprintf("s%d", i)
		s.StartSession(ctx, sid, "q", "sequential")
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for j := 0; j < eventsPerSession; j++ {
				s.RecordEvent(ctx, Event{SessionID: sid, Type: EventContextUpdated})
			}
			s.CompleteSession(ctx, sid, true, "ok")
		}(sid)
	}
	wg.Wait()

	m, err := s.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(sessions), m.TotalSessions)
	assert.Equal(t, int64(sessions*(eventsPerSession+2)), m.TotalEvents)
	assert.Equal(t, int64(sessions), m.SucceededSessions)
	assert.Equal(t, 1.0, m.SuccessRate)
}

func TestMemoryStore_Watch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.StartSession(ctx, "s1", "q", "sequential")

	ch, cancel, err := s.Watch("s1")
	require.NoError(t, err)
	defer cancel()

	s.RecordEvent(ctx, Event{SessionID: "s1", Type: EventAgentInvoked, AgentID: "calc"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventAgentInvoked, ev.Type)
		assert.Equal(t, "calc", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	s.CompleteSession(ctx, "s1", true, "ok")
	select {
	case ev := <-ch:
		assert.Equal(t, EventSessionCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no completion event received")
	}
	select {
	case _, open := <-ch:
		assert.False(t, open, "channel should close on completion")
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}

func TestMemoryStore_ContextEvolutionPerHandoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.StartSession(ctx, "s1", "q", "sequential")

	s.RecordHandoff(ctx, Handoff{
		SessionID: "s1", HandoffNumber: 1, Status: HandoffPending,
		ContextTransferred: map[string]any{"query": "q", "sum": 30},
	})
	s.RecordHandoff(ctx, Handoff{
		SessionID: "s1", HandoffNumber: 2, Status: HandoffPending,
		ContextTransferred: map[string]any{"query": "q", "haiku": "..."},
	})

	tr, err := s.GetTrace(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tr.ContextEvolution, 2)
	assert.Equal(t, 1, tr.ContextEvolution[0].HandoffNumber)
	assert.Equal(t, 2, tr.ContextEvolution[1].HandoffNumber)
}
