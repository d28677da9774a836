package trace

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/baton-ai/baton/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore is the in-memory trace store. Each session owns its own lock so
// concurrent sessions never contend; writes within a session serialize, which
// keeps events monotonic and handoff numbers ordered.
type MemoryStore struct {
	sessions map[string]*sessionTrace
	order    []string // session IDs in start order
	maxKept  int
	logger   *zap.Logger
	mu       sync.RWMutex
}

type sessionTrace struct {
	trace    Trace
	lastTS   time.Time
	watchers map[string]chan Event
	mu       sync.Mutex
}

// MemoryStoreConfig configures the in-memory store.
type MemoryStoreConfig struct {
	// MaxSessions bounds how many session traces are retained. Oldest
	// completed traces are evicted first. Zero means 1000.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
}

// NewMemoryStore creates an in-memory trace store.
func NewMemoryStore(cfg MemoryStoreConfig, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxKept := cfg.MaxSessions
	if maxKept <= 0 {
		maxKept = 1000
	}
	return &MemoryStore{
		sessions: make(map[string]*sessionTrace),
		maxKept:  maxKept,
		logger:   logger.With(zap.String("component", "trace_store")),
	}
}

// StartSession implements Store.
func (s *MemoryStore) StartSession(ctx context.Context, sessionID, query, strategy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		s.logger.Warn("session trace already started", zap.String("session_id", sessionID))
		return
	}

	now := time.Now()
	st := &sessionTrace{
		trace: Trace{
			SessionID: sessionID,
			Query:     query,
			Strategy:  strategy,
			StartTime: now,
		},
		watchers: make(map[string]chan Event),
	}
	st.trace.Events = append(st.trace.Events, Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      EventSessionStarted,
		Timestamp: now,
		Content:   query,
	})
	st.lastTS = now

	s.sessions[sessionID] = st
	s.order = append(s.order, sessionID)
	s.evictLocked()
}

// evictLocked drops the oldest completed traces beyond the retention bound.
func (s *MemoryStore) evictLocked() {
	for len(s.order) > s.maxKept {
		evicted := false
		for i, id := range s.order {
			st, ok := s.sessions[id]
			if !ok || st.trace.Completed {
				delete(s.sessions, id)
				s.order = append(s.order[:i], s.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (s *MemoryStore) session(sessionID string) *sessionTrace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// CompleteSession implements Store.
func (s *MemoryStore) CompleteSession(ctx context.Context, sessionID string, success bool, finalResponse string) {
	st := s.session(sessionID)
	if st == nil {
		s.logger.Warn("complete for unknown session", zap.String("session_id", sessionID))
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.trace.Completed {
		s.logger.Warn("session trace already completed", zap.String("session_id", sessionID))
		return
	}
	status := "failed"
	if success {
		status = "succeeded"
	}
	ev := Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      EventSessionCompleted,
		Timestamp: monotonicTimestamp(time.Now(), st.lastTS),
		Status:    status,
	}
	st.lastTS = ev.Timestamp
	st.trace.Events = append(st.trace.Events, ev)

	now := time.Now()
	st.trace.Completed = true
	st.trace.Success = success
	st.trace.FinalResponse = finalResponse
	st.trace.EndTime = &now

	// Deliver the terminal event to watchers, then close their channels.
	for id, ch := range st.watchers {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
		delete(st.watchers, id)
	}
}

// SetStrategy records the execution strategy once analysis has chosen it.
// Ignored after completion.
func (s *MemoryStore) SetStrategy(ctx context.Context, sessionID, strategy string) {
	st := s.session(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.trace.Completed {
		return
	}
	st.trace.Strategy = strategy
}

// RecordEvent implements Store.
func (s *MemoryStore) RecordEvent(ctx context.Context, ev Event) {
	st := s.session(ev.SessionID)
	if st == nil {
		s.logger.Warn("event for unknown session",
			zap.String("session_id", ev.SessionID),
			zap.String("event_type", string(ev.Type)),
		)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.trace.Completed {
		s.logger.Debug("event dropped for completed session",
			zap.String("session_id", ev.SessionID),
			zap.String("event_type", string(ev.Type)),
		)
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = monotonicTimestamp(ev.Timestamp, st.lastTS)
	st.lastTS = ev.Timestamp

	st.trace.Events = append(st.trace.Events, ev)
	if ev.AgentID != "" {
		st.addAgentLocked(ev.AgentID)
	}

	for _, ch := range st.watchers {
		select {
		case ch <- ev:
		default: // slow watcher, drop rather than block the writer
		}
	}
}

func (st *sessionTrace) addAgentLocked(agentID string) {
	for _, a := range st.trace.AgentsInvolved {
		if a == agentID {
			return
		}
	}
	st.trace.AgentsInvolved = append(st.trace.AgentsInvolved, agentID)
}

// RecordHandoff implements Store. A handoff is first recorded pending and then
// updated in place (matched by handoff number) when it reaches a terminal
// state; the terminal state is set exactly once.
func (s *MemoryStore) RecordHandoff(ctx context.Context, h Handoff) {
	st := s.session(h.SessionID)
	if st == nil {
		s.logger.Warn("handoff for unknown session", zap.String("session_id", h.SessionID))
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.trace.Completed {
		return
	}

	if h.ID == "" {
		h.ID = uuid.New().String()
	}

	for i := range st.trace.Handoffs {
		if st.trace.Handoffs[i].HandoffNumber == h.HandoffNumber {
			existing := &st.trace.Handoffs[i]
			if existing.Status == HandoffCompleted || existing.Status == HandoffFailed {
				s.logger.Warn("handoff already terminal",
					zap.String("session_id", h.SessionID),
					zap.Int("handoff_number", h.HandoffNumber),
				)
				return
			}
			h.ID = existing.ID
			st.trace.Handoffs[i] = h
			return
		}
	}

	st.trace.Handoffs = append(st.trace.Handoffs, h)
	if h.ContextTransferred != nil {
		st.trace.ContextEvolution = append(st.trace.ContextEvolution, ContextSnapshot{
			HandoffNumber: h.HandoffNumber,
			Context:       h.ContextTransferred,
			Timestamp:     h.StartTime,
		})
	}
}

// RecordStage implements Store.
func (s *MemoryStore) RecordStage(ctx context.Context, sessionID string, sr StageResult) {
	st := s.session(sessionID)
	if st == nil {
		s.logger.Warn("stage result for unknown session", zap.String("session_id", sessionID))
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.trace.Completed {
		return
	}
	st.trace.Stages = append(st.trace.Stages, sr)
}

// GetTrace implements Store.
func (s *MemoryStore) GetTrace(ctx context.Context, sessionID string) (*Trace, error) {
	st := s.session(sessionID)
	if st == nil {
		return nil, types.NewError(types.ErrTraceNotFound, "no trace for session "+sessionID).
			WithHTTPStatus(http.StatusNotFound)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneTrace(&st.trace), nil
}

// GetRealTime implements Store.
func (s *MemoryStore) GetRealTime(ctx context.Context, sessionID string) (*Trace, error) {
	st := s.session(sessionID)
	if st == nil {
		return nil, types.NewError(types.ErrTraceNotFound, "no trace for session "+sessionID).
			WithHTTPStatus(http.StatusNotFound)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.trace.Completed {
		return nil, types.NewError(types.ErrTraceNotFound, "session is not in progress: "+sessionID).
			WithHTTPStatus(http.StatusNotFound)
	}
	return cloneTrace(&st.trace), nil
}

// GetRecentTraces implements Store.
func (s *MemoryStore) GetRecentTraces(ctx context.Context, limit int) ([]*Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	// order holds oldest-first; serve newest-first.
	out := make([]*Trace, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		st := s.session(ids[i])
		if st == nil {
			continue
		}
		st.mu.Lock()
		out = append(out, cloneTrace(&st.trace))
		st.mu.Unlock()
	}
	return out, nil
}

// Metrics implements Store.
func (s *MemoryStore) Metrics(ctx context.Context) (*Metrics, error) {
	s.mu.RLock()
	sessions := make([]*sessionTrace, 0, len(s.sessions))
	for _, st := range s.sessions {
		sessions = append(sessions, st)
	}
	s.mu.RUnlock()

	m := &Metrics{SessionsByStrategy: make(map[string]int64)}
	var totalDuration time.Duration
	var completed int64
	for _, st := range sessions {
		st.mu.Lock()
		m.TotalSessions++
		m.TotalHandoffs += int64(len(st.trace.Handoffs))
		m.TotalEvents += int64(len(st.trace.Events))
		if st.trace.Strategy != "" {
			m.SessionsByStrategy[st.trace.Strategy]++
		}
		if st.trace.Completed {
			completed++
			totalDuration += st.trace.Duration()
			if st.trace.Success {
				m.SucceededSessions++
			} else {
				m.FailedSessions++
			}
		} else {
			m.ActiveSessions++
		}
		st.mu.Unlock()
	}
	if completed > 0 {
		m.AvgDurationMillis = (totalDuration / time.Duration(completed)).Milliseconds()
		m.SuccessRate = float64(m.SucceededSessions) / float64(completed)
	}
	return m, nil
}

// Watch returns a channel of live events for an in-progress session, plus a
// cancel function. The channel closes when the session completes.
func (s *MemoryStore) Watch(sessionID string) (<-chan Event, func(), error) {
	st := s.session(sessionID)
	if st == nil {
		return nil, nil, types.NewError(types.ErrTraceNotFound, "no trace for session "+sessionID).
			WithHTTPStatus(http.StatusNotFound)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.trace.Completed {
		return nil, nil, types.NewError(types.ErrTraceNotFound, "session is not in progress: "+sessionID).
			WithHTTPStatus(http.StatusNotFound)
	}

	id := uuid.New().String()
	ch := make(chan Event, 64)
	st.watchers[id] = ch

	cancel := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if existing, ok := st.watchers[id]; ok {
			close(existing)
			delete(st.watchers, id)
		}
	}
	return ch, cancel, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sessions {
		st.mu.Lock()
		for id, ch := range st.watchers {
			close(ch)
			delete(st.watchers, id)
		}
		st.mu.Unlock()
	}
	return nil
}

func cloneTrace(t *Trace) *Trace {
	out := *t
	out.AgentsInvolved = append([]string(nil), t.AgentsInvolved...)
	out.Handoffs = append([]Handoff(nil), t.Handoffs...)
	out.Events = append([]Event(nil), t.Events...)
	out.Stages = append([]StageResult(nil), t.Stages...)
	out.ContextEvolution = append([]ContextSnapshot(nil), t.ContextEvolution...)
	return &out
}
