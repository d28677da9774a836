package trace

import (
	"time"
)

// EventType classifies a fine-grained orchestration occurrence.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionCompleted EventType = "session_completed"
	EventQueryAnalyzed    EventType = "query_analyzed"
	EventStageStarted     EventType = "stage_started"
	EventStageCompleted   EventType = "stage_completed"
	EventAgentInvoked     EventType = "agent_invoked"
	EventAgentCompleted   EventType = "agent_completed"
	EventAgentFailed      EventType = "agent_failed"
	EventAgentRetried     EventType = "agent_retried"
	EventHandoffStarted   EventType = "handoff_started"
	EventHandoffCompleted EventType = "handoff_completed"
	EventContextUpdated   EventType = "context_updated"
	EventError            EventType = "error"
)

// Event is a single occurrence within a session. Events are append-only and
// strictly time-ordered per session; the store guarantees monotonic timestamps
// so a trace can be replayed in order.
type Event struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Type          EventType      `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	AgentID       string         `json:"agent_id,omitempty"`
	FromAgentID   string         `json:"from_agent_id,omitempty"`
	ToAgentID     string         `json:"to_agent_id,omitempty"`
	Content       string         `json:"content,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	Status        string         `json:"status,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// HandoffStatus represents the lifecycle state of a handoff.
type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "pending"
	HandoffInProgress HandoffStatus = "in_progress"
	HandoffCompleted  HandoffStatus = "completed"
	HandoffFailed     HandoffStatus = "failed"
)

// Handoff records a directed transfer of control and context from one agent to
// the next within a session. HandoffNumber is 1-based and contiguous per
// session; it defines the total order of handoffs.
type Handoff struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	HandoffNumber      int            `json:"handoff_number"`
	FromAgent          string         `json:"from_agent"`
	ToAgent            string         `json:"to_agent"`
	Status             HandoffStatus  `json:"status"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            *time.Time     `json:"end_time,omitempty"`
	ExecutionTime      time.Duration  `json:"execution_time,omitempty"`
	ContextTransferred map[string]any `json:"context_transferred,omitempty"`
	ContextTokens      int            `json:"context_tokens,omitempty"`
	ToolsUsed          []string       `json:"tools_used,omitempty"`
	Error              string         `json:"error,omitempty"`
}

// StageResult is the output of one pipeline stage. One per stage per session,
// never mutated after CompletedAt is set.
type StageResult struct {
	StageName      string         `json:"stage_name"`
	InputSnapshot  map[string]any `json:"input_snapshot,omitempty"`
	OutputSnapshot map[string]any `json:"output_snapshot,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
}

// ContextSnapshot captures the accumulated context as transferred at one
// handoff, forming the session's context evolution sequence.
type ContextSnapshot struct {
	HandoffNumber int            `json:"handoff_number"`
	Context       map[string]any `json:"context"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Trace is the aggregate observability view of one session: ordered handoffs,
// ordered events, stage results, and the context evolution across handoffs.
type Trace struct {
	SessionID        string            `json:"session_id"`
	Query            string            `json:"query"`
	Strategy         string            `json:"execution_strategy"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	Success          bool              `json:"success"`
	Completed        bool              `json:"completed"`
	AgentsInvolved   []string          `json:"agents_involved"`
	FinalResponse    string            `json:"final_response,omitempty"`
	Handoffs         []Handoff         `json:"handoffs"`
	Events           []Event           `json:"events"`
	Stages           []StageResult     `json:"stages"`
	ContextEvolution []ContextSnapshot `json:"context_evolution"`
}

// Duration returns the wall-clock duration of the session, or the elapsed time
// so far for an in-progress session.
func (t *Trace) Duration() time.Duration {
	if t.EndTime != nil {
		return t.EndTime.Sub(t.StartTime)
	}
	return time.Since(t.StartTime)
}

// Metrics aggregates counts and rates over all recorded sessions.
type Metrics struct {
	TotalSessions      int64            `json:"total_sessions"`
	ActiveSessions     int64            `json:"active_sessions"`
	SucceededSessions  int64            `json:"succeeded_sessions"`
	FailedSessions     int64            `json:"failed_sessions"`
	TotalHandoffs      int64            `json:"total_handoffs"`
	TotalEvents        int64            `json:"total_events"`
	SessionsByStrategy map[string]int64 `json:"sessions_by_strategy"`
	AvgDurationMillis  int64            `json:"avg_duration_ms"`
	SuccessRate        float64          `json:"success_rate"`
}
