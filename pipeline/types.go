package pipeline

import (
	"time"

	"github.com/baton-ai/baton/selector"
	"github.com/baton-ai/baton/trace"
	"github.com/baton-ai/baton/types"
)

// SessionStatus is the lifecycle state of one orchestration run.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
)

// Session is one orchestration run. It is owned exclusively by the controller
// and immutable once the status leaves running.
type Session struct {
	ID        string        `json:"session_id"`
	Query     string        `json:"original_query"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Status    SessionStatus `json:"status"`
	Strategy  string        `json:"execution_strategy"`

	// Degraded is true when the session completed through the fallback
	// pipeline or with partial agent output.
	Degraded bool `json:"degraded,omitempty"`
}

// Options are per-session caller options.
type Options struct {
	// SessionID lets the caller supply its own session ID; a UUID is
	// generated when empty.
	SessionID string `json:"session_id,omitempty"`

	// Timeout bounds the whole session. Zero uses the configured default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// WorkflowSummary summarizes stage progress for the caller.
type WorkflowSummary struct {
	TotalStages       int           `json:"total_stages"`
	StagesCompleted   int           `json:"stages_completed"`
	ExecutionStrategy string        `json:"execution_strategy"`
	AgentsUsed        []string      `json:"agents_used"`
	ProcessingTime    time.Duration `json:"processing_time"`
}

// AgentSelection reports how agents were chosen.
type AgentSelection struct {
	TotalAvailable     int                    `json:"total_available"`
	SelectedAgents     []selector.ScoredAgent `json:"selected_agents"`
	SelectionReasoning string                 `json:"selection_reasoning"`
}

// ExecutionDetails reports the execution outcome.
type ExecutionDetails struct {
	Strategy           string        `json:"strategy"`
	TotalAgents        int           `json:"total_agents"`
	SuccessfulAgents   int           `json:"successful_agents"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
}

// OrchestrationResult is the controller's answer to one Run call.
type OrchestrationResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Response  string `json:"response,omitempty"`

	// Degraded is true when the fallback pipeline ran or agents partially
	// failed; Response is then best-effort.
	Degraded bool `json:"degraded,omitempty"`

	Error *types.Error `json:"error,omitempty"`

	WorkflowSummary  WorkflowSummary  `json:"workflow_summary"`
	Stages           []StagePayload   `json:"stages"`
	AgentSelection   AgentSelection   `json:"agent_selection"`
	ExecutionDetails ExecutionDetails `json:"execution_details"`

	// ObservabilityTrace is the session's trace as recorded so far; present
	// on failure too so callers always see what happened.
	ObservabilityTrace *trace.Trace `json:"observability_trace,omitempty"`
}
