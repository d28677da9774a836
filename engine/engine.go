// Package engine runs a selected agent sequence, performing A2A handoffs.
// Each agent slot moves Pending → Invoking → Completed|Failed; every outgoing
// handoff is recorded before the destination agent is invoked, and every
// failure path still emits terminal events so the trace stays total.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/internal/metrics"
	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/selector"
	"github.com/baton-ai/baton/trace"
	"github.com/baton-ai/baton/types"
)

// SlotState is the state of one agent slot in the execution sequence.
type SlotState string

const (
	SlotPending   SlotState = "pending"
	SlotInvoking  SlotState = "invoking"
	SlotCompleted SlotState = "completed"
	SlotFailed    SlotState = "failed"
)

// AgentOutput is the terminal record of one agent slot.
type AgentOutput struct {
	AgentID       string         `json:"agent_id"`
	AgentName     string         `json:"agent_name"`
	State         SlotState      `json:"state"`
	Output        map[string]any `json:"output,omitempty"`
	ToolsUsed     []string       `json:"tools_used,omitempty"`
	Attempts      int            `json:"attempts"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Error         string         `json:"error,omitempty"`
}

// ExecutionResult is the engine's output handed to the synthesizer.
type ExecutionResult struct {
	Strategy           analyzer.Strategy `json:"strategy"`
	Outputs            []AgentOutput     `json:"outputs"`
	AccumulatedContext map[string]any    `json:"accumulated_context"`
	HandoffCount       int               `json:"handoff_count"`
	SuccessfulAgents   int               `json:"successful_agents"`
	TotalAgents        int               `json:"total_agents"`
	TotalExecutionTime time.Duration     `json:"total_execution_time"`

	// Partial is true when at least one agent failed but at least one
	// succeeded; the session degrades instead of aborting.
	Partial bool `json:"partial"`

	// Failed is true when no agent produced output.
	Failed bool `json:"failed"`
}

// ContextKeyQuery is the accumulated-context key holding the original query.
// Every agent's declared input schema is expected to accept it.
const ContextKeyQuery = "query"

// Config holds engine tunables.
type Config struct {
	// InvokeTimeout bounds each individual agent invocation.
	InvokeTimeout time.Duration `yaml:"invoke_timeout" json:"invoke_timeout"`

	// ParallelTimeout bounds the whole parallel fan-out.
	ParallelTimeout time.Duration `yaml:"parallel_timeout" json:"parallel_timeout"`

	// MaxRetries is the retry budget per slot for retryable failures.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		InvokeTimeout:   30 * time.Second,
		ParallelTimeout: 60 * time.Second,
		MaxRetries:      1,
	}
}

// Engine executes selected agents according to the analyzed strategy.
type Engine struct {
	config  Config
	invoker Invoker
	tracer  trace.Store
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewEngine creates an Engine. tracer may be nil, in which case no events or
// handoffs are recorded; collector may be nil to skip metrics.
func NewEngine(cfg Config, invoker Invoker, tracer trace.Store, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = def.InvokeTimeout
	}
	if cfg.ParallelTimeout <= 0 {
		cfg.ParallelTimeout = def.ParallelTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Engine{
		config:  cfg,
		invoker: invoker,
		tracer:  tracer,
		metrics: collector,
		logger:  logger.With(zap.String("component", "engine")),
	}
}

// Execute runs the selected agents for a session. The returned result is
// never nil; when every agent fails the result carries Failed=true and the
// error describes the last failure.
func (e *Engine) Execute(ctx context.Context, sessionID, query string, strategy analyzer.Strategy, selected []selector.ScoredAgent) (*ExecutionResult, error) {
	if len(selected) == 0 {
		return nil, types.NewError(types.ErrNoAgents, "no agents to execute")
	}

	ctx = types.WithSessionID(ctx, sessionID)
	start := time.Now()

	var result *ExecutionResult
	switch strategy {
	case analyzer.StrategyParallel:
		result = e.executeParallel(ctx, sessionID, query, selected)
	case analyzer.StrategySingleAgent:
		result = e.executeSequential(ctx, sessionID, query, selected[:1])
	default:
		result = e.executeSequential(ctx, sessionID, query, selected)
	}

	result.Strategy = strategy
	result.TotalExecutionTime = time.Since(start)

	e.logger.Info("execution finished",
		zap.String("session_id", sessionID),
		zap.String("strategy", string(strategy)),
		zap.Int("successful_agents", result.SuccessfulAgents),
		zap.Int("total_agents", result.TotalAgents),
		zap.Int("handoffs", result.HandoffCount),
		zap.Duration("elapsed", result.TotalExecutionTime),
	)

	if result.Failed {
		return result, types.NewError(types.ErrInternalError,
			fmt.Sprintf("all %d agents failed", result.TotalAgents))
	}
	return result, nil
}

// executeSequential runs agents in order, merging each success into the
// accumulated context and handing the filtered context to the next agent.
func (e *Engine) executeSequential(ctx context.Context, sessionID, query string, selected []selector.ScoredAgent) *ExecutionResult {
	acc := map[string]any{ContextKeyQuery: query}
	outputs := make([]AgentOutput, len(selected))
	for i := range selected {
		outputs[i] = AgentOutput{
			AgentID:   selected[i].Agent.AgentID,
			AgentName: selected[i].Agent.Name,
			State:     SlotPending,
		}
	}

	result := &ExecutionResult{
		Outputs:     outputs,
		TotalAgents: len(selected),
	}

	for i := range selected {
		agent := selected[i].Agent

		var handoff *trace.Handoff
		if i > 0 {
			handoff = e.openHandoff(ctx, sessionID, result.HandoffCount+1,
				selected[i-1].Agent.AgentID, &agent, acc)
			result.HandoffCount++
		}

		out := e.invokeSlot(ctx, sessionID, agent, filterContext(acc, &agent))
		outputs[i] = out

		if out.State == SlotCompleted {
			result.SuccessfulAgents++
			mergeContext(acc, out.Output)
			e.closeHandoff(ctx, handoff, trace.HandoffCompleted, out.ToolsUsed, "")
			e.recordEvent(ctx, trace.Event{
				SessionID: sessionID,
				Type:      trace.EventContextUpdated,
				AgentID:   agent.AgentID,
				Context:   cloneContext(acc),
				Content:   "accumulated context updated",
			})
			continue
		}

		// Retries exhausted or non-retryable: short-circuit the rest of
		// the sequence and hand the partial output to the synthesizer.
		e.closeHandoff(ctx, handoff, trace.HandoffFailed, nil, out.Error)
		e.recordEvent(ctx, trace.Event{
			SessionID: sessionID,
			Type:      trace.EventError,
			AgentID:   agent.AgentID,
			Status:    string(SlotFailed),
			Error:     out.Error,
		})
		e.failRemainingSlots(ctx, sessionID, selected, outputs, i+1)
		break
	}

	result.AccumulatedContext = acc
	result.Partial = result.SuccessfulAgents > 0 && result.SuccessfulAgents < result.TotalAgents
	result.Failed = result.SuccessfulAgents == 0
	return result
}

// failRemainingSlots finalizes slots that will never be invoked after a
// short-circuit or session cancellation, so the trace stays total: every slot
// ends in a terminal state with a terminal event.
func (e *Engine) failRemainingSlots(ctx context.Context, sessionID string, selected []selector.ScoredAgent, outputs []AgentOutput, from int) {
	reason := "not invoked: sequence short-circuited after upstream failure"
	if ctx.Err() != nil {
		reason = "not invoked: session cancelled"
	}
	for j := from; j < len(selected); j++ {
		outputs[j].State = SlotFailed
		outputs[j].Error = reason
		e.recordEvent(ctx, trace.Event{
			SessionID: sessionID,
			Type:      trace.EventAgentFailed,
			AgentID:   selected[j].Agent.AgentID,
			Status:    string(SlotFailed),
			Error:     reason,
		})
	}
}

// executeParallel fans out all agents against the same initial context. There
// is no inter-agent handoff; outputs merge in slot order after the join so the
// result is deterministic.
func (e *Engine) executeParallel(ctx context.Context, sessionID, query string, selected []selector.ScoredAgent) *ExecutionResult {
	acc := map[string]any{ContextKeyQuery: query}
	initial := cloneContext(acc)
	outputs := make([]AgentOutput, len(selected))

	ctx, cancel := context.WithTimeout(ctx, e.config.ParallelTimeout)
	defer cancel()

	var g errgroup.Group
	for i := range selected {
		agent := selected[i].Agent
		slot := i
		g.Go(func() error {
			out := e.invokeSlot(ctx, sessionID, agent, filterContext(initial, &agent))
			outputs[slot] = out
			if out.State == SlotFailed {
				e.recordEvent(ctx, trace.Event{
					SessionID: sessionID,
					Type:      trace.EventError,
					AgentID:   agent.AgentID,
					Status:    string(SlotFailed),
					Error:     out.Error,
				})
			}
			return nil
		})
	}
	// Slot failures are captured per-output, never surfaced to the group.
	_ = g.Wait()

	result := &ExecutionResult{
		Outputs:     outputs,
		TotalAgents: len(selected),
	}
	for i := range outputs {
		if outputs[i].State == SlotCompleted {
			result.SuccessfulAgents++
			mergeContext(acc, outputs[i].Output)
		}
	}
	result.AccumulatedContext = acc
	result.Partial = result.SuccessfulAgents > 0 && result.SuccessfulAgents < result.TotalAgents
	result.Failed = result.SuccessfulAgents == 0
	return result
}

// invokeSlot drives one slot through its state machine, applying the bounded
// retry policy for retryable failures.
func (e *Engine) invokeSlot(ctx context.Context, sessionID string, agent registry.Descriptor, payload map[string]any) AgentOutput {
	out := AgentOutput{
		AgentID:   agent.AgentID,
		AgentName: agent.Name,
		State:     SlotInvoking,
	}
	start := time.Now()

	e.recordEvent(ctx, trace.Event{
		SessionID: sessionID,
		Type:      trace.EventAgentInvoked,
		AgentID:   agent.AgentID,
		Context:   payload,
		Status:    string(SlotInvoking),
	})

	var res *Result
	var err error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		out.Attempts = attempt + 1
		res, err = e.invokeOnce(ctx, agent, payload)
		if err == nil {
			break
		}
		if !types.IsRetryable(err) || attempt == e.config.MaxRetries {
			break
		}
		e.logger.Warn("retrying agent after transient failure",
			zap.String("session_id", sessionID),
			zap.String("agent_id", agent.AgentID),
			zap.Error(err),
		)
		e.recordEvent(ctx, trace.Event{
			SessionID: sessionID,
			Type:      trace.EventAgentRetried,
			AgentID:   agent.AgentID,
			Error:     err.Error(),
		})
		e.metrics.RecordAgentRetry(agent.AgentID)
	}

	out.ExecutionTime = time.Since(start)
	e.metrics.RecordAgentInvocation(agent.AgentID, err == nil, out.ExecutionTime)
	if err != nil {
		out.State = SlotFailed
		out.Error = err.Error()
		e.recordEvent(ctx, trace.Event{
			SessionID:     sessionID,
			Type:          trace.EventAgentFailed,
			AgentID:       agent.AgentID,
			ExecutionTime: out.ExecutionTime,
			Status:        string(SlotFailed),
			Error:         out.Error,
		})
		return out
	}

	out.State = SlotCompleted
	out.Output = res.Output
	out.ToolsUsed = res.ToolsUsed
	e.recordEvent(ctx, trace.Event{
		SessionID:     sessionID,
		Type:          trace.EventAgentCompleted,
		AgentID:       agent.AgentID,
		ExecutionTime: out.ExecutionTime,
		Status:        string(SlotCompleted),
	})
	return out
}

func (e *Engine) invokeOnce(ctx context.Context, agent registry.Descriptor, payload map[string]any) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.InvokeTimeout)
	defer cancel()
	return e.invoker.Invoke(ctx, agent, payload)
}

// openHandoff records a pending handoff to the destination agent before it is
// invoked. The transferred context is the accumulated context restricted to
// keys the destination's declared input schema recognizes.
func (e *Engine) openHandoff(ctx context.Context, sessionID string, number int, fromAgent string, to *registry.Descriptor, acc map[string]any) *trace.Handoff {
	transferred := filterContext(acc, to)
	h := &trace.Handoff{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		HandoffNumber:      number,
		FromAgent:          fromAgent,
		ToAgent:            to.AgentID,
		Status:             trace.HandoffInProgress,
		StartTime:          time.Now(),
		ContextTransferred: transferred,
		ContextTokens:      estimateTokens(transferred),
	}
	if e.tracer != nil {
		e.tracer.RecordHandoff(ctx, *h)
	}
	e.recordEvent(ctx, trace.Event{
		SessionID:   sessionID,
		Type:        trace.EventHandoffStarted,
		FromAgentID: fromAgent,
		ToAgentID:   to.AgentID,
		Context:     transferred,
	})
	return h
}

// closeHandoff finalizes a handoff exactly once.
func (e *Engine) closeHandoff(ctx context.Context, h *trace.Handoff, status trace.HandoffStatus, toolsUsed []string, errMsg string) {
	if h == nil {
		return
	}
	end := time.Now()
	h.Status = status
	h.EndTime = &end
	h.ExecutionTime = end.Sub(h.StartTime)
	h.ToolsUsed = toolsUsed
	h.Error = errMsg
	if e.tracer != nil {
		e.tracer.RecordHandoff(ctx, *h)
	}
	e.metrics.RecordHandoff(string(status), h.ContextTokens)
	e.recordEvent(ctx, trace.Event{
		SessionID:     h.SessionID,
		Type:          trace.EventHandoffCompleted,
		FromAgentID:   h.FromAgent,
		ToAgentID:     h.ToAgent,
		ExecutionTime: h.ExecutionTime,
		Status:        string(status),
		Error:         errMsg,
	})
}

func (e *Engine) recordEvent(ctx context.Context, ev trace.Event) {
	if e.tracer == nil {
		return
	}
	e.tracer.RecordEvent(ctx, ev)
}

// mergeContext merges output into acc; new keys win on conflict and nothing
// is ever deleted.
func mergeContext(acc, output map[string]any) {
	for k, v := range output {
		acc[k] = v
	}
}

// filterContext restricts the accumulated context to keys the destination
// agent's declared input schema recognizes, so one agent's scratch data never
// leaks to an agent that did not ask for it.
func filterContext(acc map[string]any, agent *registry.Descriptor) map[string]any {
	out := make(map[string]any, len(acc))
	for k, v := range acc {
		if agent.AcceptsKey(k) {
			out[k] = v
		}
	}
	return out
}

func cloneContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
