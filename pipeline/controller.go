// Package pipeline owns the orchestration session lifecycle. The controller
// drives an ordered stage list (analysis, selection, execution, synthesis)
// over one session, records a stage result per stage, degrades to a fallback
// spec on recoverable failures, and is the only component external callers
// invoke directly.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/engine"
	"github.com/baton-ai/baton/internal/metrics"
	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/selector"
	"github.com/baton-ai/baton/synthesizer"
	"github.com/baton-ai/baton/trace"
	"github.com/baton-ai/baton/types"
)

// Config holds controller tunables.
type Config struct {
	// DefaultTimeout bounds a session when the caller supplies none.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// ArchiveTimeout bounds the async archive write after completion.
	ArchiveTimeout time.Duration `yaml:"archive_timeout" json:"archive_timeout"`
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Minute,
		ArchiveTimeout: 10 * time.Second,
	}
}

// Deps are the controller's collaborators. Registry, Analyzer, Selector,
// Engine, Synthesizer and Tracer are required; the rest are optional.
type Deps struct {
	Registry    registry.Client
	Analyzer    *analyzer.Analyzer
	Selector    *selector.Selector
	Engine      *engine.Engine
	Synthesizer *synthesizer.Synthesizer
	Tracer      trace.Store
	Archiver    *trace.Archiver
	Metrics     *metrics.Collector
	Fallback    FallbackStrategy
	Logger      *zap.Logger
}

// Controller runs orchestration sessions.
type Controller struct {
	config      Config
	spec        Spec
	registry    registry.Client
	analyzer    *analyzer.Analyzer
	selector    *selector.Selector
	engine      *engine.Engine
	synthesizer *synthesizer.Synthesizer
	tracer      trace.Store
	archiver    *trace.Archiver
	metrics     *metrics.Collector
	fallback    FallbackStrategy
	logger      *zap.Logger
}

// NewController creates a Controller running the standard spec.
func NewController(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = def.ArchiveTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := deps.Fallback
	if fallback == nil {
		fallback = LegacyFallback{}
	}
	return &Controller{
		config:      cfg,
		spec:        StandardSpec(),
		registry:    deps.Registry,
		analyzer:    deps.Analyzer,
		selector:    deps.Selector,
		engine:      deps.Engine,
		synthesizer: deps.Synthesizer,
		tracer:      deps.Tracer,
		archiver:    deps.Archiver,
		metrics:     deps.Metrics,
		fallback:    fallback,
		logger:      logger.With(zap.String("component", "pipeline")),
	}
}

// sessionState is the mutable state threaded through one session's stages.
type sessionState struct {
	session   *Session
	spec      Spec
	snapshot  *registry.Snapshot
	analysis  *analyzer.Analysis
	selected  []selector.ScoredAgent
	execution *engine.ExecutionResult
	final     *synthesizer.FinalResponse

	stages    []StagePayload
	completed int
	failedAt  StageKind
}

// Run executes one orchestration session end to end. The returned result is
// never nil: on failure it carries the structured error plus every event and
// stage result collected before the failure.
func (c *Controller) Run(ctx context.Context, query string, opts Options) *OrchestrationResult {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(types.WithSessionID(ctx, sessionID), timeout)
	defer cancel()

	now := time.Now()
	st := &sessionState{
		spec: c.spec,
		session: &Session{
			ID:        sessionID,
			Query:     query,
			StartTime: now,
			Status:    SessionRunning,
		},
	}

	c.tracer.StartSession(ctx, sessionID, query, "")
	c.metrics.SessionStarted()
	c.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.Int("query_length", len(query)),
	)

	snap, err := registry.Take(ctx, c.registry)
	if err != nil {
		return c.fail(ctx, st, StageSelection, types.NewError(types.ErrNoAgents, "agent registry unavailable").WithCause(err))
	}
	st.snapshot = snap

	if err := c.runSpec(ctx, st, c.spec); err != nil {
		return c.fail(ctx, st, st.failedAt, err)
	}
	return c.succeed(ctx, st)
}

// runSpec drives the stages of one spec in order. On a recoverable stage
// failure it consults the fallback strategy once and reruns the reduced spec;
// unrecoverable failures propagate immediately.
func (c *Controller) runSpec(ctx context.Context, st *sessionState, spec Spec) error {
	st.spec = spec
	for _, kind := range spec.Stages {
		if err := c.runStage(ctx, st, spec, kind); err != nil {
			if types.IsUnrecoverable(err) {
				return err
			}
			fbSpec, ok := c.fallback.Fallback(kind, err)
			if !ok || spec.Name == fbSpec.Name {
				return err
			}
			c.logger.Warn("stage failed, degrading to fallback pipeline",
				zap.String("session_id", st.session.ID),
				zap.String("stage", string(kind)),
				zap.String("fallback", fbSpec.Name),
				zap.Error(err),
			)
			st.session.Degraded = true
			return c.runSpec(ctx, st, fbSpec)
		}
	}
	return nil
}

// runStage executes one stage, recording its stage result and events.
func (c *Controller) runStage(ctx context.Context, st *sessionState, spec Spec, kind StageKind) error {
	stageName := string(kind)
	if spec.Name != "standard" {
		stageName = spec.Name + ":" + stageName
	}
	start := time.Now()

	c.tracer.RecordEvent(ctx, trace.Event{
		SessionID: st.session.ID,
		Type:      trace.EventStageStarted,
		Content:   stageName,
	})

	payload, input, err := c.execStage(ctx, st, spec, kind)
	if err != nil {
		st.failedAt = kind
	}

	result := trace.StageResult{
		StageName:     stageName,
		InputSnapshot: input,
		StartedAt:     start,
		CompletedAt:   time.Now(),
		Success:       err == nil,
	}
	if err != nil {
		result.Error = err.Error()
	} else if payload != nil {
		result.OutputSnapshot = payloadSummary(payload)
		st.stages = append(st.stages, *payload)
		st.completed++
	}
	c.tracer.RecordStage(ctx, st.session.ID, result)
	c.tracer.RecordEvent(ctx, trace.Event{
		SessionID:     st.session.ID,
		Type:          trace.EventStageCompleted,
		Content:       stageName,
		ExecutionTime: result.CompletedAt.Sub(start),
		Status:        statusOf(err),
		Error:         result.Error,
	})
	c.metrics.RecordStage(stageName, err == nil, time.Since(start))
	return err
}

// execStage dispatches one stage kind against the session state.
func (c *Controller) execStage(ctx context.Context, st *sessionState, spec Spec, kind StageKind) (*StagePayload, map[string]any, error) {
	switch kind {
	case StageAnalysis:
		input := map[string]any{"query": st.session.Query}
		analysis, err := c.analyzer.Analyze(ctx, st.session.ID, st.session.Query, st.snapshot)
		if err != nil {
			return nil, input, err
		}
		st.analysis = analysis
		st.session.Strategy = string(analysis.Strategy)
		c.setTraceStrategy(ctx, st.session.ID, string(analysis.Strategy))
		return &StagePayload{Kind: StageAnalysis, Analysis: analysis}, input, nil

	case StageSelection:
		analysis := c.effectiveAnalysis(st, spec)
		input := map[string]any{"domains": analysis.Domains, "strategy": string(analysis.Strategy)}
		selected := c.selector.Select(ctx, analysis, st.snapshot)
		if len(selected) == 0 {
			return nil, input, types.NewError(types.ErrNoAgents,
				fmt.Sprintf("no agents found for domains %v", analysis.Domains))
		}
		st.selected = selected
		sel := c.selectionReport(st)
		return &StagePayload{Kind: StageSelection, Selection: &sel}, input, nil

	case StageExecution:
		analysis := c.effectiveAnalysis(st, spec)
		st.session.Strategy = string(analysis.Strategy)
		c.setTraceStrategy(ctx, st.session.ID, string(analysis.Strategy))
		input := map[string]any{"strategy": string(analysis.Strategy), "agents": agentIDs(st.selected)}
		result, err := c.engine.Execute(ctx, st.session.ID, st.session.Query, analysis.Strategy, st.selected)
		if result != nil {
			st.execution = result
			if result.Partial {
				st.session.Degraded = true
			}
		}
		if err != nil {
			return nil, input, err
		}
		return &StagePayload{Kind: StageExecution, Execution: result}, input, nil

	case StageSynthesis:
		input := map[string]any{"successful_agents": successfulAgents(st.execution)}
		final, err := c.synthesizer.Synthesize(st.execution, st.analysis)
		if err != nil {
			return nil, input, err
		}
		st.final = final
		return &StagePayload{Kind: StageSynthesis, Synthesis: final}, input, nil

	default:
		return nil, nil, types.NewError(types.ErrInternalError,
			fmt.Sprintf("unknown pipeline stage %q", kind))
	}
}

// setTraceStrategy forwards the chosen strategy to strategy-aware stores.
func (c *Controller) setTraceStrategy(ctx context.Context, sessionID, strategy string) {
	if setter, ok := c.tracer.(interface {
		SetStrategy(ctx context.Context, sessionID, strategy string)
	}); ok {
		setter.SetStrategy(ctx, sessionID, strategy)
	}
}

// effectiveAnalysis applies the spec's strategy override without mutating the
// recorded analysis. A fallback spec entered before analysis ran gets a
// minimal single-agent analysis of the raw query.
func (c *Controller) effectiveAnalysis(st *sessionState, spec Spec) *analyzer.Analysis {
	analysis := st.analysis
	if analysis == nil {
		analysis = &analyzer.Analysis{
			Query:      st.session.Query,
			Intent:     "assist",
			Strategy:   analyzer.StrategySingleAgent,
			Confidence: 0,
		}
	}
	if spec.ForceStrategy != "" && analysis.Strategy != spec.ForceStrategy {
		forced := *analysis
		forced.Strategy = spec.ForceStrategy
		return &forced
	}
	return analysis
}

// succeed finalizes a completed session.
func (c *Controller) succeed(ctx context.Context, st *sessionState) *OrchestrationResult {
	response := ""
	if st.final != nil {
		response = st.final.Text
	}
	c.finishSession(ctx, st, true, response)

	result := c.buildResult(ctx, st)
	result.Success = true
	result.Response = response
	return result
}

// fail terminates the session while still flushing everything collected so
// far into the result.
func (c *Controller) fail(ctx context.Context, st *sessionState, stage StageKind, err error) *OrchestrationResult {
	structured, ok := err.(*types.Error)
	if !ok {
		structured = types.NewError(types.ErrInternalError, "pipeline stage failed").WithCause(err)
	}

	c.tracer.RecordEvent(ctx, trace.Event{
		SessionID: st.session.ID,
		Type:      trace.EventError,
		Content:   string(stage),
		Error:     structured.Error(),
	})
	c.finishSession(ctx, st, false, "")
	c.logger.Error("session failed",
		zap.String("session_id", st.session.ID),
		zap.String("stage", string(stage)),
		zap.Error(structured),
	)

	result := c.buildResult(ctx, st)
	result.Success = false
	result.Error = structured
	return result
}

// finishSession sets the terminal status exactly once and kicks off the
// asynchronous archive write.
func (c *Controller) finishSession(ctx context.Context, st *sessionState, success bool, response string) {
	end := time.Now()
	st.session.EndTime = &end
	if success {
		st.session.Status = SessionSucceeded
	} else {
		st.session.Status = SessionFailed
	}

	c.tracer.CompleteSession(ctx, st.session.ID, success, response)
	c.metrics.SessionFinished(st.session.Strategy, string(st.session.Status),
		end.Sub(st.session.StartTime), st.session.Degraded)

	if c.archiver != nil {
		go c.archiveTrace(st.session.ID)
	}
}

// archiveTrace copies the completed trace into the SQL archive. Archive
// failures are observability-only: logged and counted, never surfaced.
func (c *Controller) archiveTrace(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ArchiveTimeout)
	defer cancel()

	tr, err := c.tracer.GetTrace(ctx, sessionID)
	if err == nil {
		err = c.archiver.Archive(ctx, tr)
	}
	c.metrics.RecordArchiveWrite(err == nil)
	if err != nil {
		c.logger.Warn("trace archive write failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// buildResult assembles the OrchestrationResult from the session state.
func (c *Controller) buildResult(ctx context.Context, st *sessionState) *OrchestrationResult {
	processing := time.Duration(0)
	if st.session.EndTime != nil {
		processing = st.session.EndTime.Sub(st.session.StartTime)
	}

	result := &OrchestrationResult{
		SessionID: st.session.ID,
		Degraded:  st.session.Degraded,
		Stages:    st.stages,
		WorkflowSummary: WorkflowSummary{
			TotalStages:       len(st.spec.Stages),
			StagesCompleted:   st.completed,
			ExecutionStrategy: st.session.Strategy,
			AgentsUsed:        successfulAgents(st.execution),
			ProcessingTime:    processing,
		},
		AgentSelection: c.selectionReport(st),
	}
	if st.execution != nil {
		result.ExecutionDetails = ExecutionDetails{
			Strategy:           string(st.execution.Strategy),
			TotalAgents:        st.execution.TotalAgents,
			SuccessfulAgents:   st.execution.SuccessfulAgents,
			TotalExecutionTime: st.execution.TotalExecutionTime,
		}
	}
	if tr, err := c.tracer.GetTrace(ctx, st.session.ID); err == nil {
		result.ObservabilityTrace = tr
	}
	return result
}

func (c *Controller) selectionReport(st *sessionState) AgentSelection {
	total := 0
	if st.snapshot != nil {
		total = st.snapshot.Len()
	}
	reasons := make([]string, 0, len(st.selected))
	for _, s := range st.selected {
		reasons = append(reasons, fmt.Sprintf("%s (%.2f): %s", s.Agent.AgentID, s.Score, s.Reason))
	}
	return AgentSelection{
		TotalAvailable:     total,
		SelectedAgents:     st.selected,
		SelectionReasoning: strings.Join(reasons, "; "),
	}
}

func payloadSummary(p *StagePayload) map[string]any {
	out := map[string]any{"kind": string(p.Kind)}
	switch {
	case p.Analysis != nil:
		out["strategy"] = string(p.Analysis.Strategy)
		out["domains"] = p.Analysis.Domains
	case p.Selection != nil:
		out["selected"] = len(p.Selection.SelectedAgents)
	case p.Execution != nil:
		out["successful_agents"] = p.Execution.SuccessfulAgents
		out["handoffs"] = p.Execution.HandoffCount
	case p.Synthesis != nil:
		out["response_length"] = len(p.Synthesis.Text)
	}
	return out
}

func successfulAgents(result *engine.ExecutionResult) []string {
	if result == nil {
		return []string{}
	}
	out := make([]string, 0, len(result.Outputs))
	for _, o := range result.Outputs {
		if o.State == engine.SlotCompleted {
			out = append(out, o.AgentID)
		}
	}
	return out
}

func agentIDs(selected []selector.ScoredAgent) []string {
	out := make([]string, 0, len(selected))
	for _, s := range selected {
		out = append(out, s.Agent.AgentID)
	}
	return out
}

func statusOf(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}
