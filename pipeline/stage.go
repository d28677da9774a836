package pipeline

import (
	"encoding/json"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/engine"
	"github.com/baton-ai/baton/synthesizer"
)

// StageKind names one pipeline stage.
type StageKind string

const (
	StageAnalysis  StageKind = "analysis"
	StageSelection StageKind = "selection"
	StageExecution StageKind = "execution"
	StageSynthesis StageKind = "synthesis"
)

// StagePayload is a tagged union of stage outputs: exactly one variant field
// matching Kind is set. Raw is the escape hatch for stage kinds introduced
// after this binary was built.
type StagePayload struct {
	Kind StageKind `json:"kind"`

	Analysis  *analyzer.Analysis         `json:"analysis,omitempty"`
	Selection *AgentSelection            `json:"selection,omitempty"`
	Execution *engine.ExecutionResult    `json:"execution,omitempty"`
	Synthesis *synthesizer.FinalResponse `json:"synthesis,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// Spec is an ordered stage list. The standard and legacy pipelines are two
// Spec values driven by the same controller, not two implementations.
type Spec struct {
	// Name identifies the spec in traces and results.
	Name string `json:"name"`

	// Stages is the ordered list of stages to run.
	Stages []StageKind `json:"stages"`

	// ForceStrategy overrides the analyzer's chosen strategy when set.
	// The legacy pipeline uses it to degrade to a single agent.
	ForceStrategy analyzer.Strategy `json:"force_strategy,omitempty"`
}

// StandardSpec is the full four-stage pipeline.
func StandardSpec() Spec {
	return Spec{
		Name:   "standard",
		Stages: []StageKind{StageAnalysis, StageSelection, StageExecution, StageSynthesis},
	}
}

// LegacySpec is the reduced fallback pipeline: it reruns selection and
// execution with the strategy forced to a single agent and skips the
// synthesis merge, promoting the agent output directly.
func LegacySpec() Spec {
	return Spec{
		Name:          "legacy",
		Stages:        []StageKind{StageSelection, StageExecution, StageSynthesis},
		ForceStrategy: analyzer.StrategySingleAgent,
	}
}

// FallbackStrategy decides, at session start, which reduced Spec to apply
// when a stage fails recoverably. Returning false aborts instead.
type FallbackStrategy interface {
	Fallback(failedStage StageKind, err error) (Spec, bool)
}

// LegacyFallback degrades every recoverable stage failure to the legacy
// single-agent pipeline, except an analysis failure, which has nothing to
// fall back on.
type LegacyFallback struct{}

// Fallback implements FallbackStrategy.
func (LegacyFallback) Fallback(failedStage StageKind, _ error) (Spec, bool) {
	if failedStage == StageAnalysis {
		return Spec{}, false
	}
	return LegacySpec(), true
}

// NoFallback aborts on every stage failure.
type NoFallback struct{}

// Fallback implements FallbackStrategy.
func (NoFallback) Fallback(StageKind, error) (Spec, bool) { return Spec{}, false }
