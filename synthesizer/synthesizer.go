// Package synthesizer aggregates agent outputs into one final response.
// Sequential runs promote the last successful agent's output; parallel runs
// merge every successful output into labeled sections. Either way the text
// goes through an idempotent normalization pass before it leaves the system.
package synthesizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/engine"
	"github.com/baton-ai/baton/types"
)

// FinalResponse is the synthesized answer returned to the caller.
type FinalResponse struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Synthesizer implements the response synthesis stage.
type Synthesizer struct {
	logger *zap.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{logger: logger.With(zap.String("component", "synthesizer"))}
}

// Synthesize merges the execution result into a final response. It fails only
// when no agent produced any usable output.
func (s *Synthesizer) Synthesize(result *engine.ExecutionResult, analysis *analyzer.Analysis) (*FinalResponse, error) {
	if result == nil || result.SuccessfulAgents == 0 {
		return nil, types.NewError(types.ErrInternalError, "no agent output to synthesize")
	}

	var text string
	if result.Strategy == analyzer.StrategyParallel {
		text = s.mergeParallel(result)
	} else {
		text = s.mergeSequential(result)
	}
	text = Normalize(text)

	meta := map[string]any{
		"strategy":          string(result.Strategy),
		"successful_agents": result.SuccessfulAgents,
		"total_agents":      result.TotalAgents,
		"partial":           result.Partial,
	}
	if analysis != nil {
		meta["intent"] = analysis.Intent
		meta["domains"] = analysis.Domains
	}

	s.logger.Debug("response synthesized",
		zap.String("strategy", string(result.Strategy)),
		zap.Int("length", len(text)),
	)
	return &FinalResponse{Text: text, Metadata: meta}, nil
}

// mergeSequential uses the last successful agent's output as the primary
// content and appends a contribution note when earlier agents produced
// intermediate artifacts.
func (s *Synthesizer) mergeSequential(result *engine.ExecutionResult) string {
	lastIdx := -1
	contributors := make([]string, 0, len(result.Outputs))
	for i, out := range result.Outputs {
		if out.State == engine.SlotCompleted {
			lastIdx = i
			contributors = append(contributors, out.AgentName)
		}
	}

	primary := outputText(result.Outputs[lastIdx].Output)
	if len(contributors) <= 1 {
		return primary
	}

	var b strings.Builder
	b.WriteString(primary)
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("(Synthesized from %d agents: %s)",
		len(contributors), strings.Join(contributors, " → ")))
	return b.String()
}

// mergeParallel merges every successful output into sections labeled by
// agent name, in slot order.
func (s *Synthesizer) mergeParallel(result *engine.ExecutionResult) string {
	var b strings.Builder
	first := true
	for _, out := range result.Outputs {
		if out.State != engine.SlotCompleted {
			continue
		}
		if !first {
			b.WriteString("\n\n")
		}
		first = false
		b.WriteString("## ")
		b.WriteString(out.AgentName)
		b.WriteString("\n\n")
		b.WriteString(outputText(out.Output))
	}
	return b.String()
}

// responseKeys are the output keys tried, in order, when extracting an
// agent's primary text.
var responseKeys = []string{"response", "text", "answer", "content", "result", "output"}

// outputText extracts the primary text from an agent output map. It prefers
// well-known response keys, then any string value (smallest key first for
// determinism), and finally the JSON rendering of the whole map.
func outputText(output map[string]any) string {
	for _, key := range responseKeys {
		if v, ok := output[key].(string); ok && v != "" {
			return v
		}
	}

	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := output[k].(string); ok && v != "" {
			return v
		}
	}
	for _, k := range keys {
		return fmt.Sprintf("%s: %v", k, output[k])
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	return string(raw)
}

// reasoningMarkers match internal scratch blocks agents sometimes leak.
var reasoningMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?is)<scratchpad>.*?</scratchpad>`),
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
	trailingWS  = regexp.MustCompile(`[ \t]+\n`)
)

// Normalize collapses whitespace and strips internal reasoning markers.
// Marker removal runs to a fixpoint so the whole pass is idempotent:
// Normalize(Normalize(s)) == Normalize(s) for every input.
func Normalize(text string) string {
	for {
		stripped := text
		for _, re := range reasoningMarkers {
			stripped = re.ReplaceAllString(stripped, "")
		}
		if stripped == text {
			break
		}
		text = stripped
	}

	text = spaceRuns.ReplaceAllString(text, " ")
	text = trailingWS.ReplaceAllString(text, "\n")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
