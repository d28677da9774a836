// Package selector scores and orders registry agents for an analyzed query.
// Selection is deterministic: descending relevance score with ties broken by
// registration recency, so tests can assert exact orderings.
package selector

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/baton-ai/baton/analyzer"
	"github.com/baton-ai/baton/registry"
)

// ScoredAgent is one selection candidate with its computed relevance.
type ScoredAgent struct {
	Agent registry.Descriptor `json:"agent"`

	// Score is the weighted relevance in [0,1].
	Score float64 `json:"score"`

	// MatchedCapabilities are the required capabilities this agent covers.
	MatchedCapabilities []string `json:"matched_capabilities"`

	// Reason is a human-readable explanation for the selection report.
	Reason string `json:"reason"`

	// Subtask is the index of the subtask this agent was chosen for, or -1
	// when selection was not subtask-driven.
	Subtask int `json:"subtask"`
}

// Config holds the scoring weights.
type Config struct {
	// CapabilityWeight weighs capability overlap in the final score.
	CapabilityWeight float64 `yaml:"capability_weight" json:"capability_weight"`

	// HealthWeight weighs registry-reported health in the final score.
	HealthWeight float64 `yaml:"health_weight" json:"health_weight"`

	// MinScore drops candidates scoring below it.
	MinScore float64 `yaml:"min_score" json:"min_score"`
}

// DefaultConfig returns the default scoring weights.
func DefaultConfig() Config {
	return Config{
		CapabilityWeight: 0.7,
		HealthWeight:     0.3,
		MinScore:         0.1,
	}
}

// Selector implements the agent selection stage.
type Selector struct {
	config Config
	logger *zap.Logger
}

// NewSelector creates a Selector.
func NewSelector(cfg Config, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CapabilityWeight <= 0 && cfg.HealthWeight <= 0 {
		cfg = DefaultConfig()
	}
	return &Selector{
		config: cfg,
		logger: logger.With(zap.String("component", "selector")),
	}
}

// Select orders the snapshot's agents for the analysis. A sequential analysis
// picks one agent per subtask in subtask order; other strategies rank all
// matching agents by score. An empty result is not an error; the controller
// distinguishes "no agents" from "analysis failed".
func (s *Selector) Select(ctx context.Context, a *analyzer.Analysis, snap *registry.Snapshot) []ScoredAgent {
	if a == nil || snap == nil || snap.Len() == 0 {
		return []ScoredAgent{}
	}

	var selected []ScoredAgent
	if a.Strategy == analyzer.StrategySequential {
		selected = s.selectPerSubtask(a, snap)
	} else {
		selected = s.rank(snap.Agents(), a.RequiredCapabilities(), -1)
		if a.Strategy == analyzer.StrategySingleAgent && len(selected) > 1 {
			selected = selected[:1]
		}
	}

	s.logger.Debug("agents selected",
		zap.String("strategy", string(a.Strategy)),
		zap.Int("candidates", snap.Len()),
		zap.Int("selected", len(selected)),
	)
	return selected
}

// selectPerSubtask assigns the best remaining agent to each subtask in order,
// so the execution sequence mirrors the query's own ordering.
func (s *Selector) selectPerSubtask(a *analyzer.Analysis, snap *registry.Snapshot) []ScoredAgent {
	used := make(map[string]bool)
	selected := make([]ScoredAgent, 0, len(a.Subtasks))

	for i, st := range a.Subtasks {
		caps := []string{st.Domain}
		if st.Domain == "" {
			caps = a.RequiredCapabilities()
		}
		for _, cand := range s.rank(snap.Agents(), caps, i) {
			if used[cand.Agent.AgentID] {
				continue
			}
			used[cand.Agent.AgentID] = true
			selected = append(selected, cand)
			break
		}
	}
	return selected
}

// rank scores agents against the required capabilities and orders them
// descending, ties by registration recency then agent ID.
func (s *Selector) rank(agents []registry.Descriptor, required []string, subtask int) []ScoredAgent {
	ranked := make([]ScoredAgent, 0, len(agents))
	for _, agent := range agents {
		if agent.Status == registry.StatusOffline {
			continue
		}
		score, matched := s.score(agent, required)
		if score < s.config.MinScore || len(matched) == 0 {
			continue
		}
		agent.RelevanceScore = score
		ranked = append(ranked, ScoredAgent{
			Agent:               agent,
			Score:               score,
			MatchedCapabilities: matched,
			Reason:              reason(matched, agent.Health),
			Subtask:             subtask,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].Agent.RegisteredAt.Equal(ranked[j].Agent.RegisteredAt) {
			return ranked[i].Agent.RegisteredAt.After(ranked[j].Agent.RegisteredAt)
		}
		return ranked[i].Agent.AgentID < ranked[j].Agent.AgentID
	})
	return ranked
}

// score computes weighted capability overlap plus health for one agent.
func (s *Selector) score(agent registry.Descriptor, required []string) (float64, []string) {
	if len(required) == 0 {
		return 0, nil
	}
	var matched []string
	for _, req := range required {
		if req == "" {
			continue
		}
		if capabilityMatches(agent, req) {
			matched = append(matched, req)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	overlap := float64(len(matched)) / float64(len(required))
	score := overlap*s.config.CapabilityWeight + agent.Health*s.config.HealthWeight
	if agent.Status == registry.StatusDegraded {
		score /= 2
	}
	return score, matched
}

// capabilityMatches allows exact, prefix, and substring tag matches so
// "creative-writing" satisfies a "writing" requirement and vice versa.
func capabilityMatches(agent registry.Descriptor, required string) bool {
	req := strings.ToLower(required)
	for _, tag := range agent.Capabilities {
		t := strings.ToLower(tag)
		if t == req || strings.Contains(t, req) || strings.Contains(req, t) {
			return true
		}
	}
	return false
}

func reason(matched []string, health float64) string {
	var b strings.Builder
	b.WriteString("capabilities: ")
	b.WriteString(strings.Join(matched, ", "))
	switch {
	case health >= 0.9:
		b.WriteString("; healthy")
	case health >= 0.5:
		b.WriteString("; degraded health")
	default:
		b.WriteString("; poor health")
	}
	return b.String()
}
