// Package analyzer classifies a raw user query into intent, domains,
// complexity, and an execution strategy. Classification is a pure function of
// the query text plus a registry snapshot; the only side effect is a single
// trace event per analysis.
package analyzer

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/trace"
	"github.com/baton-ai/baton/types"
)

// Config holds tunables for the heuristic classifier.
type Config struct {
	// DomainKeywords maps a domain tag to the keywords that indicate it.
	// Merged over the built-in table; set a domain to an empty slice to
	// disable it.
	DomainKeywords map[string][]string `yaml:"domain_keywords" json:"domain_keywords"`

	// MinConfidence is the floor reported for a query that parsed but
	// matched no domain table entry.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
}

// DefaultConfig returns the built-in classifier configuration.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.3}
}

// Analyzer implements the query classification stage.
type Analyzer struct {
	config  Config
	domains map[string][]string
	tracer  trace.Store
	logger  *zap.Logger
}

// builtinDomains is the default domain keyword table. Domains double as
// capability tags, so entries here line up with the tags agents register.
var builtinDomains = map[string][]string{
	"calculation":      {"calculate", "compute", "sum", "add", "subtract", "multiply", "divide", "math", "arithmetic", "+", "-", "*", "/"},
	"creative-writing": {"write", "haiku", "poem", "story", "essay", "compose", "draft", "rhyme"},
	"research":         {"research", "find", "search", "look", "investigate", "sources", "cite"},
	"coding":           {"code", "program", "function", "implement", "debug", "refactor", "script"},
	"translation":      {"translate", "translation", "french", "spanish", "german", "japanese", "chinese"},
	"summarization":    {"summarize", "summary", "tldr", "condense", "shorten"},
	"data-analysis":    {"analyze", "chart", "plot", "dataset", "statistics", "trend"},
}

// anaphora are back-references that make a subtask depend on a prior one.
var anaphora = []string{"it", "that", "this", "them", "those", "result", "answer", "output", "above"}

// NewAnalyzer creates an Analyzer. tracer may be nil for pure classification.
func NewAnalyzer(cfg Config, tracer trace.Store, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultConfig().MinConfidence
	}

	domains := make(map[string][]string, len(builtinDomains)+len(cfg.DomainKeywords))
	for d, kws := range builtinDomains {
		domains[d] = kws
	}
	for d, kws := range cfg.DomainKeywords {
		if len(kws) == 0 {
			delete(domains, d)
			continue
		}
		domains[d] = kws
	}

	return &Analyzer{
		config:  cfg,
		domains: domains,
		tracer:  tracer,
		logger:  logger.With(zap.String("component", "analyzer")),
	}
}

// Analyze classifies the query against the registry snapshot. It returns an
// ANALYSIS_FAILED error for an empty or unparseable query; the controller
// treats that as unrecoverable.
func (a *Analyzer) Analyze(ctx context.Context, sessionID, query string, snap *registry.Snapshot) (*Analysis, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, types.NewError(types.ErrAnalysisFailed, "query is empty").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if len(tokenize(trimmed)) == 0 {
		return nil, types.NewError(types.ErrAnalysisFailed, "query contains no analyzable terms").
			WithHTTPStatus(http.StatusBadRequest)
	}

	subtasks := a.splitSubtasks(trimmed, snap)
	strategy := chooseStrategy(subtasks)

	analysis := &Analysis{
		Query:      trimmed,
		Intent:     classifyIntent(subtasks[0].Text),
		Domains:    collectDomains(subtasks),
		Complexity: classifyComplexity(trimmed, subtasks),
		Strategy:   strategy,
		Confidence: a.confidence(subtasks),
		Subtasks:   subtasks,
	}

	a.logger.Debug("query analyzed",
		zap.String("session_id", sessionID),
		zap.String("strategy", string(analysis.Strategy)),
		zap.Strings("domains", analysis.Domains),
		zap.Float64("confidence", analysis.Confidence),
	)

	if a.tracer != nil {
		a.tracer.RecordEvent(ctx, trace.Event{
			SessionID: sessionID,
			Type:      trace.EventQueryAnalyzed,
			Content:   "query analyzed",
			Context: map[string]any{
				"intent":             analysis.Intent,
				"domains":            analysis.Domains,
				"complexity":         string(analysis.Complexity),
				"execution_strategy": string(analysis.Strategy),
				"confidence":         analysis.Confidence,
				"subtask_count":      len(subtasks),
			},
		})
	}

	return analysis, nil
}

// splitSubtasks breaks the query on coordinating conjunctions and classifies
// each fragment. Fragments referring back to earlier results are marked
// dependent.
func (a *Analyzer) splitSubtasks(query string, snap *registry.Snapshot) []Subtask {
	fragments := splitConjunctions(query)
	subtasks := make([]Subtask, 0, len(fragments))
	for i, frag := range fragments {
		subtasks = append(subtasks, Subtask{
			Text:           frag,
			Domain:         a.classifyDomain(frag, snap),
			DependsOnPrior: i > 0 && refersBack(frag),
		})
	}
	return subtasks
}

// classifyDomain picks the domain whose keywords overlap the fragment most.
// Capability tags from the snapshot participate as single-keyword domains so
// operators can register agents for domains the built-in table never heard of.
func (a *Analyzer) classifyDomain(fragment string, snap *registry.Snapshot) string {
	words := tokenSet(fragment)

	best, bestHits := "", 0
	for domain, keywords := range a.domains {
		hits := 0
		for _, kw := range keywords {
			if words[kw] {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && domain < best) {
			best, bestHits = domain, hits
		}
	}
	if bestHits > 0 {
		return best
	}

	if snap != nil {
		for _, tag := range snap.CapabilityTags() {
			for w := range words {
				if strings.Contains(tag, w) || strings.Contains(w, tag) {
					return tag
				}
			}
		}
	}
	return ""
}

func (a *Analyzer) confidence(subtasks []Subtask) float64 {
	classified := 0
	for _, st := range subtasks {
		if st.Domain != "" {
			classified++
		}
	}
	conf := float64(classified) / float64(len(subtasks))
	if conf < a.config.MinConfidence {
		conf = a.config.MinConfidence
	}
	return conf
}

// chooseStrategy picks the execution strategy: one subtask runs single-agent,
// dependent subtasks run sequentially, independent subtasks run in parallel.
func chooseStrategy(subtasks []Subtask) Strategy {
	if len(subtasks) <= 1 {
		return StrategySingleAgent
	}
	for _, st := range subtasks {
		if st.DependsOnPrior {
			return StrategySequential
		}
	}
	return StrategyParallel
}

func classifyComplexity(query string, subtasks []Subtask) Complexity {
	words := len(strings.Fields(query))
	switch {
	case len(subtasks) >= 3 || words > 40:
		return ComplexityComplex
	case len(subtasks) == 2 || words > 15:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}

// intentVerbs maps leading verbs to coarse intents.
var intentVerbs = map[string]string{
	"calculate": "computation", "compute": "computation", "add": "computation",
	"write": "generation", "compose": "generation", "draft": "generation", "create": "generation",
	"find": "research", "search": "research", "research": "research", "investigate": "research",
	"translate": "translation",
	"summarize": "summarization", "condense": "summarization",
	"analyze": "analysis", "plot": "analysis",
	"explain": "explanation", "describe": "explanation", "what": "explanation", "how": "explanation", "why": "explanation",
}

func classifyIntent(fragment string) string {
	for _, w := range strings.Fields(strings.ToLower(fragment)) {
		if intent, ok := intentVerbs[strings.Trim(w, ".,!?")]; ok {
			return intent
		}
	}
	return "assist"
}

// refersBack reports whether a fragment references an earlier result.
func refersBack(fragment string) bool {
	words := tokenSet(fragment)
	for _, ref := range anaphora {
		if words[ref] {
			return true
		}
	}
	return false
}

func collectDomains(subtasks []Subtask) []string {
	seen := make(map[string]bool, len(subtasks))
	domains := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		if st.Domain == "" || seen[st.Domain] {
			continue
		}
		seen[st.Domain] = true
		domains = append(domains, st.Domain)
	}
	return domains
}

// conjunctions split a query into subtasks. Longer separators are tried first
// so "and then" never splits twice.
var conjunctions = []string{" and then ", ", then ", " then ", " and ", "; "}

func splitConjunctions(query string) []string {
	fragments := []string{query}
	for _, sep := range conjunctions {
		next := make([]string, 0, len(fragments))
		for _, frag := range fragments {
			for _, piece := range strings.Split(frag, sep) {
				piece = strings.Trim(piece, " ,;")
				if piece != "" {
					next = append(next, piece)
				}
			}
		}
		fragments = next
	}
	return fragments
}

// tokenize splits text into lowercase words, keeping arithmetic operators so
// "10 + 20" still signals calculation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '+' || r == '-' || r == '*' || r == '/' || r == '_':
			return false
		}
		return true
	})
}

func tokenSet(text string) map[string]bool {
	words := tokenize(text)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
