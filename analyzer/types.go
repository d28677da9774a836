package analyzer

// Strategy is the concurrency shape chosen for executing the selected agents.
type Strategy string

const (
	// StrategySingleAgent runs exactly one agent with zero handoffs.
	StrategySingleAgent Strategy = "single_agent"

	// StrategySequential runs agents in order, handing context from one to the next.
	StrategySequential Strategy = "sequential"

	// StrategyParallel runs all agents concurrently against the same initial context.
	StrategyParallel Strategy = "parallel"
)

// Complexity buckets a query by how much coordination it needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Subtask is one unit of work extracted from the query.
type Subtask struct {
	// Text is the subtask phrase as it appeared in the query.
	Text string `json:"text"`

	// Domain is the classified domain for this subtask.
	Domain string `json:"domain"`

	// DependsOnPrior is true when the phrase refers back to an earlier
	// subtask's result ("it", "that", "the result"), which forces
	// sequential execution.
	DependsOnPrior bool `json:"depends_on_prior"`
}

// Analysis is the classification of one query.
type Analysis struct {
	Query      string     `json:"query"`
	Intent     string     `json:"intent"`
	Domains    []string   `json:"domains"`
	Complexity Complexity `json:"complexity"`
	Strategy   Strategy   `json:"execution_strategy"`
	Confidence float64    `json:"confidence"`
	Subtasks   []Subtask  `json:"subtasks"`
}

// PrimaryDomain returns the first classified domain, or "general" when the
// query matched no domain table entry.
func (a *Analysis) PrimaryDomain() string {
	if len(a.Domains) == 0 {
		return "general"
	}
	return a.Domains[0]
}

// RequiredCapabilities maps the analysis onto capability tags the selector
// should look for. Domains double as capability tags.
func (a *Analysis) RequiredCapabilities() []string {
	caps := make([]string, 0, len(a.Domains)+1)
	caps = append(caps, a.Domains...)
	if a.Intent != "" {
		caps = append(caps, a.Intent)
	}
	return caps
}
