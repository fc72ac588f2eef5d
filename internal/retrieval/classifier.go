package retrieval

import "strings"

var whWords = []string{"how", "why", "compare", "analyze", "explain"}

var conjunctions = []string{" and ", " or ", " vs ", " vs. "}

// Classifier deterministically scores a query's complexity and selects a
// retrieval strategy (spec.md §4.3). It holds no state; Classify is a pure
// function of the normalized query text.
type Classifier struct{}

// NewClassifier returns a Classifier. It has no configuration: the scoring
// table in spec.md §4.3 is fixed.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify scores query complexity and returns the complexity score plus the
// factors that fired, keyed the same way the Explanation records them.
func (c *Classifier) Classify(normalizedQuery string) (score int, factors map[string]int) {
	factors = make(map[string]int)
	tokens := Tokens(normalizedQuery)

	switch {
	case len(tokens) >= 20:
		factors["length"] = 3
	case len(tokens) >= 12:
		factors["length"] = 2
	}

	for _, w := range whWords {
		if strings.HasPrefix(normalizedQuery, w) {
			factors["wh-word"] = 3
			break
		}
	}

	for _, conj := range conjunctions {
		if strings.Contains(" "+normalizedQuery+" ", conj) {
			factors["conjunction"] = 1
			break
		}
	}

	if strings.ContainsAny(normalizedQuery, ",;") {
		factors["multi-clause"] = 1
	}

	for _, v := range factors {
		score += v
	}
	return score, factors
}

// SelectStrategy maps a complexity score to a retrieval strategy. Ties break
// toward the simpler strategy (spec.md §4.3): scores below 2 select
// simple_dense, 2 through 4 inclusive select hybrid_reranked, and anything
// above 4 selects advanced_expanded.
func SelectStrategy(score int) Strategy {
	switch {
	case score < 2:
		return StrategySimpleDense
	case score <= 4:
		return StrategyHybridReranked
	default:
		return StrategyAdvancedExpanded
	}
}
