// Package confidence implements the Confidence Scorer (spec.md §4.8): a
// weighted combination of retrieval and generation signals, monotonic in
// each input with the others held fixed.
package confidence

import "strings"

const (
	weightRerank    = 0.4
	weightCoverage  = 0.4
	weightAgreement = 0.2
)

// Inputs are the three signals the score combines.
type Inputs struct {
	// RerankScores are the rerank scores of the sources actually returned
	// with the answer.
	RerankScores []float64
	// AnswerSentences is the generated answer split into sentences.
	AnswerSentences []string
	// CitedExcerpts are the excerpt texts of the cited sources, in
	// citation order.
	CitedExcerpts []string
	// DistinctCitedSources is the count of distinct sources actually
	// cited in the answer text.
	DistinctCitedSources int
	// FinalK is the configured final_k (spec.md §4.4/§6): the number of
	// sources the retriever was asked to return.
	FinalK int
}

// Score computes the [0,1] confidence value from in.
func Score(in Inputs) float64 {
	rerank := meanRerankScore(in.RerankScores)
	coverage := sentenceCoverage(in.AnswerSentences, in.CitedExcerpts)
	agreement := sourceAgreement(in.DistinctCitedSources, in.FinalK)

	score := weightRerank*rerank + weightCoverage*coverage + weightAgreement*agreement
	return clamp01(score)
}

func meanRerankScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return clamp01(sum / float64(len(scores)))
}

// sentenceCoverage returns the fraction of answer sentences that contain
// at least one phrase overlapping a cited excerpt (word-level overlap, a
// sentence counts as covered once any shared token of length > 3 appears
// in any excerpt).
func sentenceCoverage(sentences []string, excerpts []string) float64 {
	if len(sentences) == 0 {
		return 0
	}
	excerptTokens := make(map[string]bool)
	for _, e := range excerpts {
		for _, t := range tokenize(e) {
			excerptTokens[t] = true
		}
	}

	covered := 0
	for _, sentence := range sentences {
		for _, t := range tokenize(sentence) {
			if excerptTokens[t] {
				covered++
				break
			}
		}
	}
	return float64(covered) / float64(len(sentences))
}

func sourceAgreement(distinctCited, finalK int) float64 {
	if finalK <= 0 {
		return 0
	}
	return clamp01(float64(distinctCited) / float64(finalK))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) > 3 {
			out = append(out, f)
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
