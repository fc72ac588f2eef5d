package retrieval

import (
	"context"
	"sort"
	"strings"
)

// Reranker scores (query, chunk.text) pairs jointly, more accurately than
// bi-encoder similarity alone (spec.md glossary: cross-encoder). It is a
// pluggable capability, same as the Embedder and Generator: a concrete
// cross-encoder model backend can be substituted without changing callers.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []ScoredChunk) ([]ScoredChunk, error)
}

// LexicalReranker is a dependency-free cross-encoder stand-in: it scores
// each candidate by normalized term overlap with the query. No cross-encoder
// model ships in this module's dependency set (none of the example repos in
// this codebase's ancestry vendor one either), so this heuristic is the
// default Reranker; a real cross-encoder backend implements the same
// interface and is selected at startup like any other pluggable backend.
type LexicalReranker struct{}

// NewLexicalReranker returns the default term-overlap Reranker.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

func (r *LexicalReranker) Rerank(ctx context.Context, query string, candidates []ScoredChunk) ([]ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryTerms := termSet(query)
	out := make([]ScoredChunk, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].RerankScore = overlapScore(queryTerms, out[i].Text)
		out[i].HasRerank = true
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RerankScore != out[j].RerankScore {
			return out[i].RerankScore > out[j].RerankScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}

func termSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(s) {
		set[t] = true
	}
	return set
}

func overlapScore(queryTerms map[string]bool, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	docTerms := termSet(text)
	if len(docTerms) == 0 {
		return 0
	}
	matches := 0
	for t := range queryTerms {
		if docTerms[t] {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTerms))
}

// reformulate produces up to three rule-based query reformulations for the
// advanced_expanded strategy (spec.md §4.4): synonym substitution (already
// expressed by the expander) plus a naive noun-phrase extraction that keeps
// only tokens of length > 3, dropping common short function words.
func reformulate(normalizedQuery string, expander *SynonymExpander) []string {
	var out []string

	expanded, applied := expander.Expand(normalizedQuery)
	if expanded != normalizedQuery && expanded != "" {
		out = append(out, expanded)
	}

	var nounPhrase []string
	for _, t := range Tokens(normalizedQuery) {
		if len(t) > 3 && !isStopword(t) {
			nounPhrase = append(nounPhrase, t)
		}
	}
	if len(nounPhrase) > 0 {
		out = append(out, strings.Join(nounPhrase, " "))
	}

	if len(applied) > 0 {
		out = append(out, strings.Join(applied, " "))
	}

	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

var stopwords = map[string]bool{
	"what": true, "that": true, "this": true, "with": true, "from": true,
	"have": true, "does": true, "will": true, "about": true, "into": true,
	"their": true, "they": true, "them": true, "then": true,
}

func isStopword(t string) bool {
	return stopwords[t]
}
