// Package retrieval implements the adaptive retrieval core: normalization,
// synonym expansion, complexity classification, dense/sparse hybrid search,
// reciprocal rank fusion, and cross-encoder reranking.
package retrieval

import "sort"

// Strategy names the retrieval strategy chosen by the Classifier.
type Strategy string

const (
	StrategySimpleDense      Strategy = "simple_dense"
	StrategyHybridReranked   Strategy = "hybrid_reranked"
	StrategyAdvancedExpanded Strategy = "advanced_expanded"
)

// Chunk is a contiguous span of a source document produced by offline
// ingestion. chunk_id is stable across restarts and uniquely identifies the
// (source, offset) pair that produced it.
type Chunk struct {
	ChunkID    string
	SourcePath string
	Page       int
	Text       string
	Metadata   map[string]any
}

// ScoredChunk is a Chunk carrying every score a retrieval stage has computed
// for it so far. Scores are always finite; ordering is by the highest-tier
// score present (RerankScore, else FusedScore, else DenseScore).
type ScoredChunk struct {
	Chunk
	DenseScore  float64
	SparseScore float64
	FusedScore  float64
	RerankScore float64
	HasRerank   bool
	HasFused    bool
}

// topScore returns the highest-tier score computed for c, for ordering and
// for Answer.sources reporting.
func (c ScoredChunk) topScore() float64 {
	if c.HasRerank {
		return c.RerankScore
	}
	if c.HasFused {
		return c.FusedScore
	}
	return c.DenseScore
}

// Params enumerates the recognized query parameters (spec.md §3, §6).
// Unrecognized fields have no effect on the zero value: every field here is
// explicit, there is no open map of options.
type Params struct {
	Mode                string
	TopK                int
	RerankK             int
	InitialK            int
	ModelID             string
	Temperature         float64
	IncludeConversation bool
	RRFK                int
	MaxCharsPerDoc      int
}

// WithDefaults fills in the documented defaults (spec.md §4.4, §6) for any
// zero-valued field, maps the "simple" mode to the simple_dense strategy,
// and returns the completed Params.
func (p Params) WithDefaults() Params {
	if p.TopK == 0 {
		p.TopK = 8
	}
	if p.InitialK == 0 {
		p.InitialK = 100
	}
	if p.RerankK == 0 {
		p.RerankK = 30
	}
	if p.RRFK == 0 {
		p.RRFK = 60
	}
	if p.MaxCharsPerDoc == 0 {
		p.MaxCharsPerDoc = 3200
	}
	if p.Mode == "" {
		p.Mode = "adaptive"
	}
	if p.Mode == "simple" {
		p.Mode = string(StrategySimpleDense)
	}
	return p
}

// Explanation records why a strategy was chosen and what happened during
// retrieval. It is immutable once produced.
type Explanation struct {
	ComplexityScore    int
	Factors            map[string]int
	StrategySelected   Strategy
	SynonymsApplied    []string
	Reasoning          string
	DegradationWarning string
}

// Result is the ranked document set plus explanation emitted by the
// Adaptive Retriever.
type Result struct {
	Documents   []ScoredChunk
	Explanation Explanation
	StrategyUsed Strategy
}

// sortByTopScore orders documents non-increasingly by their highest-tier
// score, tie-breaking on ChunkID for determinism (spec.md §4.4 ordering
// guarantee).
func sortByTopScore(docs []ScoredChunk) {
	sort.Slice(docs, func(i, j int) bool {
		si, sj := docs[i].topScore(), docs[j].topScore()
		if si != sj {
			return si > sj
		}
		return docs[i].ChunkID < docs[j].ChunkID
	})
}
