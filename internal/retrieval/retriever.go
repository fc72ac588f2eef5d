package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/ragengine/ragengine/pkg/embeddings"
	"github.com/ragengine/ragengine/pkg/vectorstore"
)

// DenseSearcher is the Embedder + Vector Index pairing the Adaptive
// Retriever uses for dense search (spec.md §2 items 3 and 4). It is
// constructed once at startup from whichever concrete EmbeddingService and
// VectorStore were selected in configuration.
type DenseSearcher struct {
	Embedder embeddings.EmbeddingService
	Index    vectorstore.VectorStore
}

// Search embeds query and asks the Vector Index for the topK nearest chunks.
func (d *DenseSearcher) Search(ctx context.Context, query string, topK int) ([]ScoredChunk, error) {
	vec, err := d.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrBackendUnavailable, err)
	}
	results, err := d.Index.Search(ctx, vectorstore.SearchQuery{
		Embedding:      vec,
		TopK:           topK,
		DistanceMetric: vectorstore.DistanceMetricCosine,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vector index: %v", ErrBackendUnavailable, err)
	}
	out := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		out = append(out, ScoredChunk{
			Chunk: Chunk{
				ChunkID:    r.Document.ID,
				Text:       r.Document.Content,
				Metadata:   r.Document.Metadata,
				SourcePath: metadataString(r.Document.Metadata, "source_path"),
			},
			DenseScore: float64(r.Score),
		})
	}
	return out, nil
}

// Embed exposes the embedder directly, used by the Query Engine to compute
// the query embedding stored alongside semantic cache entries.
func (d *DenseSearcher) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := d.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrBackendUnavailable, err)
	}
	return vec, nil
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Retriever is the Adaptive Retriever (spec.md §2 item 8, §4.4): the
// orchestrator over the Normalizer, Synonym Expander, dense search, sparse
// search, Fusion & Rerank, and (in advanced_expanded mode) query
// reformulation.
type Retriever struct {
	Dense    *DenseSearcher
	Sparse   *SparseIndex
	Expander *SynonymExpander
	Reranker Reranker
}

// NewRetriever wires the Adaptive Retriever from its constituent backends.
func NewRetriever(dense *DenseSearcher, sparse *SparseIndex, expander *SynonymExpander, reranker Reranker) *Retriever {
	if reranker == nil {
		reranker = NewLexicalReranker()
	}
	return &Retriever{Dense: dense, Sparse: sparse, Expander: expander, Reranker: reranker}
}

// Retrieve runs strategy (which the caller obtains from Classifier.Classify
// + SelectStrategy, or from a mode param that names a strategy directly,
// "simple" standing for simple_dense) against
// normalizedQuery, and returns a Result per spec.md §4.4's per-strategy
// behavior.
func (r *Retriever) Retrieve(ctx context.Context, normalizedQuery string, strategy Strategy, explanation Explanation, params Params) (Result, error) {
	switch strategy {
	case StrategySimpleDense:
		return r.retrieveSimpleDense(ctx, normalizedQuery, explanation, params)
	case StrategyHybridReranked:
		return r.retrieveHybridReranked(ctx, normalizedQuery, explanation, params, nil)
	case StrategyAdvancedExpanded:
		return r.retrieveAdvancedExpanded(ctx, normalizedQuery, explanation, params)
	default:
		return r.retrieveHybridReranked(ctx, normalizedQuery, explanation, params, nil)
	}
}

func (r *Retriever) retrieveSimpleDense(ctx context.Context, normalizedQuery string, explanation Explanation, params Params) (Result, error) {
	expandedText, applied := r.Expander.Expand(normalizedQuery)
	explanation.SynonymsApplied = applied
	explanation.StrategySelected = StrategySimpleDense

	docs, err := r.Dense.Search(ctx, expandedText, params.InitialK)
	if err != nil {
		return Result{}, err
	}
	sortByTopScore(docs)
	docs = topN(docs, params.TopK)
	return Result{Documents: docs, Explanation: explanation, StrategyUsed: StrategySimpleDense}, nil
}

// retrieveHybridReranked runs dense and sparse retrieval concurrently,
// fuses with RRF, reranks, and returns the top final_k. extraCandidates, if
// non-nil, are unioned into the fused candidate set before reranking — used
// by retrieveAdvancedExpanded to fold in reformulation results.
func (r *Retriever) retrieveHybridReranked(ctx context.Context, normalizedQuery string, explanation Explanation, params Params, extraCandidates []ScoredChunk) (Result, error) {
	expandedText, applied := r.Expander.Expand(normalizedQuery)
	explanation.SynonymsApplied = append(explanation.SynonymsApplied, applied...)
	if explanation.StrategySelected == "" {
		explanation.StrategySelected = StrategyHybridReranked
	}

	var denseDocs, sparseDocs []ScoredChunk
	var denseErr, sparseErr error
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		denseDocs, denseErr = r.Dense.Search(ctx, expandedText, params.InitialK)
	}()
	go func() {
		defer wg.Done()
		hits, err := r.Sparse.Search(ctx, expandedText, params.InitialK)
		if err != nil {
			sparseErr = err
			return
		}
		sparseDocs = make([]ScoredChunk, 0, len(hits))
		for _, h := range hits {
			c, ok := r.Sparse.Chunk(h.ChunkID)
			if !ok {
				continue
			}
			sparseDocs = append(sparseDocs, ScoredChunk{Chunk: c, SparseScore: h.Score})
		}
	}()
	wg.Wait()

	if denseErr != nil {
		return Result{}, denseErr
	}
	lists := [][]ScoredChunk{denseDocs}
	if sparseErr != nil {
		explanation.DegradationWarning = fmt.Sprintf("sparse index unavailable, degraded to dense-only: %v", sparseErr)
	} else {
		lists = append(lists, sparseDocs)
	}
	if len(extraCandidates) > 0 {
		lists = append(lists, extraCandidates)
	}

	fused := FuseRRF(params.RRFK, lists...)
	fused = topN(fused, params.RerankK)
	fused = Truncate(fused, params.MaxCharsPerDoc)

	reranked, err := r.Reranker.Rerank(ctx, normalizedQuery, fused)
	if err != nil {
		return Result{}, err
	}
	reranked = topN(reranked, params.TopK)

	strategy := explanation.StrategySelected
	return Result{Documents: reranked, Explanation: explanation, StrategyUsed: strategy}, nil
}

func (r *Retriever) retrieveAdvancedExpanded(ctx context.Context, normalizedQuery string, explanation Explanation, params Params) (Result, error) {
	explanation.StrategySelected = StrategyAdvancedExpanded
	reformulations := reformulate(normalizedQuery, r.Expander)

	var extra []ScoredChunk
	for _, reform := range reformulations {
		docs, err := r.Dense.Search(ctx, reform, params.InitialK)
		if err != nil {
			// A reformulation failure degrades to hybrid_reranked on the
			// original query (spec.md §7: "reformulation failure in
			// advanced mode -> fall back to hybrid").
			explanation.DegradationWarning = fmt.Sprintf("reformulation retrieval failed, falling back to hybrid: %v", err)
			explanation.StrategySelected = StrategyHybridReranked
			return r.retrieveHybridReranked(ctx, normalizedQuery, explanation, params, nil)
		}
		extra = append(extra, docs...)
	}

	result, err := r.retrieveHybridReranked(ctx, normalizedQuery, explanation, params, extra)
	if err != nil {
		return Result{}, err
	}
	result.StrategyUsed = StrategyAdvancedExpanded
	result.Explanation.StrategySelected = StrategyAdvancedExpanded
	return result, nil
}
