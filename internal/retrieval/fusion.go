package retrieval

// FuseRRF combines ranked candidate lists with Reciprocal Rank Fusion
// (spec.md §4.4): for each candidate c, score(c) = sum of 1/(rrfK + rank_i(c))
// across every list it appears in. rrfK defaults to 60 when zero. The
// returned chunks carry FusedScore set and HasFused true; DenseScore and
// SparseScore hold the last non-zero value any list gave for each chunk.
func FuseRRF(rrfK int, lists ...[]ScoredChunk) []ScoredChunk {
	if rrfK <= 0 {
		rrfK = 60
	}
	byID := make(map[string]*ScoredChunk)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, c := range list {
			existing, ok := byID[c.ChunkID]
			if !ok {
				cp := c
				cp.FusedScore = 0
				cp.HasFused = true
				byID[c.ChunkID] = &cp
				existing = byID[c.ChunkID]
				order = append(order, c.ChunkID)
			}
			existing.FusedScore += 1.0 / float64(rrfK+rank+1)
			if c.DenseScore != 0 {
				existing.DenseScore = c.DenseScore
			}
			if c.SparseScore != 0 {
				existing.SparseScore = c.SparseScore
			}
		}
	}

	out := make([]ScoredChunk, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sortByTopScore(out)
	return out
}

// Truncate bounds each chunk's text to maxChars, matching spec.md §4.4's
// pre-rerank truncation and §4.7's prompt truncation. It does not mutate the
// input slice.
func Truncate(chunks []ScoredChunk, maxChars int) []ScoredChunk {
	if maxChars <= 0 {
		return chunks
	}
	out := make([]ScoredChunk, len(chunks))
	for i, c := range chunks {
		if len(c.Text) > maxChars {
			c.Text = c.Text[:maxChars]
		}
		out[i] = c
	}
	return out
}

// topN returns the first n elements of docs, or all of them if fewer exist.
// It never pads (spec.md §4.4 edge case).
func topN(docs []ScoredChunk, n int) []ScoredChunk {
	if n <= 0 || n >= len(docs) {
		return docs
	}
	return docs[:n]
}
