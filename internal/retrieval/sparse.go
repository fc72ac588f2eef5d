package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// SparseHit is a single BM25 scoring result.
type SparseHit struct {
	ChunkID string
	Score   float64
}

// SparseIndex is a term-frequency / BM25 index over corpus chunks (spec.md
// §2 item 5). It is an in-process inverted index; the spec treats the
// dense Vector Index as an external nearest-neighbor service but leaves the
// sparse index unspecified as external or internal, so this engine builds
// it directly rather than depending on one more external service.
type SparseIndex struct {
	mu         sync.RWMutex
	postings   map[string]map[string]int // term -> chunk_id -> term frequency
	docLength  map[string]int            // chunk_id -> token count
	docText    map[string]Chunk
	avgDocLen  float64
	totalDocs  int
	k1, b      float64
	failNext   bool // test hook: force BackendUnavailable on the next Search
}

// NewSparseIndex returns an empty BM25 index with the conventional k1=1.2,
// b=0.75 tuning.
func NewSparseIndex() *SparseIndex {
	return &SparseIndex{
		postings:  make(map[string]map[string]int),
		docLength: make(map[string]int),
		docText:   make(map[string]Chunk),
		k1:        1.2,
		b:         0.75,
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
}

// Index adds or replaces chunks in the inverted index.
func (s *SparseIndex) Index(chunks []Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if old, ok := s.docLength[c.ChunkID]; ok {
			s.totalDocs--
			_ = old
			for term, freqs := range s.postings {
				delete(freqs, c.ChunkID)
				if len(freqs) == 0 {
					delete(s.postings, term)
				}
			}
		}
		terms := tokenize(c.Text)
		freq := make(map[string]int)
		for _, t := range terms {
			freq[t]++
		}
		for t, f := range freq {
			if s.postings[t] == nil {
				s.postings[t] = make(map[string]int)
			}
			s.postings[t][c.ChunkID] = f
		}
		s.docLength[c.ChunkID] = len(terms)
		s.docText[c.ChunkID] = c
		s.totalDocs++
	}
	s.recomputeAvgLen()
}

func (s *SparseIndex) recomputeAvgLen() {
	if s.totalDocs == 0 {
		s.avgDocLen = 0
		return
	}
	total := 0
	for _, l := range s.docLength {
		total += l
	}
	s.avgDocLen = float64(total) / float64(s.totalDocs)
}

// SetFailNext forces the next Search call to return BackendUnavailable,
// used by tests to exercise the hybrid-retrieval degradation path
// (spec.md §4.4 edge cases).
func (s *SparseIndex) SetFailNext(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = fail
}

// Search returns up to topK chunks ranked by BM25 score against query.
func (s *SparseIndex) Search(ctx context.Context, query string, topK int) ([]SparseHit, error) {
	s.mu.Lock()
	if s.failNext {
		s.failNext = false
		s.mu.Unlock()
		return nil, ErrBackendUnavailable
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scores := make(map[string]float64)
	queryTerms := tokenize(query)
	for _, term := range queryTerms {
		postings, ok := s.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(s.totalDocs)-float64(len(postings))+0.5)/(float64(len(postings))+0.5))
		for chunkID, tf := range postings {
			dl := float64(s.docLength[chunkID])
			denom := float64(tf) + s.k1*(1-s.b+s.b*dl/maxf(s.avgDocLen, 1))
			scores[chunkID] += idf * (float64(tf) * (s.k1 + 1)) / maxf(denom, 1e-9)
		}
	}

	hits := make([]SparseHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, SparseHit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Chunk returns the indexed Chunk for a chunk_id, used to materialize
// SparseHit results into full ScoredChunks for fusion.
func (s *SparseIndex) Chunk(chunkID string) (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.docText[chunkID]
	return c, ok
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
