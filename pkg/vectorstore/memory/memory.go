// Package memory provides an in-process VectorStore backed by brute-force
// cosine (or Euclidean/dot-product) search. It is the default provider for
// tests and small deployments; production deployments register "firestore"
// instead.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ragengine/ragengine/pkg/vectorstore"
)

func init() {
	vectorstore.Register("memory", func(config vectorstore.Config) (vectorstore.VectorStore, error) {
		maxDocs := 10000
		if config.Memory != nil && config.Memory.MaxDocuments > 0 {
			maxDocs = config.Memory.MaxDocuments
		}
		return New(maxDocs), nil
	})
}

// Store is an in-memory, thread-safe VectorStore implementation.
type Store struct {
	mu        sync.RWMutex
	documents map[string]vectorstore.Document
	maxDocs   int
}

// New returns an empty Store bounded to maxDocs documents (0 means
// unbounded).
func New(maxDocs int) *Store {
	return &Store{
		documents: make(map[string]vectorstore.Document),
		maxDocs:   maxDocs,
	}
}

func (s *Store) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range documents {
		if err := vectorstore.ValidateDocument(&doc); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		if _, exists := s.documents[doc.ID]; !exists && s.maxDocs > 0 && len(s.documents) >= s.maxDocs {
			return fmt.Errorf("memory: store capacity %d exceeded", s.maxDocs)
		}
		s.documents[doc.ID] = doc
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]vectorstore.SearchResult, 0, len(s.documents))
	for _, doc := range s.documents {
		if !matchesFilter(doc.Metadata, query.Filter) {
			continue
		}
		score, distance := compare(query.Embedding, doc.Embedding, query.DistanceMetric)
		if query.MinScore != 0 && score < query.MinScore {
			continue
		}
		results = append(results, vectorstore.SearchResult{Document: doc, Score: score, Distance: distance})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if query.TopK > 0 && len(results) > query.TopK {
		results = results[:query.TopK]
	}
	return results, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.documents, id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.documents[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

func matchesFilter(metadata map[string]interface{}, filter *vectorstore.MetadataFilter) bool {
	if filter == nil {
		return true
	}
	for k, v := range filter.Must {
		if metadata[k] != v {
			return false
		}
	}
	for k, v := range filter.MustNot {
		if metadata[k] == v {
			return false
		}
	}
	if len(filter.Should) > 0 {
		matched := false
		for k, v := range filter.Should {
			if metadata[k] == v {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// compare returns (score, distance) where score is always in a
// higher-is-better orientation, per the DistanceMetric semantics documented
// on vectorstore.SearchQuery.
func compare(a, b []float32, metric vectorstore.DistanceMetric) (score float32, distance float32) {
	switch metric {
	case vectorstore.DistanceMetricEuclidean:
		d := euclidean(a, b)
		return 1 / (1 + d), d
	case vectorstore.DistanceMetricDotProduct:
		dp := dotProduct(a, b)
		return dp, dp
	default:
		c := cosineSimilarity(a, b)
		return c, 1 - c
	}
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func cosineSimilarity(a, b []float32) float32 {
	dp := dotProduct(a, b)
	var normA, normB float32
	for _, v := range a {
		normA += v * v
	}
	for _, v := range b {
		normB += v * v
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dp / float32(math.Sqrt(float64(normA))*math.Sqrt(float64(normB)))
}

func euclidean(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}
