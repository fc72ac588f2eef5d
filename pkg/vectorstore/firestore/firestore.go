// Package firestore provides a Firestore-backed VectorStore. Firestore has
// no native vector index, so Search fetches the collection and ranks
// candidates client-side; this provider is intended for small to
// moderate-sized corpora where durability matters more than search latency.
// Search always ranks by cosine similarity; SearchQuery.DistanceMetric is
// not applied.
package firestore

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ragengine/ragengine/pkg/vectorstore"
)

func init() {
	vectorstore.Register("firestore", func(config vectorstore.Config) (vectorstore.VectorStore, error) {
		if config.Firestore == nil {
			return nil, fmt.Errorf("firestore: configuration required")
		}
		return New(context.Background(), *config.Firestore)
	})
}

// Store is a Firestore-backed VectorStore.
type Store struct {
	client     *firestore.Client
	collection string
}

type storedDocument struct {
	ID        string                 `firestore:"id"`
	Content   string                 `firestore:"content"`
	Embedding []float32              `firestore:"embedding"`
	Metadata  map[string]interface{} `firestore:"metadata"`
	CreatedAt int64                  `firestore:"created_at"`
	UpdatedAt int64                  `firestore:"updated_at"`
}

// New opens a Store against the collection named in cfg.
func New(ctx context.Context, cfg vectorstore.FirestoreConfig) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID, databaseIDOrDefault(cfg.DatabaseID), opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: connect: %w", err)
	}
	return &Store{client: client, collection: cfg.Collection}, nil
}

func databaseIDOrDefault(id string) string {
	if id == "" {
		return "(default)"
	}
	return id
}

func (s *Store) coll() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *Store) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	for _, doc := range documents {
		if err := vectorstore.ValidateDocument(&doc); err != nil {
			return fmt.Errorf("firestore: %w", err)
		}
		sd := storedDocument{
			ID:        doc.ID,
			Content:   doc.Content,
			Embedding: doc.Embedding,
			Metadata:  doc.Metadata,
			CreatedAt: doc.CreatedAt.Unix(),
			UpdatedAt: doc.UpdatedAt.Unix(),
		}
		if _, err := s.coll().Doc(doc.ID).Set(ctx, sd); err != nil {
			return fmt.Errorf("firestore: upsert %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("firestore: %w", err)
	}

	iter := s.coll().Documents(ctx)
	defer iter.Stop()

	var results []vectorstore.SearchResult
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: scan: %w", err)
		}
		var sd storedDocument
		if err := snap.DataTo(&sd); err != nil {
			return nil, fmt.Errorf("firestore: decode %s: %w", snap.Ref.ID, err)
		}
		doc := fromStored(sd)
		if !matchesFilter(doc.Metadata, query.Filter) {
			continue
		}
		score := cosineSimilarity(query.Embedding, doc.Embedding)
		if query.MinScore != 0 && score < query.MinScore {
			continue
		}
		results = append(results, vectorstore.SearchResult{Document: doc, Score: score, Distance: 1 - score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if query.TopK > 0 && len(results) > query.TopK {
		results = results[:query.TopK]
	}
	return results, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.coll().Doc(id).Delete(ctx); err != nil {
			return fmt.Errorf("firestore: delete %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	out := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		snap, err := s.coll().Doc(id).Get(ctx)
		if err != nil {
			continue
		}
		var sd storedDocument
		if err := snap.DataTo(&sd); err != nil {
			return nil, fmt.Errorf("firestore: decode %s: %w", id, err)
		}
		out = append(out, fromStored(sd))
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func fromStored(sd storedDocument) vectorstore.Document {
	return vectorstore.Document{
		ID:        sd.ID,
		Content:   sd.Content,
		Embedding: sd.Embedding,
		Metadata:  sd.Metadata,
	}
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

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (sqrt(normA) * sqrt(normB)))
}

func sqrt(f float64) float64 {
	if f <= 0 {
		return 0
	}
	x := f
	for i := 0; i < 20; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}
