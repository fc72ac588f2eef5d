// Package cachestore implements the multi-stage validated cache (spec.md
// §4.6): an exact-key layer, a normalized-key layer, and a semantic layer
// whose hits are gated by agreement on retrieved document identity rather
// than embedding similarity alone.
package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Answer mirrors the shape the Query Engine returns to callers (spec.md
// §3); cachestore treats it as an opaque payload it stores and returns
// verbatim, never mutating it after Put.
type Answer struct {
	Text            string      `json:"text"`
	Sources         []Source    `json:"sources"`
	Confidence      float64     `json:"confidence"`
	Timing          Timing      `json:"timing"`
	FromCache       bool        `json:"from_cache"`
	CacheStage      string      `json:"cache_stage,omitempty"`
}

// Source is one cited retrieval result attached to an Answer.
type Source struct {
	ChunkID string  `json:"chunk_id"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// Timing records per-stage latency for an Answer.
type Timing struct {
	RetrievalMS  int64 `json:"retrieval_ms"`
	GenerationMS int64 `json:"generation_ms"`
	TotalMS      int64 `json:"total_ms"`
}

// Entry is what is actually persisted per spec.md §3's Cache Entry:
// "every non-exact cache entry carries retrieved_chunk_ids; a semantic
// entry additionally carries embedding."
type Entry struct {
	Key               string    `json:"key"`
	Payload           Answer    `json:"payload"`
	StoredAt          time.Time `json:"stored_at"`
	TTLSeconds        int       `json:"ttl_seconds"`
	Embedding         []float32 `json:"embedding,omitempty"`
	RetrievedChunkIDs []string  `json:"retrieved_chunk_ids,omitempty"`
}

// Stage identifies which tier of the cache satisfied a lookup.
type Stage string

const (
	StageExact      Stage = "exact"
	StageNormalized Stage = "normalized"
	StageSemantic   Stage = "semantic"
)

const (
	DefaultExactTTL      = 3600 * time.Second
	DefaultNormalizedTTL = 3600 * time.Second
	DefaultSemanticTTL   = 600 * time.Second

	DefaultMaxSemanticCandidates = 3
	DefaultSemanticThreshold     = 0.98
	DefaultValidationThreshold   = 0.80
)

// Lookup is what a caller supplies to Get: the raw query (for the exact
// layer), the normalized query (for the normalized layer), and, once
// retrieval has already run, the query embedding and retrieved chunk ids
// needed to consider the semantic layer (spec.md §4.6 step 3).
type Lookup struct {
	RawQuery          string
	NormalizedQuery   string
	Params            string // serialized retrieval params, part of the fingerprint
	Embedding         []float32
	RetrievedChunkIDs []string
}

// Result is what Get returns on a hit.
type Result struct {
	Answer Answer
	Stage  Stage
}

// Backend is the key-value substrate the Cache is built on — Redis in
// production, an in-process map in tests and single-node deployments.
// Every method must be safe for concurrent use.
type Backend interface {
	// Set stores value under key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the stored value, or ErrMiss if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Del removes a key.
	Del(ctx context.Context, key string) error
	// AddToShard registers member under the shard's index set, so the
	// semantic layer can enumerate candidates without a full key scan.
	AddToShard(ctx context.Context, shard string, member string) error
	// ShardMembers returns every member registered under shard.
	ShardMembers(ctx context.Context, shard string) ([]string, error)
	// RemoveFromShard removes member from the shard's index set.
	RemoveFromShard(ctx context.Context, shard string, member string) error
}

// ErrMiss is returned by Backend.Get when the key does not exist.
var ErrMiss = fmt.Errorf("cachestore: miss")

const (
	exactPrefix      = "cache:exact:"
	normalizedPrefix = "cache:norm:"
	semanticPrefix   = "cache:sem:"
	semanticShard    = "cache:sem:shard"
)

// Cache is the Multi-Stage Cache (spec.md §4.6), constructed with an
// explicit Backend — no implicit module-level state (spec.md §9 Design
// Note).
type Cache struct {
	backend              Backend
	maxSemanticCandidates int
	semanticThreshold     float64
	validationThreshold   float64
	exactTTL             time.Duration
	normalizedTTL         time.Duration
	semanticTTL           time.Duration

	hits             int64
	misses           int64
	semanticRejected int64
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithSemanticThresholds overrides the default similarity/validation
// thresholds and candidate bound used by the semantic layer.
func WithSemanticThresholds(maxCandidates int, semanticThreshold, validationThreshold float64) Option {
	return func(c *Cache) {
		c.maxSemanticCandidates = maxCandidates
		c.semanticThreshold = semanticThreshold
		c.validationThreshold = validationThreshold
	}
}

// WithTTLs overrides the default exact/normalized/semantic entry lifetimes
// (spec.md §6 configuration table: `ttl_exact` / `ttl_semantic`). The
// normalized layer shares the exact layer's TTL, matching the teacher's
// "normalized entries live as long as exact entries" behavior.
func WithTTLs(exact, semantic time.Duration) Option {
	return func(c *Cache) {
		c.exactTTL = exact
		c.normalizedTTL = exact
		c.semanticTTL = semantic
	}
}

// New constructs a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:               backend,
		maxSemanticCandidates:  DefaultMaxSemanticCandidates,
		semanticThreshold:      DefaultSemanticThreshold,
		validationThreshold:    DefaultValidationThreshold,
		exactTTL:              DefaultExactTTL,
		normalizedTTL:         DefaultNormalizedTTL,
		semanticTTL:           DefaultSemanticTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fingerprint hashes s into a hex digest used as a key suffix.
func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func exactKey(l Lookup) string {
	return exactPrefix + fingerprint(l.RawQuery+"|"+l.Params)
}

func normalizedKey(l Lookup) string {
	return normalizedPrefix + fingerprint(l.NormalizedQuery+"|"+l.Params)
}

// Get implements spec.md §4.6's Get operation: exact, then normalized,
// then (if the caller supplied retrieval results) the validated semantic
// layer. Cache I/O failures degrade to a miss rather than propagating an
// error (spec.md §7: "cache failures never fail the request").
func (c *Cache) Get(ctx context.Context, l Lookup) (Result, bool) {
	if entry, ok := c.load(ctx, exactKey(l)); ok {
		c.hits++
		entry.Payload.FromCache = true
		entry.Payload.CacheStage = string(StageExact)
		return Result{Answer: entry.Payload, Stage: StageExact}, true
	}

	if entry, ok := c.load(ctx, normalizedKey(l)); ok {
		c.hits++
		entry.Payload.FromCache = true
		entry.Payload.CacheStage = string(StageNormalized)
		return Result{Answer: entry.Payload, Stage: StageNormalized}, true
	}

	if len(l.Embedding) > 0 && len(l.RetrievedChunkIDs) > 0 {
		if result, ok := c.getSemantic(ctx, l); ok {
			c.hits++
			return result, true
		}
	}

	c.misses++
	return Result{}, false
}

func (c *Cache) getSemantic(ctx context.Context, l Lookup) (Result, bool) {
	members, err := c.backend.ShardMembers(ctx, semanticShard)
	if err != nil || len(members) == 0 {
		return Result{}, false
	}

	type candidate struct {
		entry      Entry
		similarity float64
	}
	var candidates []candidate
	for _, member := range members {
		entry, ok := c.load(ctx, member)
		if !ok {
			// Entry expired; drop its stale shard registration.
			_ = c.backend.RemoveFromShard(ctx, semanticShard, member)
			continue
		}
		sim := cosineSimilarity(l.Embedding, entry.Embedding)
		if sim >= c.semanticThreshold {
			candidates = append(candidates, candidate{entry: entry, similarity: sim})
		}
		if len(candidates) >= c.maxSemanticCandidates {
			break
		}
	}

	for _, cand := range candidates {
		overlap := jaccard(l.RetrievedChunkIDs, cand.entry.RetrievedChunkIDs)
		if overlap >= c.validationThreshold {
			cand.entry.Payload.FromCache = true
			cand.entry.Payload.CacheStage = string(StageSemantic)
			return Result{Answer: cand.entry.Payload, Stage: StageSemantic}, true
		}
		c.semanticRejected++
	}
	return Result{}, false
}

func (c *Cache) load(ctx context.Context, key string) (Entry, bool) {
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

// Put implements spec.md §4.6's Put operation: unconditional store into
// exact and normalized, and, when embedding + retrieved chunk ids are
// both present, an additional store into the semantic layer.
func (c *Cache) Put(ctx context.Context, l Lookup, answer Answer) error {
	answer.FromCache = false
	answer.CacheStage = ""

	exactEntry := Entry{Key: exactKey(l), Payload: answer, StoredAt: now(), TTLSeconds: int(c.exactTTL.Seconds())}
	if err := c.store(ctx, exactEntry.Key, exactEntry, c.exactTTL); err != nil {
		return err
	}

	normEntry := Entry{
		Key: normalizedKey(l), Payload: answer, StoredAt: now(),
		TTLSeconds: int(c.normalizedTTL.Seconds()), RetrievedChunkIDs: l.RetrievedChunkIDs,
	}
	if err := c.store(ctx, normEntry.Key, normEntry, c.normalizedTTL); err != nil {
		return err
	}

	if len(l.Embedding) > 0 && len(l.RetrievedChunkIDs) > 0 {
		semKey := semanticPrefix + fingerprint(l.NormalizedQuery+"|"+l.Params)
		semEntry := Entry{
			Key: semKey, Payload: answer, StoredAt: now(), TTLSeconds: int(c.semanticTTL.Seconds()),
			Embedding: l.Embedding, RetrievedChunkIDs: l.RetrievedChunkIDs,
		}
		if err := c.store(ctx, semKey, semEntry, c.semanticTTL); err != nil {
			return err
		}
		if err := c.backend.AddToShard(ctx, semanticShard, semKey); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cache) store(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cachestore: marshal entry: %w", err)
	}
	return c.backend.Set(ctx, key, data, ttl)
}

// Stats returns cumulative hit/miss/semantic-rejection counters (spec.md
// §4.6: "cache hit rate and semantic rejection count are both
// observable").
func (c *Cache) Stats() (hits, misses, semanticRejected int64) {
	return c.hits, c.misses, c.semanticRejected
}

// ClearSemantic evicts every entry registered in the semantic shard index.
// It is the only cache-wide clear operation this Cache offers: the exact
// and normalized layers are addressed purely by fingerprint and have no
// enumerable index, by the same design that keeps production Get/Put
// scan-free against Redis. Operators who need a full flush reach for the
// backing store directly (e.g. Redis FLUSHDB).
func (c *Cache) ClearSemantic(ctx context.Context) (cleared int, err error) {
	members, err := c.backend.ShardMembers(ctx, semanticShard)
	if err != nil {
		return 0, err
	}
	for _, key := range members {
		if delErr := c.backend.Del(ctx, key); delErr != nil {
			err = delErr
			continue
		}
		_ = c.backend.RemoveFromShard(ctx, semanticShard, key)
		cleared++
	}
	return cleared, err
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	intersection := 0
	union := len(set)
	for _, id := range b {
		if _, ok := set[id]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func now() time.Time {
	return time.Now()
}
