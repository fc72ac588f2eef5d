// Package queryengine implements the top-level contract (spec.md §4.9):
// query(text, params, session_id?) -> Answer. It orchestrates sanitize,
// cache lookup, classify/expand/retrieve, semantic cache lookup, generate,
// score, and memory append, per the ordering and concurrency guarantees in
// spec.md §5.
package queryengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ragengine/ragengine/internal/cachestore"
	"github.com/ragengine/ragengine/internal/confidence"
	"github.com/ragengine/ragengine/internal/generator"
	"github.com/ragengine/ragengine/internal/memory"
	"github.com/ragengine/ragengine/internal/observability"
	"github.com/ragengine/ragengine/internal/retrieval"
	"github.com/ragengine/ragengine/pkg/security"
)

const defaultMaxQueryChars = 10_000

// Config tunes engine-wide behavior not already owned by Params
// (spec.md §6's configuration table).
type Config struct {
	MaxQueryChars    int
	MaxInFlight      int // bounded work-queue size in front of generation
	StageTimeout     time.Duration
	GlobalDeadline   time.Duration
	BackendRetries   int
	BackendRetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueryChars <= 0 {
		c.MaxQueryChars = defaultMaxQueryChars
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 20 * time.Second
	}
	if c.GlobalDeadline <= 0 {
		c.GlobalDeadline = 60 * time.Second
	}
	if c.BackendRetries <= 0 {
		c.BackendRetries = 2
	}
	if c.BackendRetryBase <= 0 {
		c.BackendRetryBase = 100 * time.Millisecond
	}
	return c
}

// Engine wires every component named in spec.md §2 into the one
// query/generate/score/cache/memory pipeline. Every dependency is
// explicit constructor input — no implicit module-level state (spec.md
// §9 Design Note).
type Engine struct {
	cfg Config

	classifier *retrieval.Classifier
	retriever  *retrieval.Retriever
	dense      *retrieval.DenseSearcher
	generator  *generator.Generator
	cache      *cachestore.Cache
	memory     *memory.ConversationMemory
	injection  *security.PromptInjectionDetector
	limiter    *security.RateLimiter
	breaker    *security.CircuitBreaker
	sf         singleflight.Group
	workQueue  chan struct{}
	vocabulary map[string]bool
}

// Deps bundles every collaborator Engine needs. All fields are required
// except Memory, Injection, Limiter, Breaker, and Vocabulary, which are
// optional enrichments.
type Deps struct {
	Classifier *retrieval.Classifier
	Retriever  *retrieval.Retriever
	Dense      *retrieval.DenseSearcher
	Generator  *generator.Generator
	Cache      *cachestore.Cache
	Memory     *memory.ConversationMemory
	Injection  *security.PromptInjectionDetector
	Limiter    *security.RateLimiter
	Breaker    *security.CircuitBreaker
	// Vocabulary is the domain-vocabulary set Conversation Memory's
	// follow-up test (c) checks a query's tokens against (spec.md §4.5),
	// typically Retriever.Expander.Vocabulary(). Nil disables test (c).
	Vocabulary map[string]bool
}

// New constructs an Engine.
func New(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		classifier: deps.Classifier,
		retriever:  deps.Retriever,
		dense:      deps.Dense,
		generator:  deps.Generator,
		cache:      deps.Cache,
		memory:     deps.Memory,
		injection:  deps.Injection,
		limiter:    deps.Limiter,
		breaker:    deps.Breaker,
		workQueue:  make(chan struct{}, cfg.MaxInFlight),
		vocabulary: deps.Vocabulary,
	}
}

// Query is the top-level contract from spec.md §4.9.
func (e *Engine) Query(ctx context.Context, text string, params retrieval.Params, sessionID, clientID string) (cachestore.Answer, error) {
	start := time.Now()
	params = params.WithDefaults()

	if err := e.sanitizeAndValidate(text, clientID); err != nil {
		return cachestore.Answer{}, err
	}

	if e.limiter != nil && !e.limiter.Allow(clientID) {
		return cachestore.Answer{}, newError(KindOverloaded, "rate limit exceeded", nil)
	}

	select {
	case e.workQueue <- struct{}{}:
		defer func() { <-e.workQueue }()
	default:
		return cachestore.Answer{}, newError(KindOverloaded, "work queue full", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.GlobalDeadline)
	defer cancel()

	normalized, err := retrieval.Normalize(text)
	if err != nil {
		return cachestore.Answer{}, newError(KindInvalidInput, "normalize", err)
	}

	fingerprint := normalized + "|" + paramsFingerprint(params)
	if result, ok := e.cache.Get(ctx, cachestore.Lookup{RawQuery: text, NormalizedQuery: normalized, Params: fingerprint}); ok {
		return finalizeAnswer(result.Answer, start), nil
	}

	answerAny, err, _ := e.sf.Do(fingerprint, func() (interface{}, error) {
		return e.runPipeline(ctx, pipelineInput{
			rawQuery:    text,
			normalized:  normalized,
			fingerprint: fingerprint,
			params:      params,
			sessionID:   sessionID,
		})
	})
	if err != nil {
		return cachestore.Answer{}, err
	}

	answer := answerAny.(cachestore.Answer)
	answer.Timing.TotalMS = time.Since(start).Milliseconds()
	return answer, nil
}

func (e *Engine) sanitizeAndValidate(text, clientID string) error {
	if strings.TrimSpace(text) == "" {
		return newError(KindInvalidInput, "empty query", nil)
	}
	if len(text) > e.cfg.MaxQueryChars {
		return newError(KindInvalidInput, "query exceeds max_query_chars", nil)
	}
	if e.injection != nil {
		if result := e.injection.Detect(text); result.Detected {
			// Monitoring signal only; request proceeds (spec.md §7:
			// "PromptInjectionDetected ... logged ... request proceeds").
			_ = result
		}
	}
	return nil
}

type pipelineInput struct {
	rawQuery    string
	normalized  string
	fingerprint string
	params      retrieval.Params
	sessionID   string
}

func (e *Engine) runPipeline(ctx context.Context, in pipelineInput) (cachestore.Answer, error) {
	ctx, span := observability.StartSpanWithContext(ctx, "queryengine.runPipeline", map[string]any{
		"mode": in.params.Mode,
	})
	defer span.End()

	answer, err := e.runPipelineTraced(ctx, in)
	if err != nil {
		span.SetError(err)
	}
	return answer, err
}

func (e *Engine) runPipelineTraced(ctx context.Context, in pipelineInput) (cachestore.Answer, error) {
	searchText := in.normalized
	var convSummary string
	var convTurns []memory.Turn
	if e.memory != nil && in.sessionID != "" {
		e.memory.Restore(ctx, in.sessionID)
		convSummary, convTurns = e.memory.Context(in.sessionID)
		if memory.IsFollowUp(in.normalized, e.vocabulary) {
			prefix := memory.EnrichmentPrefix(convSummary, convTurns)
			if prefix != "" {
				searchText = prefix + " " + in.normalized
			}
		}
	}

	strategy := retrieval.Strategy(in.params.Mode)
	var explanation retrieval.Explanation
	if strategy != retrieval.StrategySimpleDense && strategy != retrieval.StrategyHybridReranked && strategy != retrieval.StrategyAdvancedExpanded {
		score, factors := e.classifier.Classify(in.normalized)
		strategy = retrieval.SelectStrategy(score)
		explanation = retrieval.Explanation{ComplexityScore: score, Factors: factors}
	}

	result, err := e.retrieveWithRetry(ctx, searchText, strategy, explanation, in.params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return cachestore.Answer{}, newError(KindDeadlineExceeded, "retrieval", err)
		}
		return cachestore.Answer{}, newError(KindBackendUnavailable, "retrieval", err)
	}

	chunkIDs := make([]string, 0, len(result.Documents))
	for _, d := range result.Documents {
		chunkIDs = append(chunkIDs, d.ChunkID)
	}

	var queryEmbedding []float32
	if e.dense != nil {
		if vec, embErr := e.dense.Embed(ctx, in.normalized); embErr == nil {
			queryEmbedding = vec
		}
	}

	if len(queryEmbedding) > 0 && len(chunkIDs) > 0 {
		semLookup := cachestore.Lookup{
			RawQuery: in.rawQuery, NormalizedQuery: in.normalized, Params: in.fingerprint,
			Embedding: queryEmbedding, RetrievedChunkIDs: chunkIDs,
		}
		if semResult, ok := e.cache.Get(ctx, semLookup); ok {
			return semResult.Answer, nil
		}
	}

	if len(result.Documents) == 0 {
		answer := cachestore.Answer{
			Text:       generator.InsufficientEvidenceAnswer,
			Confidence: 0.05,
		}
		// spec.md §7: "not cached in the semantic layer (exact/normalized
		// caching still applies)" — Put with no embedding/chunk ids skips
		// the semantic tier.
		_ = e.cache.Put(ctx, cachestore.Lookup{RawQuery: in.rawQuery, NormalizedQuery: in.normalized, Params: in.fingerprint}, answer)
		e.appendMemory(ctx, in.sessionID, in.rawQuery, answer)
		return answer, nil
	}

	genReq := generator.Request{
		Query:               in.rawQuery,
		ConversationSummary: convSummary,
		Documents:           result.Documents,
		Temperature:         in.params.Temperature,
		MaxTokens:           4096,
		Model:               in.params.ModelID,
	}

	var preConfidence float64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rerankScores := make([]float64, 0, len(result.Documents))
		for _, d := range result.Documents {
			rerankScores = append(rerankScores, d.RerankScore)
		}
		preConfidence = confidence.Score(confidence.Inputs{
			RerankScores:         rerankScores,
			DistinctCitedSources: len(result.Documents),
			FinalK:               in.params.TopK,
		})
	}()

	genResult, err := e.generator.Generate(ctx, genReq)
	wg.Wait()
	if err != nil {
		// Deadline expiry discards any partial output and never caches
		// (spec.md §5 "Cancellation", §7 "DeadlineExceeded").
		if errors.Is(err, generator.ErrGenerationTimeout) {
			return cachestore.Answer{}, newError(KindDeadlineExceeded, "generation", err)
		}
		return cachestore.Answer{}, newError(KindBackendUnavailable, "generation", err)
	}

	excerpts := make([]string, 0, len(result.Documents))
	for _, d := range result.Documents {
		excerpts = append(excerpts, d.Text)
	}
	rerankScores := make([]float64, 0, len(result.Documents))
	for _, d := range result.Documents {
		rerankScores = append(rerankScores, d.RerankScore)
	}
	finalConfidence := confidence.Score(confidence.Inputs{
		RerankScores:         rerankScores,
		AnswerSentences:      splitSentences(genResult.Text),
		CitedExcerpts:        excerpts,
		DistinctCitedSources: len(result.Documents),
		FinalK:               in.params.TopK,
	})
	_ = preConfidence // not read: finalConfidence above is computed afresh from all inputs; preConfidence exists as the parallel hook spec.md §4.7 describes

	sources := make([]cachestore.Source, 0, len(result.Documents))
	for _, d := range result.Documents {
		sources = append(sources, cachestore.Source{ChunkID: d.ChunkID, Excerpt: d.Text, Score: topScore(d)})
	}

	answer := cachestore.Answer{
		Text:       genResult.Text,
		Sources:    sources,
		Confidence: finalConfidence,
	}

	putLookup := cachestore.Lookup{
		RawQuery: in.rawQuery, NormalizedQuery: in.normalized, Params: in.fingerprint,
		Embedding: queryEmbedding, RetrievedChunkIDs: chunkIDs,
	}
	if err := e.cache.Put(ctx, putLookup, answer); err != nil {
		// Cache failures never fail the request (spec.md §7).
		_ = err
	}

	e.appendMemory(ctx, in.sessionID, in.rawQuery, answer)
	return answer, nil
}

// ClearConversation discards a session's conversation window and summary
// (the `POST /conversation/clear` external interface, spec.md §6).
func (e *Engine) ClearConversation(sessionID string) {
	if e.memory == nil {
		return
	}
	e.memory.Clear(sessionID)
}

func (e *Engine) appendMemory(ctx context.Context, sessionID, query string, answer cachestore.Answer) {
	if e.memory == nil || sessionID == "" {
		return
	}
	_ = e.memory.Append(ctx, sessionID, memory.Turn{Query: query, Answer: answer.Text})
}

// retrieveWithRetry retries a failed retrieval (whatever the error) with
// exponential backoff up to cfg.BackendRetries (spec.md §7), optionally
// gated by a circuit breaker.
func (e *Engine) retrieveWithRetry(ctx context.Context, searchText string, strategy retrieval.Strategy, explanation retrieval.Explanation, params retrieval.Params) (retrieval.Result, error) {
	var result retrieval.Result
	var err error

	attempt := func() error {
		result, err = e.retriever.Retrieve(ctx, searchText, strategy, explanation, params)
		return err
	}

	for i := 0; i <= e.cfg.BackendRetries; i++ {
		var runErr error
		if e.breaker != nil {
			runErr = e.breaker.Execute(attempt)
		} else {
			runErr = attempt()
		}
		if runErr == nil {
			return result, nil
		}
		err = runErr
		if i < e.cfg.BackendRetries {
			select {
			case <-time.After(e.cfg.BackendRetryBase * time.Duration(1<<i)):
			case <-ctx.Done():
				return retrieval.Result{}, ctx.Err()
			}
		}
	}
	return retrieval.Result{}, err
}

func paramsFingerprint(p retrieval.Params) string {
	return fmt.Sprintf("%s|%d|%d|%d|%s|%v|%d", p.Mode, p.TopK, p.RerankK, p.InitialK, p.ModelID, p.Temperature, p.RRFK)
}

func topScore(d retrieval.ScoredChunk) float64 {
	if d.HasRerank {
		return d.RerankScore
	}
	if d.HasFused {
		return d.FusedScore
	}
	return d.DenseScore
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func finalizeAnswer(a cachestore.Answer, start time.Time) cachestore.Answer {
	a.Timing.TotalMS = time.Since(start).Milliseconds()
	return a
}
