package queryengine

import (
	"context"
	"errors"
	"strings"

	"github.com/ragengine/ragengine/internal/cachestore"
	"github.com/ragengine/ragengine/internal/confidence"
	"github.com/ragengine/ragengine/internal/generator"
	"github.com/ragengine/ragengine/internal/memory"
	"github.com/ragengine/ragengine/internal/observability"
	"github.com/ragengine/ragengine/internal/retrieval"
)

// StreamMeta is emitted once, before any tokens, summarizing what retrieval
// produced — the `meta` SSE event named in spec.md §6.
type StreamMeta struct {
	Strategy      retrieval.Strategy
	DocumentsUsed int
	FromCache     bool
}

// StreamDone is emitted once streaming (or a cache replay) completes,
// carrying the same citations/confidence a non-streaming Query would
// return — the terminal `done` SSE event named in spec.md §6.
type StreamDone struct {
	Answer cachestore.Answer
}

// QueryStream runs the same sanitize/cache/retrieve steps as Query, but on
// a cache miss streams the generated answer token by token instead of
// waiting for the full completion. A cache hit is delivered as a single
// synthetic StreamEvent carrying the whole cached answer, immediately
// followed by Done. Unlike Query, streaming requests are not deduplicated
// through singleflight — each caller gets its own generation.
func (e *Engine) QueryStream(ctx context.Context, text string, params retrieval.Params, sessionID, clientID string) (StreamMeta, <-chan generator.StreamEvent, <-chan StreamDone, <-chan error) {
	ctx, span := observability.StartSpanWithContext(ctx, "queryengine.QueryStream", map[string]any{
		"mode": params.Mode,
	})
	// The span covers only the synchronous setup done on this goroutine
	// (sanitize/cache-lookup/retrieve); the streaming generation itself runs
	// on a goroutine this call returns before completing, so it is outside
	// this span's duration.
	endSpan := func(err error) {
		if err != nil {
			span.SetError(err)
		}
		span.End()
	}

	events := make(chan generator.StreamEvent)
	done := make(chan StreamDone, 1)
	errs := make(chan error, 1)

	params = params.WithDefaults()

	if err := e.sanitizeAndValidate(text, clientID); err != nil {
		endSpan(err)
		close(events)
		errs <- err
		return StreamMeta{}, events, done, errs
	}
	if e.limiter != nil && !e.limiter.Allow(clientID) {
		err := newError(KindOverloaded, "rate limit exceeded", nil)
		endSpan(err)
		close(events)
		errs <- err
		return StreamMeta{}, events, done, errs
	}

	select {
	case e.workQueue <- struct{}{}:
	default:
		err := newError(KindOverloaded, "work queue full", nil)
		endSpan(err)
		close(events)
		errs <- err
		return StreamMeta{}, events, done, errs
	}
	release := func() { <-e.workQueue }

	ctx, cancel := context.WithTimeout(ctx, e.cfg.GlobalDeadline)

	normalized, err := retrieval.Normalize(text)
	if err != nil {
		wrapped := newError(KindInvalidInput, "normalize", err)
		endSpan(wrapped)
		cancel()
		release()
		close(events)
		errs <- wrapped
		return StreamMeta{}, events, done, errs
	}

	fingerprint := normalized + "|" + paramsFingerprint(params)
	if result, ok := e.cache.Get(ctx, cachestore.Lookup{RawQuery: text, NormalizedQuery: normalized, Params: fingerprint}); ok {
		meta := StreamMeta{FromCache: true, DocumentsUsed: len(result.Answer.Sources)}
		endSpan(nil)
		go func() {
			defer cancel()
			defer release()
			defer close(events)
			events <- generator.StreamEvent{Delta: result.Answer.Text, Done: true}
			done <- StreamDone{Answer: result.Answer}
		}()
		return meta, events, done, errs
	}

	var convSummary string
	var convTurns []memory.Turn
	searchText := normalized
	if e.memory != nil && sessionID != "" {
		e.memory.Restore(ctx, sessionID)
		convSummary, convTurns = e.memory.Context(sessionID)
		if memory.IsFollowUp(normalized, e.vocabulary) {
			if prefix := memory.EnrichmentPrefix(convSummary, convTurns); prefix != "" {
				searchText = prefix + " " + normalized
			}
		}
	}

	strategy := retrieval.Strategy(params.Mode)
	var explanation retrieval.Explanation
	if strategy != retrieval.StrategySimpleDense && strategy != retrieval.StrategyHybridReranked && strategy != retrieval.StrategyAdvancedExpanded {
		score, factors := e.classifier.Classify(normalized)
		strategy = retrieval.SelectStrategy(score)
		explanation = retrieval.Explanation{ComplexityScore: score, Factors: factors}
	}

	result, err := e.retrieveWithRetry(ctx, searchText, strategy, explanation, params)
	if err != nil {
		cancel()
		release()
		close(events)
		var wrapped error
		if errors.Is(err, context.DeadlineExceeded) {
			wrapped = newError(KindDeadlineExceeded, "retrieval", err)
		} else {
			wrapped = newError(KindBackendUnavailable, "retrieval", err)
		}
		endSpan(wrapped)
		errs <- wrapped
		return StreamMeta{}, events, done, errs
	}

	meta := StreamMeta{Strategy: result.StrategyUsed, DocumentsUsed: len(result.Documents)}

	if len(result.Documents) == 0 {
		answer := cachestore.Answer{Text: generator.InsufficientEvidenceAnswer, Confidence: 0.05}
		_ = e.cache.Put(ctx, cachestore.Lookup{RawQuery: text, NormalizedQuery: normalized, Params: fingerprint}, answer)
		e.appendMemory(ctx, sessionID, text, answer)
		endSpan(nil)
		go func() {
			defer cancel()
			defer release()
			defer close(events)
			events <- generator.StreamEvent{Delta: answer.Text, Done: true}
			done <- StreamDone{Answer: answer}
		}()
		return meta, events, done, errs
	}

	genReq := generator.Request{
		Query:               text,
		ConversationSummary: convSummary,
		Documents:           result.Documents,
		Temperature:         params.Temperature,
		MaxTokens:           4096,
		Model:               params.ModelID,
	}
	genEvents, genErrs := e.generator.GenerateStream(ctx, genReq)

	chunkIDs := make([]string, 0, len(result.Documents))
	for _, d := range result.Documents {
		chunkIDs = append(chunkIDs, d.ChunkID)
	}
	var queryEmbedding []float32
	if e.dense != nil {
		if vec, embErr := e.dense.Embed(ctx, normalized); embErr == nil {
			queryEmbedding = vec
		}
	}

	endSpan(nil)
	go func() {
		defer cancel()
		defer release()
		defer close(events)
		var full strings.Builder
		for ev := range genEvents {
			full.WriteString(ev.Delta)
			events <- ev
		}
		if genErr := <-genErrs; genErr != nil {
			if errors.Is(genErr, context.DeadlineExceeded) {
				errs <- newError(KindDeadlineExceeded, "generation", genErr)
			} else {
				errs <- newError(KindBackendUnavailable, "generation", genErr)
			}
			return
		}

		excerpts := make([]string, 0, len(result.Documents))
		rerankScores := make([]float64, 0, len(result.Documents))
		sources := make([]cachestore.Source, 0, len(result.Documents))
		for _, d := range result.Documents {
			excerpts = append(excerpts, d.Text)
			rerankScores = append(rerankScores, d.RerankScore)
			sources = append(sources, cachestore.Source{ChunkID: d.ChunkID, Excerpt: d.Text, Score: topScore(d)})
		}
		conf := confidence.Score(confidence.Inputs{
			RerankScores:         rerankScores,
			AnswerSentences:      splitSentences(full.String()),
			CitedExcerpts:        excerpts,
			DistinctCitedSources: len(result.Documents),
			FinalK:               params.TopK,
		})

		answer := cachestore.Answer{Text: full.String(), Sources: sources, Confidence: conf}
		putLookup := cachestore.Lookup{
			RawQuery: text, NormalizedQuery: normalized, Params: fingerprint,
			Embedding: queryEmbedding, RetrievedChunkIDs: chunkIDs,
		}
		_ = e.cache.Put(ctx, putLookup, answer)
		e.appendMemory(ctx, sessionID, text, answer)
		done <- StreamDone{Answer: answer}
	}()

	return meta, events, done, errs
}
