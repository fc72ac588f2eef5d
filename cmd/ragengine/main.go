// Command ragengine serves the retrieval-augmented query engine described
// in spec.md, wiring internal/queryengine.Engine to the HTTP surface in
// internal/httpapi and to observability endpoints shared with the rest of
// the aixgo stack.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ragengine/ragengine/internal/cachestore"
	"github.com/ragengine/ragengine/internal/generator"
	"github.com/ragengine/ragengine/internal/httpapi"
	"github.com/ragengine/ragengine/internal/llm/provider"
	"github.com/ragengine/ragengine/internal/memory"
	tracing "github.com/ragengine/ragengine/internal/observability"
	"github.com/ragengine/ragengine/internal/queryengine"
	"github.com/ragengine/ragengine/internal/retrieval"
	"github.com/ragengine/ragengine/pkg/config"
	"github.com/ragengine/ragengine/pkg/embeddings"
	"github.com/ragengine/ragengine/pkg/observability"
	"github.com/ragengine/ragengine/pkg/security"
	sessionstore "github.com/ragengine/ragengine/pkg/session"
	"github.com/ragengine/ragengine/pkg/vectorstore"

	_ "github.com/ragengine/ragengine/pkg/vectorstore/firestore"
	_ "github.com/ragengine/ragengine/pkg/vectorstore/memory"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	var configFile string

	root := &cobra.Command{
		Use:     "ragengine",
		Short:   "Retrieval-augmented query engine",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", "config/ragengine.yaml"), "configuration file")

	root.AddCommand(newServeCmd(&configFile))
	root.AddCommand(newQueryCmd())
	root.AddCommand(newClearCacheCmd(&configFile))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newServeCmd(configFile *string) *cobra.Command {
	var httpPort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configFile, httpPort)
		},
	}
	cmd.Flags().IntVar(&httpPort, "http-port", getEnvInt("PORT", 8080), "HTTP server port")
	return cmd
}

func runServe(configFile string, httpPort int) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := tracing.InitFromEnv(); err != nil {
		log.Printf("tracing disabled: %v", err)
	}

	deps, cleanup, err := buildEngineDeps(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer cleanup()

	engine := queryengine.New(deps.engineDeps, queryengine.Config{
		MaxQueryChars: cfg.Engine.MaxQueryChars,
	})

	observability.InitMetrics()
	healthChecker := observability.InitHealthChecker()
	healthChecker.RegisterCheck(observability.PingCheck())
	healthChecker.RegisterCheck(observability.DatabaseCheck(func(ctx context.Context) error {
		_, err := deps.dense.Embed(ctx, "healthcheck")
		return err
	}))
	if deps.redisClient != nil {
		healthChecker.RegisterCheck(observability.ExternalServiceCheck("cache", func(ctx context.Context) error {
			return deps.redisClient.Ping(ctx).Err()
		}))
	}
	healthChecker.RegisterCheck(observability.ExternalServiceCheck("llm", func(ctx context.Context) error {
		_, err := deps.generatorBackend.CreateCompletion(ctx, provider.CompletionRequest{
			Messages:  []provider.Message{{Role: "user", Content: "ping"}},
			MaxTokens: 1,
		})
		return err
	}))

	if deps.maintainer != nil {
		deps.maintainer.Start()
		defer deps.maintainer.Stop()
	}

	api := httpapi.NewServer(engine, httpapi.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}, cfg.Engine.MaxCharsPerDoc)

	obsServer := observability.NewServer(httpPort)
	obsServer.Mount("/query", api.Mux())
	obsServer.Mount("/query/", api.Mux())
	obsServer.Mount("/conversation/", api.Mux())

	errChan := make(chan error, 1)
	go func() {
		log.Printf("ragengine %s serving on :%d", Version, httpPort)
		if err := obsServer.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	ctx, stop := newSignalContext()
	defer stop()

	select {
	case err := <-errChan:
		log.Printf("error: %v", err)
	case <-ctx.Done():
		log.Println("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	return obsServer.Shutdown(shutdownCtx)
}

func newQueryCmd() *cobra.Command {
	var addr, mode, sessionID string
	var topK int
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Send a single query to a running ragengine server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{
				"query":      args[0],
				"mode":       mode,
				"top_k":      topK,
				"session_id": sessionID,
			})
			if err != nil {
				return err
			}
			resp, err := http.Post(addr+"/query", "application/json", bytesReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getEnv("RAGENGINE_ADDR", "http://localhost:8080"), "base URL of a running ragengine server")
	cmd.Flags().StringVar(&mode, "mode", "adaptive", "retrieval mode: simple, adaptive, or hybrid_reranked/advanced_expanded")
	cmd.Flags().StringVar(&sessionID, "session", "", "conversation session id")
	cmd.Flags().IntVar(&topK, "top-k", 0, "override final document count")
	return cmd
}

func newClearCacheCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Evict the semantic cache layer (the only globally enumerable layer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			backend, _, closeBackend, err := buildCacheBackend(cfg)
			if err != nil {
				return err
			}
			defer closeBackend()
			cache := cachestore.New(backend, cachestore.WithTTLs(
				time.Duration(cfg.Engine.TTLExactSeconds)*time.Second,
				time.Duration(cfg.Engine.TTLSemanticSeconds)*time.Second,
			))
			n, err := cache.ClearSemantic(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d semantic cache entries\n", n)
			return nil
		},
	}
}

// engineBuild bundles the constructed dependencies plus the handles main
// needs for health checks and graceful shutdown.
type engineBuild struct {
	engineDeps       queryengine.Deps
	dense            *retrieval.DenseSearcher
	generatorBackend provider.Provider
	redisClient      *redis.Client
	maintainer       *cachestore.Maintainer
}

func buildEngineDeps(cfg *config.Config) (engineBuild, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return engineBuild{}, cleanup, fmt.Errorf("embedder: %w", err)
	}
	cleanups = append(cleanups, func() { _ = embedder.Close() })

	store, err := buildVectorStore(cfg)
	if err != nil {
		return engineBuild{}, cleanup, fmt.Errorf("vector store: %w", err)
	}
	cleanups = append(cleanups, func() { _ = store.Close() })

	dense := &retrieval.DenseSearcher{Embedder: embedder, Index: store}
	sparse := retrieval.NewSparseIndex()

	expander, err := retrieval.NewSynonymExpander(retrieval.Lexicon(cfg.Synonyms))
	if err != nil {
		return engineBuild{}, cleanup, fmt.Errorf("synonym lexicon: %w", err)
	}

	retriever := retrieval.NewRetriever(dense, sparse, expander, retrieval.NewLexicalReranker())
	classifier := retrieval.NewClassifier()

	backend, err := buildLLMProvider(cfg)
	if err != nil {
		return engineBuild{}, cleanup, fmt.Errorf("llm provider: %w", err)
	}
	gen := generator.New(backend)
	gen.MaxCharsPerDoc = cfg.Engine.MaxCharsPerDoc

	cacheBackend, redisClient, closeBackend, err := buildCacheBackend(cfg)
	if err != nil {
		return engineBuild{}, cleanup, fmt.Errorf("cache backend: %w", err)
	}
	cleanups = append(cleanups, closeBackend)

	cache := cachestore.New(cacheBackend,
		cachestore.WithSemanticThresholds(cfg.Engine.MaxSemanticCandidates, cfg.Engine.SemanticThreshold, cfg.Engine.ValidationThreshold),
		cachestore.WithTTLs(
			time.Duration(cfg.Engine.TTLExactSeconds)*time.Second,
			time.Duration(cfg.Engine.TTLSemanticSeconds)*time.Second,
		),
	)

	var maintainer *cachestore.Maintainer
	if cfg.Cache.Backend == "redis" {
		maintainer, err = cachestore.NewMaintainer(cache, cfg.Cache.SweepSpec)
		if err != nil {
			return engineBuild{}, cleanup, fmt.Errorf("cache maintainer: %w", err)
		}
	}

	var memOpts []memory.Option
	if redisClient != nil {
		// Reuse the cache's Redis connection under a distinct key prefix for
		// the conversation window's optional durable checkpoint (spec.md
		// §4.5) — no second connection pool for a second Redis concern.
		memOpts = append(memOpts, memory.WithCheckpointer(
			sessionstore.NewRedisBackendFromClient(redisClient, "ragengine:conv:", time.Duration(cfg.Engine.TTLSemanticSeconds)*time.Second),
		))
	}
	convMemory := memory.New(memory.Config{
		MaxTurns:       cfg.Engine.MemoryWindow,
		SummarizeEvery: cfg.Engine.SummarizeEvery,
	}, summarizerFor(gen), memOpts...)

	injection := security.NewPromptInjectionDetector(security.SensitivityMedium)
	limiter := security.NewRateLimiter(50, 100)
	breaker := security.NewCircuitBreaker(5, 30*time.Second)

	return engineBuild{
		engineDeps: queryengine.Deps{
			Classifier: classifier,
			Retriever:  retriever,
			Dense:      dense,
			Generator:  gen,
			Cache:      cache,
			Memory:     convMemory,
			Injection:  injection,
			Limiter:    limiter,
			Breaker:    breaker,
			Vocabulary: expander.Vocabulary(),
		},
		dense:            dense,
		generatorBackend: backend,
		redisClient:      redisClient,
		maintainer:       maintainer,
	}, cleanup, nil
}

// summarizerFor adapts the Answer Generator's LLM backend into the
// Conversation Memory's Summarizer interface, using a fixed summarization
// prompt per spec.md §4.5.
type generatorSummarizer struct {
	gen *generator.Generator
}

func (s generatorSummarizer) Summarize(ctx context.Context, priorSummary string, turns []memory.Turn) (string, error) {
	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString("Q: " + t.Query + "\nA: " + t.Answer + "\n")
	}
	result, err := s.gen.Generate(ctx, generator.Request{
		Query:               "Summarize the conversation above in under 200 words, preserving named entities and open questions.",
		ConversationSummary: priorSummary,
		Documents:           []retrieval.ScoredChunk{{Chunk: retrieval.Chunk{ChunkID: "transcript", Text: transcript.String()}}},
		MaxTokens:           512,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func summarizerFor(gen *generator.Generator) memory.Summarizer {
	return generatorSummarizer{gen: gen}
}

func buildEmbedder(cfg *config.Config) (embeddings.EmbeddingService, error) {
	switch {
	case cfg.OpenAIKey != "":
		return embeddings.New(embeddings.Config{
			Provider: "openai",
			OpenAI:   &embeddings.OpenAIConfig{APIKey: cfg.OpenAIKey, Model: cfg.EmbeddingModel},
		})
	case cfg.HuggingFaceKey != "":
		return embeddings.New(embeddings.Config{
			Provider:    "huggingface",
			HuggingFace: &embeddings.HuggingFaceConfig{APIKey: cfg.HuggingFaceKey, Model: cfg.EmbeddingModel},
		})
	default:
		return nil, fmt.Errorf("no embedding provider configured: set openai_key or huggingface_key")
	}
}

func buildVectorStore(cfg *config.Config) (vectorstore.VectorStore, error) {
	vcfg := vectorstore.Config{
		Provider:            cfg.VectorProvider,
		EmbeddingDimensions: intFromMap(cfg.VectorConfig, "embedding_dimensions", 1536),
	}
	if vcfg.Provider == "" {
		vcfg.Provider = "memory"
	}
	switch vcfg.Provider {
	case "firestore":
		vcfg.Firestore = &vectorstore.FirestoreConfig{
			ProjectID:       cfg.VectorConfig["project_id"],
			Collection:      cfg.VectorConfig["collection"],
			CredentialsFile: cfg.VectorConfig["credentials_file"],
			DatabaseID:      cfg.VectorConfig["database_id"],
		}
	case "memory":
		vcfg.Memory = &vectorstore.MemoryConfig{MaxDocuments: intFromMap(cfg.VectorConfig, "max_documents", 10000)}
	}
	return vectorstore.New(vcfg)
}

func buildLLMProvider(cfg *config.Config) (provider.Provider, error) {
	switch {
	case cfg.AnthropicKey != "":
		// No Anthropic client is available in the provider set; silently
		// falling through to OpenAI would ignore the operator's configured
		// key entirely, so an Anthropic-only config is routed to Gemini
		// instead (see DESIGN.md).
		return provider.NewGeminiProvider(cfg.AnthropicKey, ""), nil
	case cfg.OpenAIKey != "":
		return provider.NewOpenAIProvider(cfg.OpenAIKey, ""), nil
	case cfg.GCPProject != "":
		return provider.NewVertexAIProvider(cfg.GCPProject, "us-central1")
	default:
		return nil, fmt.Errorf("no LLM provider configured: set openai_key, anthropic_key, or gcp_project")
	}
}

func buildCacheBackend(cfg *config.Config) (cachestore.Backend, *redis.Client, func(), error) {
	if cfg.Cache.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, Password: cfg.Cache.RedisPassword, DB: cfg.Cache.RedisDB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, func() {}, fmt.Errorf("redis ping: %w", err)
		}
		return cachestore.NewRedisBackend(client), client, func() { _ = client.Close() }, nil
	}
	return cachestore.NewMemoryBackend(), nil, func() {}, nil
}

func intFromMap(m map[string]string, key string, fallback int) int {
	if v, ok := m[key]; ok {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
