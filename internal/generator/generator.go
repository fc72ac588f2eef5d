// Package generator implements the Answer Generator (spec.md §4.7):
// prompt composition over retrieved documents, LLM invocation (streaming
// or not) through the pluggable internal/llm/provider.Provider
// abstraction, with cancellation honored between tokens.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ragengine/ragengine/internal/llm/provider"
	"github.com/ragengine/ragengine/internal/retrieval"
)

const defaultMaxCharsPerDoc = 3200

const systemInstructions = `You are a retrieval-augmented assistant. Answer using only the numbered ` +
	`source passages provided. Cite sources inline as [1], [2], etc. If the sources do not contain ` +
	`enough information to answer, say so plainly rather than guessing.`

// ErrGenerationTimeout is returned when the LLM call's context deadline is
// exceeded (spec.md §4.7: "LLM timeout -> propagate GenerationTimeout").
var ErrGenerationTimeout = errors.New("generator: generation timeout")

// Request bundles everything the Generator needs to compose a prompt.
type Request struct {
	Query              string // the original, non-expanded query
	ConversationSummary string
	Documents          []retrieval.ScoredChunk
	Temperature        float64
	MaxTokens          int
	Model              string
}

// Result is what Generate returns on success.
type Result struct {
	Text  string
	Usage provider.Usage
}

// StreamEvent is yielded by GenerateStream in generation order.
type StreamEvent struct {
	Delta string
	Done  bool
}

// Generator composes prompts and invokes an LLM backend.
type Generator struct {
	Backend      provider.Provider
	MaxCharsPerDoc int
}

// New constructs a Generator over backend.
func New(backend provider.Provider) *Generator {
	return &Generator{Backend: backend, MaxCharsPerDoc: defaultMaxCharsPerDoc}
}

// BuildPrompt composes the system + context + question messages described
// in spec.md §4.7. It is exported so tests can inspect prompt construction
// without invoking the LLM.
func (g *Generator) BuildPrompt(req Request) []provider.Message {
	maxChars := g.MaxCharsPerDoc
	if maxChars <= 0 {
		maxChars = defaultMaxCharsPerDoc
	}

	var sources strings.Builder
	for i, doc := range req.Documents {
		text := doc.Text
		truncated := false
		if len(text) > maxChars {
			text = text[:maxChars]
			truncated = true
		}
		fmt.Fprintf(&sources, "[%d] %s", i+1, text)
		if truncated {
			sources.WriteString(" (truncated)")
		}
		sources.WriteString("\n\n")
	}

	var userContent strings.Builder
	if req.ConversationSummary != "" {
		userContent.WriteString("Conversation so far: ")
		userContent.WriteString(req.ConversationSummary)
		userContent.WriteString("\n\n")
	}
	userContent.WriteString("Sources:\n")
	userContent.WriteString(sources.String())
	userContent.WriteString("Question: ")
	userContent.WriteString(req.Query)

	return []provider.Message{
		{Role: "system", Content: systemInstructions},
		{Role: "user", Content: userContent.String()},
	}
}

// Generate produces a complete answer (non-streaming).
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	resp, err := g.Backend.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    g.BuildPrompt(req),
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
		}
		return Result{}, fmt.Errorf("generator: %w", err)
	}
	return Result{Text: resp.Content, Usage: resp.Usage}, nil
}

// GenerateStream yields StreamEvents in order on the returned channel,
// honoring ctx cancellation between tokens (spec.md §4.7). The channel is
// closed once a terminal event (Done=true) or an error has been sent.
func (g *Generator) GenerateStream(ctx context.Context, req Request) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		stream, err := g.Backend.CreateStreaming(ctx, provider.CompletionRequest{
			Messages:    g.BuildPrompt(req),
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			errs <- fmt.Errorf("generator: %w", err)
			return
		}
		defer stream.Close()

		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			chunk, err := stream.Recv()
			if err != nil {
				errs <- fmt.Errorf("generator: stream: %w", err)
				return
			}

			select {
			case events <- StreamEvent{Delta: chunk.Delta, Done: chunk.FinishReason != ""}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			if chunk.FinishReason != "" {
				return
			}
		}
	}()

	return events, errs
}

// InsufficientEvidenceAnswer is the fixed well-formed answer returned when
// retrieval produced no usable documents (spec.md §4.7, §7).
const InsufficientEvidenceAnswer = "I don't have enough information in the available sources to answer this question."
