package generator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragengine/ragengine/internal/llm/provider"
	"github.com/ragengine/ragengine/internal/retrieval"
)

type stubProvider struct {
	response *provider.CompletionResponse
	err      error
	stream   provider.Stream
}

func (s *stubProvider) CreateCompletion(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func (s *stubProvider) CreateStructured(ctx context.Context, req provider.StructuredRequest) (*provider.StructuredResponse, error) {
	return nil, errors.New("not implemented")
}

func (s *stubProvider) CreateStreaming(ctx context.Context, req provider.CompletionRequest) (provider.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

func (s *stubProvider) Name() string { return "stub" }

type stubStream struct {
	chunks []provider.StreamChunk
	idx    int
}

func (s *stubStream) Recv() (*provider.StreamChunk, error) {
	if s.idx >= len(s.chunks) {
		return nil, errors.New("stream exhausted")
	}
	c := s.chunks[s.idx]
	s.idx++
	return &c, nil
}

func (s *stubStream) Close() error { return nil }

func TestBuildPromptNumbersSourcesInOrder(t *testing.T) {
	g := New(&stubProvider{})
	req := Request{
		Query: "What is RAG?",
		Documents: []retrieval.ScoredChunk{
			{Chunk: retrieval.Chunk{ChunkID: "a", Text: "first passage"}},
			{Chunk: retrieval.Chunk{ChunkID: "b", Text: "second passage"}},
		},
	}
	msgs := g.BuildPrompt(req)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "[1] first passage")
	assert.Contains(t, msgs[1].Content, "[2] second passage")
}

func TestBuildPromptTruncatesLongDocuments(t *testing.T) {
	g := New(&stubProvider{})
	g.MaxCharsPerDoc = 5
	req := Request{
		Query:     "q",
		Documents: []retrieval.ScoredChunk{{Chunk: retrieval.Chunk{ChunkID: "a", Text: "0123456789"}}},
	}
	msgs := g.BuildPrompt(req)
	assert.Contains(t, msgs[1].Content, "[1] 01234 (truncated)")
}

func TestGenerateReturnsBackendContent(t *testing.T) {
	g := New(&stubProvider{response: &provider.CompletionResponse{Content: "an answer"}})
	result, err := g.Generate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "an answer", result.Text)
}

func TestGenerateStreamEmitsDeltasInOrder(t *testing.T) {
	stream := &stubStream{chunks: []provider.StreamChunk{
		{Delta: "hel"}, {Delta: "lo"}, {Delta: "", FinishReason: "stop"},
	}}
	g := New(&stubProvider{stream: stream})

	events, errs := g.GenerateStream(context.Background(), Request{Query: "q"})

	var got []string
	for ev := range events {
		got = append(got, ev.Delta)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"hel", "lo", ""}, got)
}

func TestGenerateStreamHonorsCancellation(t *testing.T) {
	stream := &stubStream{chunks: []provider.StreamChunk{{Delta: "a"}, {Delta: "b"}}}
	g := New(&stubProvider{stream: stream})

	ctx, cancel := context.WithCancel(context.Background())
	events, errs := g.GenerateStream(ctx, Request{Query: "q"})

	<-events
	cancel()
	for range events {
	}
	assert.Error(t, <-errs)
}
