// Package memory implements Conversation Memory (spec.md §4.5): a bounded
// sliding window of turns per session, periodically compressed into a
// summary via the LLM, with follow-up detection that enriches the search
// text (never the answer prompt) for short or referential queries.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Turn is one exchange appended to a session's window.
type Turn struct {
	Query    string
	Answer   string
	Metadata map[string]any
}

// Summarizer compresses turns into a short textual summary. In production
// this invokes the Answer Generator's LLM backend with a fixed
// summarization prompt; tests can supply a stub.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, turns []Turn) (string, error)
}

// Config tunes the sliding window and summarization cadence.
type Config struct {
	MaxTurns        int // default 10
	SummarizeEvery  int // default 5
	SummaryMaxWords int // default 200
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxTurns <= 0 {
		out.MaxTurns = 10
	}
	if out.SummarizeEvery <= 0 {
		out.SummarizeEvery = 5
	}
	if out.SummaryMaxWords <= 0 {
		out.SummaryMaxWords = 200
	}
	return out
}

// session holds one conversation's sliding window and running summary.
type session struct {
	turns           []Turn
	summary         string
	turnsSinceSumry int
}

// ConversationMemory tracks per-session turn windows (spec.md §4.5). It is
// constructed with explicit dependencies, no implicit module-level state.
type ConversationMemory struct {
	mu         sync.Mutex
	cfg        Config
	summarizer Summarizer
	sessions   map[string]*session
	checkpoint Checkpointer
}

// New constructs a ConversationMemory. summarizer may be nil, in which
// case windows grow to MaxTurns and then drop the oldest turn without
// compression (summarization is best-effort enrichment, not a
// correctness requirement). opts may attach a Checkpointer via
// WithCheckpointer for durability across restarts; without one, windows
// live only in process memory.
func New(cfg Config, summarizer Summarizer, opts ...Option) *ConversationMemory {
	m := &ConversationMemory{
		cfg:        cfg.withDefaults(),
		summarizer: summarizer,
		sessions:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append records a successful answer for sessionID, triggering
// summarization once SummarizeEvery turns have accumulated since the last
// summary (spec.md §4.5: "the oldest half of the window is compressed").
func (m *ConversationMemory) Append(ctx context.Context, sessionID string, turn Turn) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{}
		m.sessions[sessionID] = s
	}
	s.turns = append(s.turns, turn)
	s.turnsSinceSumry++
	if len(s.turns) > m.cfg.MaxTurns {
		s.turns = s.turns[len(s.turns)-m.cfg.MaxTurns:]
	}

	needsSummary := m.summarizer != nil && s.turnsSinceSumry >= m.cfg.SummarizeEvery && len(s.turns) > 1
	var toCompress []Turn
	var priorSummary string
	if needsSummary {
		half := len(s.turns) / 2
		if half == 0 {
			half = 1
		}
		toCompress = append([]Turn(nil), s.turns[:half]...)
		priorSummary = s.summary
		s.turns = s.turns[half:]
		s.turnsSinceSumry = 0
	}
	m.mu.Unlock()

	var sumErr error
	if needsSummary {
		summary, err := m.summarizer.Summarize(ctx, priorSummary, toCompress)
		if err != nil {
			// Summarization failure degrades to keeping the prior summary;
			// the turns were already evicted from the live window, so this
			// loses some context but never fails the request (spec.md §7:
			// local recovery preferred wherever possible).
			sumErr = fmt.Errorf("memory: summarize: %w", err)
		} else {
			summary = truncateWords(summary, m.cfg.SummaryMaxWords)
			m.mu.Lock()
			if cur, ok := m.sessions[sessionID]; ok {
				cur.summary = summary
			}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	cur, ok := m.sessions[sessionID]
	var snapTurns []Turn
	var snapSummary string
	if ok {
		snapTurns = append([]Turn(nil), cur.turns...)
		snapSummary = cur.summary
	}
	m.mu.Unlock()
	if ok {
		m.persist(ctx, sessionID, snapSummary, snapTurns)
	}
	return sumErr
}

// Context returns the current summary and live turns for sessionID, used
// by the Query Engine to build the enrichment prefix.
func (m *ConversationMemory) Context(sessionID string) (summary string, turns []Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", nil
	}
	return s.summary, append([]Turn(nil), s.turns...)
}

// Clear discards sessionID's window and summary, used by the
// conversation/clear external interface (spec.md §6).
func (m *ConversationMemory) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

var referenceWords = map[string]bool{
	"it": true, "they": true, "that": true, "those": true, "this": true, "and": true, "also": true,
}

// IsFollowUp implements the three-way follow-up test from spec.md §4.5.
// domainVocabulary, if non-nil, is used for test (c); when nil, test (c)
// is skipped (treated as not satisfied) since there is no vocabulary to
// check against.
func IsFollowUp(normalizedQuery string, domainVocabulary map[string]bool) bool {
	tokens := strings.Fields(normalizedQuery)
	if len(tokens) < 8 {
		return true
	}
	if len(tokens) > 0 && referenceWords[tokens[0]] {
		return true
	}
	if strings.HasPrefix(normalizedQuery, "what about") {
		return true
	}
	if domainVocabulary != nil {
		for _, t := range tokens {
			if domainVocabulary[t] {
				return false
			}
		}
		return true
	}
	return false
}

// EnrichmentPrefix builds the search-only prefix appended ahead of a
// follow-up query's search text (spec.md §4.5: "never to the answer
// prompt verbatim"). It uses the summary plus the last two turns.
func EnrichmentPrefix(summary string, turns []Turn) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString(summary)
		b.WriteString(" ")
	}
	start := 0
	if len(turns) > 2 {
		start = len(turns) - 2
	}
	for _, t := range turns[start:] {
		b.WriteString(t.Query)
		b.WriteString(" ")
		b.WriteString(t.Answer)
		b.WriteString(" ")
	}
	return strings.TrimSpace(b.String())
}

func truncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ")
}
