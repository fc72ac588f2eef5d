package memory

import (
	"context"
	"encoding/json"
	"time"

	sessionstore "github.com/ragengine/ragengine/pkg/session"
)

// Checkpointer persists a session's sliding window and summary to a durable
// backend so conversation context survives a process restart (spec.md §4.5's
// "optional Redis-backed checkpoint"). It is the checkpoint half of
// pkg/session.StorageBackend — Conversation Memory needs neither that
// interface's session-listing nor its entry-log operations, both built for
// a full agent session store.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, checkpoint *sessionstore.Checkpoint) error
	LoadCheckpoint(ctx context.Context, checkpointID string) (*sessionstore.Checkpoint, error)
}

// Option configures a ConversationMemory at construction time.
type Option func(*ConversationMemory)

// WithCheckpointer attaches a durable backend that mirrors every Append to a
// checkpoint and lets Restore repopulate a session's window after a
// restart. The default (no option) keeps the window in-process only, lost
// on restart — acceptable since the window is an enrichment, not the
// system of record for an answer.
func WithCheckpointer(c Checkpointer) Option {
	return func(m *ConversationMemory) { m.checkpoint = c }
}

func checkpointID(sessionID string) string {
	return "conv:" + sessionID
}

// checkpointPayload is the JSON shape stored in a Checkpoint's Metadata —
// the fields Restore needs to repopulate a session struct exactly.
type checkpointPayload struct {
	Summary string `json:"summary"`
	Turns   []Turn `json:"turns"`
}

// persist mirrors a session's current window to the checkpoint backend.
// Best-effort: a failure here never fails the Append that triggered it,
// since the in-process window remains authoritative for the life of this
// instance (spec.md §7: cache/enrichment failures degrade, they don't fail
// the request).
func (m *ConversationMemory) persist(ctx context.Context, sessionID, summary string, turns []Turn) {
	if m.checkpoint == nil {
		return
	}
	data, err := json.Marshal(checkpointPayload{Summary: summary, Turns: turns})
	if err != nil {
		return
	}
	_ = m.checkpoint.SaveCheckpoint(ctx, &sessionstore.Checkpoint{
		ID:        checkpointID(sessionID),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"payload": string(data)},
	})
}

// Restore loads sessionID's window from the checkpoint backend into the
// in-process map, if it is not already tracked there. Call it once before
// the first Context lookup of a session in a freshly started process; it
// is a no-op once a session has been seen (Append always wins over a stale
// checkpoint) or when no checkpointer is configured.
func (m *ConversationMemory) Restore(ctx context.Context, sessionID string) {
	if m.checkpoint == nil {
		return
	}
	m.mu.Lock()
	_, tracked := m.sessions[sessionID]
	m.mu.Unlock()
	if tracked {
		return
	}

	cp, err := m.checkpoint.LoadCheckpoint(ctx, checkpointID(sessionID))
	if err != nil {
		return
	}
	raw, ok := cp.Metadata["payload"].(string)
	if !ok {
		return
	}
	var payload checkpointPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return
	}

	m.mu.Lock()
	if _, tracked := m.sessions[sessionID]; !tracked {
		m.sessions[sessionID] = &session{turns: payload.Turns, summary: payload.Summary}
	}
	m.mu.Unlock()
}
