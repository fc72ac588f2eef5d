package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ragengine/ragengine/internal/queryengine"
)

// sseMetaEvent is the wire shape of the `meta` SSE event named in spec.md
// §6. The `done` event carries the final Answer, and token events carry the
// generated delta as a {"delta": ...} object.
type sseMetaEvent struct {
	Strategy      string `json:"strategy"`
	DocumentsUsed int    `json:"documents_used"`
	FromCache     bool   `json:"from_cache"`
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, text, err := decodeQueryRequest(r)
	if err != nil {
		writeError(w, queryengine.KindInvalidInput, err)
		return
	}
	clientID := clientIdentifier(r)

	meta, events, done, errs := s.engine.QueryStream(r.Context(), text, req.params(s.maxCharsPerDoc), req.SessionID, clientID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, queryengine.KindBackendUnavailable, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "meta", sseMetaEvent{
		Strategy:      string(meta.Strategy),
		DocumentsUsed: meta.DocumentsUsed,
		FromCache:     meta.FromCache,
	})
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			writeEvent(w, "token", map[string]string{"delta": ev.Delta})
			flusher.Flush()
		case streamDone, ok := <-done:
			if !ok {
				return
			}
			writeEvent(w, "done", streamDone.Answer)
			flusher.Flush()
			return
		case err, ok := <-errs:
			if !ok {
				continue
			}
			var qerr *queryengine.QueryError
			kind := queryengine.KindBackendUnavailable
			if errors.As(err, &qerr) {
				kind = qerr.Kind
			}
			writeEvent(w, "error", errorBody{Error: err.Error(), Kind: string(kind)})
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent encodes data as JSON and writes it as one SSE event. SSE
// framing forbids raw newlines inside a `data:` line, so json.Marshal's
// single-line output is exactly the right shape — no escaping needed.
func writeEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
