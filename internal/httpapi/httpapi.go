// Package httpapi implements the inbound HTTP surface named in spec.md §6:
// POST /query, POST /query/stream (Server-Sent Events), and
// POST /conversation/clear. GET /health is served by pkg/observability's
// existing handler; callers register vector/cache/LLM reachability checks
// on its global HealthChecker (see cmd/ragengine) rather than duplicating
// health logic here.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ragengine/ragengine/internal/queryengine"
	"github.com/ragengine/ragengine/internal/retrieval"
	"github.com/ragengine/ragengine/pkg/security"
)

// CORSConfig names the origin allowlist enforced on every response (spec.md
// §6: "a configured allowlist; reject * in production"). AllowedOrigins is
// matched literally — "*" is never treated as a wildcard, so a misconfigured
// allowlist degrades to "no cross-origin access" rather than "allow all".
type CORSConfig struct {
	AllowedOrigins []string
}

func (c CORSConfig) allows(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Server wires a queryengine.Engine to the HTTP handlers named in spec.md §6.
type Server struct {
	engine         *queryengine.Engine
	cors           CORSConfig
	maxCharsPerDoc int
}

// NewServer constructs a Server. cors may be the zero value, in which case
// no cross-origin requests are permitted. maxCharsPerDoc is the configured
// per-document truncation budget (pkg/config's EngineConfig.MaxCharsPerDoc);
// zero falls back to retrieval.Params.WithDefaults()'s own default.
func NewServer(engine *queryengine.Engine, cors CORSConfig, maxCharsPerDoc int) *Server {
	return &Server{engine: engine, cors: cors, maxCharsPerDoc: maxCharsPerDoc}
}

// Mux builds the routes this package serves. It is mounted into the
// observability.Server's mux by cmd/ragengine rather than listening on its
// own port, so that /health and /metrics stay on the single process port the
// teacher's Server binds.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/query", s.withCORS(http.HandlerFunc(s.handleQuery)))
	mux.Handle("/query/stream", s.withCORS(http.HandlerFunc(s.handleQueryStream)))
	mux.Handle("/conversation/clear", s.withCORS(http.HandlerFunc(s.handleConversationClear)))
	return mux
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.cors.allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// queryRequest is the wire shape of POST /query and POST /query/stream
// (spec.md §6). query and question are aliases for the same field.
type queryRequest struct {
	Query               string `json:"query"`
	Question            string `json:"question"`
	Mode                string `json:"mode"`
	TopK                int    `json:"top_k"`
	SessionID           string `json:"session_id"`
	IncludeConversation bool   `json:"include_conversation"`
}

func (q queryRequest) text() string {
	if q.Query != "" {
		return q.Query
	}
	return q.Question
}

func (q queryRequest) params(maxCharsPerDoc int) retrieval.Params {
	return retrieval.Params{
		Mode:                q.Mode,
		TopK:                q.TopK,
		IncludeConversation: q.IncludeConversation,
		MaxCharsPerDoc:      maxCharsPerDoc,
	}.WithDefaults()
}

func decodeQueryRequest(r *http.Request) (queryRequest, string, error) {
	var req queryRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return queryRequest{}, "", err
	}
	text := security.SanitizeString(req.text())
	return req, text, nil
}

// clientIdentifier extracts the rate-limiting / injection-logging identity
// for a request (spec.md §5 "per-client token bucket", §7
// "PromptInjectionDetected — logged with client identifier"). An explicit
// X-Client-ID header takes precedence so a caller behind a shared proxy can
// still be distinguished per-end-user; otherwise the remote address stands
// in for it.
func clientIdentifier(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
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

	answer, err := s.engine.Query(r.Context(), text, req.params(s.maxCharsPerDoc), req.SessionID, clientID)
	if err != nil {
		var qerr *queryengine.QueryError
		if errors.As(err, &qerr) {
			writeError(w, qerr.Kind, qerr)
			return
		}
		writeError(w, queryengine.KindBackendUnavailable, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(answer)
}

func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil || body.SessionID == "" {
		writeError(w, queryengine.KindInvalidInput, errors.New("session_id is required"))
		return
	}
	s.engine.ClearConversation(body.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

// statusForKind maps a QueryError.Kind to the HTTP status named in spec.md
// §6/§7.
func statusForKind(kind queryengine.Kind) int {
	switch kind {
	case queryengine.KindInvalidInput:
		return http.StatusBadRequest
	case queryengine.KindOverloaded:
		return http.StatusTooManyRequests
	case queryengine.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case queryengine.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, kind queryengine.Kind, err error) {
	status := statusForKind(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Kind: string(kind)})
	if status >= http.StatusInternalServerError {
		log.Printf("httpapi: %s: %v", kind, err)
	}
}
