// Package api holds the inbound channel adapters: an authenticated HTTP
// API (with SSE streaming) and an MCP server. Adapters translate between
// their protocol and the bridge; they hold no conversation state.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/parley/internal/attach"
	"github.com/kalambet/parley/internal/bridge"
	"github.com/kalambet/parley/internal/memory"
)

const maxRequestBodySize = 10 << 20 // attachments ride in the body

// Bridger is the slice of the bridge the adapters need.
type Bridger interface {
	Submit(req bridge.Request, responder bridge.Responder) error
	Stats() bridge.Stats
	BackpressureNotice() string
}

// MemorySearcher exposes per-session memory search.
type MemorySearcher interface {
	Search(sessionID, query string, limit int) []memory.Message
}

// HealthChecker reports backend health for the /health endpoint.
type HealthChecker interface {
	Available() bool
}

// messageRequest is the POST /v1/messages body.
type messageRequest struct {
	SessionID   string              `json:"session_id"`
	Text        string              `json:"text"`
	Stream      bool                `json:"stream,omitempty"`
	Attachments []attach.Attachment `json:"attachments,omitempty"`
}

// NewHTTPHandler builds the HTTP adapter. Everything except /health
// requires the bearer token.
func NewHTTPHandler(b Bridger, mem MemorySearcher, hc HealthChecker, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(hc))

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Post("/v1/messages", handleMessages(b))
		r.Get("/v1/sessions/{sessionID}/search", handleSearch(mem))
		r.Get("/v1/stats", handleStats(b))
	})

	return r
}

// bearerAuth guards everything except /health. The single operator's token
// is high-entropy, so there is no account lookup, just a constant-time
// comparison.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const scheme = "Bearer "
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, scheme) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(header[len(scheme):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(hc HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backendStatus := "up"
		if hc != nil && !hc.Available() {
			backendStatus = "down"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"backend": backendStatus,
		})
	}
}

func handleMessages(b Bridger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "session_id is required")
			return
		}
		if req.Text == "" && len(req.Attachments) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		if req.Stream {
			streamExchange(w, b, req)
			return
		}

		replies := make(chan bridge.Reply, 1)
		err := b.Submit(toBridgeRequest(req), bridge.Responder{
			Send: func(reply bridge.Reply) error {
				replies <- reply
				return nil
			},
		})
		if err != nil {
			writeSubmitError(w, b, err)
			return
		}

		select {
		case reply := <-replies:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(reply)
		case <-r.Context().Done():
			// Client gone; the exchange finishes on its own and the
			// reply lands in memory regardless.
		}
	}
}

// sseEvent is one event on a streamed exchange.
type sseEvent struct {
	Type  string        `json:"type"` // "fragment" or "reply"
	Text  string        `json:"text,omitempty"`
	Reply *bridge.Reply `json:"reply,omitempty"`
}

func streamExchange(w http.ResponseWriter, b Bridger, req messageRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	headersSent := false
	sendHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}

	err := b.Submit(toBridgeRequest(req), bridge.Responder{
		OnFragment: func(text string) error {
			sendHeaders()
			return writeSSE(w, flusher, sseEvent{Type: "fragment", Text: text})
		},
		Send: func(reply bridge.Reply) error {
			sendHeaders()
			err := writeSSE(w, flusher, sseEvent{Type: "reply", Reply: &reply})
			closeOnce.Do(func() { close(done) })
			return err
		},
	})
	if err != nil {
		writeSubmitError(w, b, err)
		return
	}

	// The worker writes the events. Every accepted message produces
	// exactly one final reply, so waiting on done alone is safe; a
	// dropped client just makes the writes fail until then.
	<-done
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSubmitError(w http.ResponseWriter, b Bridger, err error) {
	switch {
	case errors.Is(err, bridge.ErrQueueFull):
		httpError(w, http.StatusTooManyRequests, "backpressure", "%s", b.BackpressureNotice())
	case errors.Is(err, bridge.ErrShuttingDown):
		httpError(w, http.StatusServiceUnavailable, "api_error", "shutting down")
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	}
}

func handleSearch(mem MemorySearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 50)
		}

		results := mem.Search(sessionID, query, limit)
		if results == nil {
			results = []memory.Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

func handleStats(b Bridger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b.Stats())
	}
}

func toBridgeRequest(req messageRequest) bridge.Request {
	return bridge.Request{
		SessionID:   req.SessionID,
		Text:        req.Text,
		Attachments: req.Attachments,
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
