package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/parley/internal/bridge"
	"github.com/kalambet/parley/internal/faults"
	"github.com/kalambet/parley/internal/memory"
)

// fakeBridge scripts bridge behavior. Responder callbacks fire
// synchronously inside Submit, which keeps tests deterministic.
type fakeBridge struct {
	reply     bridge.Reply
	fragments []string
	submitErr error
	lastReq   bridge.Request
}

func (f *fakeBridge) Submit(req bridge.Request, responder bridge.Responder) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.lastReq = req
	if responder.OnFragment != nil {
		for _, fr := range f.fragments {
			if err := responder.OnFragment(fr); err != nil {
				return nil
			}
		}
	}
	if responder.Send != nil {
		responder.Send(f.reply)
	}
	return nil
}

func (f *fakeBridge) Stats() bridge.Stats {
	return bridge.Stats{ActiveSessions: 2, BackendAvailable: true}
}

func (f *fakeBridge) BackpressureNotice() string { return "slow down" }

type fakeSearcher struct {
	results []memory.Message
}

func (f *fakeSearcher) Search(sessionID, query string, limit int) []memory.Message {
	return f.results
}

type fakeHealth struct{ available bool }

func (f *fakeHealth) Available() bool { return f.available }

const testToken = "test-token-123"

func newTestHandler(fb *fakeBridge, fs *fakeSearcher, available bool) http.Handler {
	if fs == nil {
		fs = &fakeSearcher{}
	}
	return NewHTTPHandler(fb, fs, &fakeHealth{available: available}, testToken)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBearerAuth(t *testing.T) {
	h := newTestHandler(&fakeBridge{}, nil, true)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/stats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h := newTestHandler(&fakeBridge{}, nil, true)

	w := doRequest(t, h, "GET", "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["backend"] != "up" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth_ReportsBackendDown(t *testing.T) {
	h := newTestHandler(&fakeBridge{}, nil, false)

	w := doRequest(t, h, "GET", "/health", "", false)
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["backend"] != "down" {
		t.Errorf("backend = %q, want down", body["backend"])
	}
}

func TestMessages_Batch(t *testing.T) {
	fb := &fakeBridge{reply: bridge.Reply{
		SessionID: "u1", SkillID: "code", Text: "func x() {}", Outcome: bridge.OutcomeAnswer,
	}}
	h := newTestHandler(fb, nil, true)

	w := doRequest(t, h, "POST", "/v1/messages",
		`{"session_id":"u1","text":"/code write a thing"}`, true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var reply bridge.Reply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.SkillID != "code" || reply.Text != "func x() {}" {
		t.Errorf("reply = %+v", reply)
	}
	if fb.lastReq.SessionID != "u1" || fb.lastReq.Text != "/code write a thing" {
		t.Errorf("bridge got %+v", fb.lastReq)
	}
}

func TestMessages_Validation(t *testing.T) {
	h := newTestHandler(&fakeBridge{}, nil, true)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing session", `{"text":"hi"}`},
		{"missing text", `{"session_id":"u1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, h, "POST", "/v1/messages", tc.body, true)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestMessages_Backpressure(t *testing.T) {
	fb := &fakeBridge{submitErr: bridge.ErrQueueFull}
	h := newTestHandler(fb, nil, true)

	w := doRequest(t, h, "POST", "/v1/messages", `{"session_id":"u1","text":"hi"}`, true)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "slow down") {
		t.Errorf("body %q missing the backpressure notice", w.Body.String())
	}
}

func TestMessages_ShuttingDown(t *testing.T) {
	fb := &fakeBridge{submitErr: bridge.ErrShuttingDown}
	h := newTestHandler(fb, nil, true)

	w := doRequest(t, h, "POST", "/v1/messages", `{"session_id":"u1","text":"hi"}`, true)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMessages_Streaming(t *testing.T) {
	fb := &fakeBridge{
		fragments: []string{"Hel", "lo."},
		reply:     bridge.Reply{SessionID: "u1", Text: "Hello.", Outcome: bridge.OutcomeAnswer},
	}
	h := newTestHandler(fb, nil, true)

	w := doRequest(t, h, "POST", "/v1/messages",
		`{"session_id":"u1","text":"hello","stream":true}`, true)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	events := strings.Split(strings.TrimSpace(body), "\n\n")
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 fragments + final reply:\n%s", len(events), body)
	}
	for i, want := range []string{`"text":"Hel"`, `"text":"lo."`, `"type":"reply"`} {
		if !strings.Contains(events[i], want) {
			t.Errorf("event %d = %q, missing %s", i, events[i], want)
		}
	}
}

func TestMessages_StreamFallbackStillOneReply(t *testing.T) {
	fb := &fakeBridge{
		reply: bridge.Reply{
			SessionID: "u1", Text: "try again later",
			Outcome: bridge.OutcomeFallback, Category: faults.BackendConnection,
		},
	}
	h := newTestHandler(fb, nil, true)

	w := doRequest(t, h, "POST", "/v1/messages",
		`{"session_id":"u1","text":"hello","stream":true}`, true)

	body := w.Body.String()
	if strings.Count(body, `"type":"reply"`) != 1 {
		t.Errorf("body should carry exactly one final reply:\n%s", body)
	}
	if !strings.Contains(body, `"outcome":"fallback"`) {
		t.Errorf("body missing fallback outcome:\n%s", body)
	}
}

func TestSearch(t *testing.T) {
	fs := &fakeSearcher{results: []memory.Message{
		{ID: "m1", Role: memory.RoleUser, Text: "about postgres"},
	}}
	h := newTestHandler(&fakeBridge{}, fs, true)

	w := doRequest(t, h, "GET", "/v1/sessions/u1/search?q=postgres", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Results []memory.Message `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 1 || body.Results[0].ID != "m1" {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestSearch_Validation(t *testing.T) {
	h := newTestHandler(&fakeBridge{}, nil, true)

	if w := doRequest(t, h, "GET", "/v1/sessions/u1/search", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", w.Code)
	}
	if w := doRequest(t, h, "GET", "/v1/sessions/u1/search?q=x&limit=zero", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}
}

func TestSearch_EmptyResultsIsArray(t *testing.T) {
	h := newTestHandler(&fakeBridge{}, &fakeSearcher{}, true)

	w := doRequest(t, h, "GET", "/v1/sessions/u1/search?q=nothing", "", true)
	if !strings.Contains(w.Body.String(), `"results":[]`) {
		t.Errorf("body = %s, want an empty array not null", w.Body.String())
	}
}

func TestStats(t *testing.T) {
	h := newTestHandler(&fakeBridge{}, nil, true)

	w := doRequest(t, h, "GET", "/v1/stats", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st bridge.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.ActiveSessions != 2 || !st.BackendAvailable {
		t.Errorf("stats = %+v", st)
	}
}
