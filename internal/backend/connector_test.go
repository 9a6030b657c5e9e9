package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/parley/internal/ollama"
)

// fakeNetError satisfies net.Error for transient-failure tests.
type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection refused" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

// mockChatter implements Chatter with scripted responses.
type mockChatter struct {
	calls   atomic.Int32
	respond func(call int) (string, error)
	chunks  []ollama.StreamChunk
	err     error
	running bool
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message) (string, error) {
	call := int(m.calls.Add(1))
	if m.respond != nil {
		return m.respond(call)
	}
	return "", m.err
}

func (m *mockChatter) ChatStream(ctx context.Context, model string, messages []ollama.Message, onChunk func(ollama.StreamChunk) error) error {
	m.calls.Add(1)
	if m.err != nil {
		return m.err
	}
	for _, ch := range m.chunks {
		if err := onChunk(ch); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockChatter) IsRunning(ctx context.Context) bool { return m.running }

func fastOpts() Options {
	return Options{
		Model:            "llama3.1",
		MaxAttempts:      3,
		RetryBackoff:     time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		MaxCooldown:      5 * time.Minute,
		CacheTTL:         time.Minute,
	}
}

func TestInvoke_Success(t *testing.T) {
	m := &mockChatter{respond: func(int) (string, error) { return "pong", nil }}
	c := NewConnector(m, fastOpts())

	r, err := c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "ping"}}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if r.Text != "pong" {
		t.Errorf("Text = %q, want pong", r.Text)
	}
	if r.Cached {
		t.Error("Cached = true on first call")
	}
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	m := &mockChatter{respond: func(call int) (string, error) {
		if call < 3 {
			return "", fakeNetError{}
		}
		return "recovered", nil
	}}
	c := NewConnector(m, fastOpts())

	r, err := c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if r.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", r.Text)
	}
	if got := m.calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}
}

func TestInvoke_NoRetryOnPermanentError(t *testing.T) {
	m := &mockChatter{respond: func(int) (string, error) {
		return "", &ollama.StatusError{Status: http.StatusBadRequest, Body: "bad request"}
	}}
	c := NewConnector(m, fastOpts())

	_, err := c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("Invoke() = nil, want error")
	}
	if got := m.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (no retry on 4xx)", got)
	}
	if c.BreakerState().State != "closed" {
		t.Errorf("breaker = %s, want closed (permanent errors don't trip it)", c.BreakerState().State)
	}
}

// TestInvoke_CircuitOpensAndShortCircuits covers the unreachable-backend
// scenario: with threshold 3, the breaker opens after the third failed
// call and the fourth short-circuits without touching the network.
func TestInvoke_CircuitOpensAndShortCircuits(t *testing.T) {
	m := &mockChatter{respond: func(int) (string, error) { return "", fakeNetError{} }}
	opts := fastOpts()
	opts.MaxAttempts = 1
	c := NewConnector(m, opts)

	for i := range 3 {
		req := Request{Messages: []ollama.Message{{Role: "user", Content: strings.Repeat("x", i+1)}}}
		if _, err := c.Invoke(context.Background(), req); err == nil {
			t.Fatalf("call %d succeeded, want failure", i+1)
		}
	}
	if c.BreakerState().State != "open" {
		t.Fatalf("breaker = %s, want open after 3 failures", c.BreakerState().State)
	}

	before := m.calls.Load()
	_, err := c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "call 4"}}})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("call 4 error = %v, want ErrCircuitOpen", err)
	}
	if m.calls.Load() != before {
		t.Error("call 4 reached the backend despite an open circuit")
	}
}

// TestInvoke_PermanentErrorDoesNotWedgeHalfOpen drives the breaker through
// open -> half-open with the probe call answered by a 400. The circuit must
// settle back to open and admit another probe after the next cooldown; a
// later call against a recovered backend has to get through.
func TestInvoke_PermanentErrorDoesNotWedgeHalfOpen(t *testing.T) {
	var bad atomic.Bool
	m := &mockChatter{respond: func(int) (string, error) {
		if bad.Load() {
			return "", &ollama.StatusError{Status: http.StatusBadRequest, Body: "bad request"}
		}
		return "", fakeNetError{}
	}}
	opts := fastOpts()
	opts.MaxAttempts = 1
	opts.FailureThreshold = 1
	c := NewConnector(m, opts)
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c.breaker.now = clk.now

	// Trip the circuit with a transient failure.
	if _, err := c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "trip"}}}); err == nil {
		t.Fatal("want failure while backend is down")
	}
	if got := c.BreakerState().State; got != "open" {
		t.Fatalf("breaker = %s, want open", got)
	}

	// After cooldown the admitted call fails with a permanent error.
	bad.Store(true)
	clk.advance(opts.Cooldown + time.Second)
	if _, err := c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "malformed"}}}); err == nil {
		t.Fatal("want error from 400 response")
	}
	if got := c.BreakerState().State; got != "open" {
		t.Fatalf("breaker = %s after permanent error, want open", got)
	}

	// The backend recovers; the next cooldown must admit the call.
	m.respond = func(int) (string, error) { return "recovered", nil }
	clk.advance(opts.Cooldown + time.Second)
	r, err := c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "healthy"}}})
	if err != nil {
		t.Fatalf("Invoke after recovery: %v", err)
	}
	if r.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", r.Text)
	}
	if got := c.BreakerState().State; got != "closed" {
		t.Errorf("breaker = %s, want closed", got)
	}
}

// TestInvoke_CacheIdempotence verifies re-submitting an identical request
// within the TTL returns the cached reply without a second backend call.
func TestInvoke_CacheIdempotence(t *testing.T) {
	m := &mockChatter{respond: func(int) (string, error) { return "answer", nil }}
	c := NewConnector(m, fastOpts())
	req := Request{Messages: []ollama.Message{{Role: "user", Content: "same question"}}}

	first, err := c.Invoke(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Invoke(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if m.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1 (second served from cache)", m.calls.Load())
	}
	if !second.Cached {
		t.Error("second reply not marked cached")
	}
	if first.Text != second.Text {
		t.Errorf("cached text %q differs from original %q", second.Text, first.Text)
	}
}

func TestStream_FragmentsInOrderWithDone(t *testing.T) {
	m := &mockChatter{chunks: []ollama.StreamChunk{
		{Message: ollama.Message{Content: "a"}},
		{Message: ollama.Message{Content: "b"}},
		{Done: true},
	}}
	c := NewConnector(m, fastOpts())

	frags, err := c.Stream(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text strings.Builder
	var sawDone bool
	for f := range frags {
		if f.Err != nil {
			t.Fatalf("unexpected fragment error: %v", f.Err)
		}
		if f.Done {
			sawDone = true
			continue
		}
		text.WriteString(f.Text)
	}
	if text.String() != "ab" {
		t.Errorf("streamed text = %q, want ab", text.String())
	}
	if !sawDone {
		t.Error("no done fragment delivered")
	}
	if c.BreakerState().State != "closed" {
		t.Errorf("breaker = %s, want closed after stream success", c.BreakerState().State)
	}
}

func TestStream_ErrorFragmentOnFailure(t *testing.T) {
	m := &mockChatter{err: fakeNetError{}}
	c := NewConnector(m, fastOpts())

	frags, err := c.Stream(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var last Fragment
	for f := range frags {
		last = f
	}
	if last.Err == nil {
		t.Error("stream ended without an error fragment")
	}
}

func TestStream_ShortCircuitsWhenOpen(t *testing.T) {
	m := &mockChatter{respond: func(int) (string, error) { return "", fakeNetError{} }}
	opts := fastOpts()
	opts.MaxAttempts = 1
	opts.FailureThreshold = 1
	c := NewConnector(m, opts)

	c.Invoke(context.Background(), Request{Messages: []ollama.Message{{Role: "user", Content: "trip"}}})

	if _, err := c.Stream(context.Background(), Request{}); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Stream error = %v, want ErrCircuitOpen", err)
	}
}

func TestHealthCheck(t *testing.T) {
	up := NewConnector(&mockChatter{running: true}, fastOpts())
	if err := up.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	down := NewConnector(&mockChatter{running: false}, fastOpts())
	if err := down.HealthCheck(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("HealthCheck() = %v, want ErrUnavailable", err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", fakeNetError{}, true},
		{"http 500", &ollama.StatusError{Status: 500}, true},
		{"http 429", &ollama.StatusError{Status: 429}, true},
		{"http 400", &ollama.StatusError{Status: 400}, false},
		{"http 401", &ollama.StatusError{Status: 401}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
