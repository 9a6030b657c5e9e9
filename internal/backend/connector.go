package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/parley/internal/ollama"
)

// Chatter is the slice of the Ollama client the connector needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message) (string, error)
	ChatStream(ctx context.Context, model string, messages []ollama.Message, onChunk func(ollama.StreamChunk) error) error
	IsRunning(ctx context.Context) bool
}

// Request is one backend invocation: a model and a role-tagged prompt.
type Request struct {
	Model    string
	Messages []ollama.Message
}

// Reply is a complete backend response.
type Reply struct {
	Text   string
	Model  string
	Cached bool
}

// Fragment is one piece of a streamed response. Only a fragment with Done
// set is terminal; content before it is partial. A non-nil Err terminates
// the stream without a done marker.
type Fragment struct {
	Text string
	Done bool
	Err  error
}

// Options configure a Connector. Zero values fall back to the documented
// defaults.
type Options struct {
	Model            string
	MaxAttempts      int           // default 4
	RetryBackoff     time.Duration // default 1s, doubles per attempt
	ProbeInterval    time.Duration // default 30s
	ProbeFailures    int           // default 3
	FailureThreshold int           // default 3
	Cooldown         time.Duration // default 10s
	MaxCooldown      time.Duration // default 5m
	CacheTTL         time.Duration // default 5m; <= 0 handled by caller
}

func (o *Options) fillDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.ProbeFailures <= 0 {
		o.ProbeFailures = 3
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 10 * time.Second
	}
	if o.MaxCooldown < o.Cooldown {
		o.MaxCooldown = 5 * time.Minute
	}
}

// Connector is the resilient client in front of the LLM backend: it owns
// the circuit breaker, the retry policy, the response cache, and the
// standalone health prober.
type Connector struct {
	client  Chatter
	model   string
	breaker *Breaker
	cache   *Cache
	sf      singleflight.Group
	opts    Options
	logger  *slog.Logger

	probeFails  atomic.Int32
	unavailable atomic.Bool
}

// NewConnector wires a Connector around the given client.
func NewConnector(client Chatter, opts Options) *Connector {
	opts.fillDefaults()
	return &Connector{
		client:  client,
		model:   opts.Model,
		breaker: NewBreaker("ollama", opts.FailureThreshold, opts.Cooldown, opts.MaxCooldown),
		cache:   NewCache(opts.CacheTTL),
		opts:    opts,
		logger:  slog.Default().With("component", "backend"),
	}
}

// Invoke sends a complete (non-streaming) request. Identical requests
// within the cache TTL are served from cache; concurrent identical misses
// collapse into a single upstream call.
func (c *Connector) Invoke(ctx context.Context, req Request) (Reply, error) {
	model := c.modelFor(req)
	fp := Fingerprint(model, req.Messages)

	if r, ok := c.cache.Get(fp); ok {
		return r, nil
	}

	v, err, _ := c.sf.Do(fp, func() (any, error) {
		if r, ok := c.cache.Get(fp); ok {
			return r, nil
		}
		r, err := c.invokeOnce(ctx, model, req.Messages)
		if err != nil {
			return Reply{}, err
		}
		c.cache.Put(fp, r)
		return r, nil
	})
	if err != nil {
		return Reply{}, err
	}
	return v.(Reply), nil
}

func (c *Connector) invokeOnce(ctx context.Context, model string, messages []ollama.Message) (Reply, error) {
	if !c.breaker.Allow() {
		return Reply{}, ErrCircuitOpen
	}

	var lastErr error
	backoff := c.opts.RetryBackoff
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		text, err := c.client.Chat(ctx, model, messages)
		if err == nil {
			c.breaker.OnSuccess()
			return Reply{Text: text, Model: model}, nil
		}
		lastErr = err

		if !IsTransient(err) {
			// Permanent errors are the caller's problem, not a sign of
			// backend trouble; the breaker only counts transient failures.
			// It still has to settle a half-open probe, or the circuit
			// would wedge waiting for a result that already arrived.
			c.breaker.OnPermanentError()
			return Reply{}, err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < c.opts.MaxAttempts {
			c.logger.Warn("backend call failed, retrying",
				"attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				attempt = c.opts.MaxAttempts
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	c.breaker.OnFailure()
	return Reply{}, fmt.Errorf("backend call failed after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

// Stream sends a streaming request and returns a channel of fragments.
// The channel is closed after the terminal fragment (Done or Err) is
// delivered. Streamed replies are never cached.
func (c *Connector) Stream(ctx context.Context, req Request) (<-chan Fragment, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	model := c.modelFor(req)

	out := make(chan Fragment)
	go func() {
		defer close(out)

		err := c.client.ChatStream(ctx, model, req.Messages, func(chunk ollama.StreamChunk) error {
			frag := Fragment{Text: chunk.Message.Content, Done: chunk.Done}
			select {
			case out <- frag:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			if IsTransient(err) {
				c.breaker.OnFailure()
			} else {
				c.breaker.OnPermanentError()
			}
			select {
			case out <- Fragment{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		c.breaker.OnSuccess()
	}()
	return out, nil
}

// HealthCheck probes the backend once.
func (c *Connector) HealthCheck(ctx context.Context) error {
	if !c.client.IsRunning(ctx) {
		return ErrUnavailable
	}
	return nil
}

// Available reports the prober's view of the backend. It stays true until
// the configured number of consecutive probe failures is reached.
func (c *Connector) Available() bool {
	return !c.unavailable.Load()
}

// BreakerState returns a lock-free snapshot for stats reporting.
func (c *Connector) BreakerState() BreakerSnapshot {
	return c.breaker.Snapshot()
}

// CacheLen returns the number of cached replies.
func (c *Connector) CacheLen() int {
	return c.cache.Len()
}

// RunProbes health-checks the backend on a fixed interval, independent of
// user traffic, until ctx is cancelled. After the configured number of
// consecutive failures the backend is marked unavailable; a single
// successful probe restores it.
func (c *Connector) RunProbes(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.HealthCheck(ctx); err != nil {
			fails := c.probeFails.Add(1)
			if int(fails) >= c.opts.ProbeFailures && !c.unavailable.Swap(true) {
				c.logger.Error("backend marked unavailable",
					"consecutive_failures", fails)
			}
			continue
		}

		c.probeFails.Store(0)
		if c.unavailable.Swap(false) {
			c.logger.Info("backend available again")
		}
	}
}

func (c *Connector) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}
