// Package bridge is the orchestrator: it owns session lifecycle, enforces
// strict per-session FIFO with bounded queues, and runs every message
// through the route → context → compose → invoke → record pipeline. One
// worker goroutine per active session; sessions proceed in parallel,
// exchanges within a session never overlap.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/parley/internal/attach"
	"github.com/kalambet/parley/internal/backend"
	"github.com/kalambet/parley/internal/compose"
	"github.com/kalambet/parley/internal/faults"
	"github.com/kalambet/parley/internal/memory"
	"github.com/kalambet/parley/internal/router"
)

// ErrQueueFull is returned by Submit when a session's queue is at
// capacity. Backpressure, not failure: the caller should tell the user to
// slow down.
var ErrQueueFull = errors.New("session queue full")

// ErrShuttingDown is returned by Submit after the bridge has stopped
// accepting work.
var ErrShuttingDown = errors.New("bridge shutting down")

// State is a session's position in its processing lifecycle.
type State int32

const (
	StateIdle State = iota
	StateQueued
	StateProcessing
	StateRecovering
	StateEscalated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateProcessing:
		return "processing"
	case StateRecovering:
		return "recovering"
	case StateEscalated:
		return "escalated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome says what kind of reply an exchange produced.
type Outcome string

const (
	OutcomeAnswer    Outcome = "answer"
	OutcomeFallback  Outcome = "fallback"
	OutcomeEscalated Outcome = "escalated"
)

// Request is one inbound message from the channel adapter.
type Request struct {
	SessionID   string
	Text        string
	Attachments []attach.Attachment
}

// Reply is the single user-visible outcome of an exchange. Every accepted
// request produces exactly one.
type Reply struct {
	SessionID string          `json:"session_id"`
	SkillID   string          `json:"skill_id,omitempty"`
	Text      string          `json:"text"`
	Outcome   Outcome         `json:"outcome"`
	Cached    bool            `json:"cached,omitempty"`
	Category  faults.Category `json:"category,omitempty"`
}

// Responder delivers exchange output back to the channel. OnFragment,
// when set, switches the exchange to streaming and receives content
// pieces in arrival order before Send delivers the final reply.
type Responder struct {
	OnFragment func(text string) error
	Send       func(Reply) error
}

// Invoker is the slice of the backend connector the bridge needs.
type Invoker interface {
	Invoke(ctx context.Context, req backend.Request) (backend.Reply, error)
	Stream(ctx context.Context, req backend.Request) (<-chan backend.Fragment, error)
	BreakerState() backend.BreakerSnapshot
	CacheLen() int
	Available() bool
}

// Hydrator restores persisted session state when a session first appears.
type Hydrator interface {
	LoadWindow(sessionID string) ([]memory.Message, error)
	LoadArchiveEntries(sessionID string) ([]memory.ArchiveEntry, error)
}

// StatsSink receives periodic bridge snapshots.
type StatsSink interface {
	RecordStats(Stats)
}

// Options configure a Bridge. Zero values fall back to the documented
// defaults.
type Options struct {
	QueueSize       int           // default 50
	ExchangeTimeout time.Duration // default 30s
	SessionTTL      time.Duration // default 1h
	EvictInterval   time.Duration // default 1m
	StatsInterval   time.Duration // default 30s

	Formatter Formatter // default NewFormatter()
	Hydrator  Hydrator  // optional
	Sink      StatsSink // default logs snapshots
}

func (o *Options) fillDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 50
	}
	if o.ExchangeTimeout <= 0 {
		o.ExchangeTimeout = 30 * time.Second
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = time.Hour
	}
	if o.EvictInterval <= 0 {
		o.EvictInterval = time.Minute
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 30 * time.Second
	}
	if o.Formatter == nil {
		o.Formatter = NewFormatter()
	}
	if o.Sink == nil {
		o.Sink = logSink{}
	}
}

type task struct {
	req       Request
	responder Responder
}

type session struct {
	id    string
	queue chan task
	stop  chan struct{}
	state atomic.Int32

	mu          sync.Mutex
	lastSkillID string
	lastActive  time.Time
}

func (s *session) setState(st State) { s.state.Store(int32(st)) }
func (s *session) getState() State   { return State(s.state.Load()) }

func (s *session) lastSkill() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSkillID
}

func (s *session) touch(skillID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skillID != "" {
		s.lastSkillID = skillID
	}
	s.lastActive = now
}

// Bridge owns every session. Channel adapters call Submit; everything
// else happens on per-session workers.
type Bridge struct {
	router     *router.Router
	store      *memory.Store
	composer   *compose.Composer
	connector  Invoker
	classifier *faults.Classifier
	opts       Options
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup

	workerCtx    context.Context
	cancelWorker context.CancelFunc
}

// New wires a Bridge. All collaborators are required except those carried
// in Options.
func New(rt *router.Router, store *memory.Store, comp *compose.Composer, inv Invoker, cls *faults.Classifier, opts Options) *Bridge {
	opts.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		router:       rt,
		store:        store,
		composer:     comp,
		connector:    inv,
		classifier:   cls,
		opts:         opts,
		logger:       slog.Default().With("component", "bridge"),
		sessions:     make(map[string]*session),
		workerCtx:    ctx,
		cancelWorker: cancel,
	}
}

// Submit enqueues a message for its session, creating the session on
// first contact. Returns ErrQueueFull when the session's queue is at
// capacity; the message is then rejected, never silently dropped.
//
// The enqueue happens under the bridge lock. Eviction removes a session
// only while holding the same lock and only when its queue is empty, so
// an accepted task always lands on a session with a live worker.
func (b *Bridge) Submit(req Request, responder Responder) error {
	if req.SessionID == "" {
		return errors.New("session id is required")
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		return errors.New("empty message")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrShuttingDown
	}
	s, ok := b.sessions[req.SessionID]
	if !ok {
		s = b.startSession(req.SessionID)
	}

	select {
	case s.queue <- task{req: req, responder: responder}:
		if s.getState() == StateIdle {
			s.setState(StateQueued)
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// BackpressureNotice is the user-facing text for a rejected message.
func (b *Bridge) BackpressureNotice() string {
	return b.opts.Formatter.Backpressure()
}

// startSession must be called with b.mu held.
func (b *Bridge) startSession(id string) *session {
	b.hydrate(id)

	s := &session{
		id:    id,
		queue: make(chan task, b.opts.QueueSize),
		stop:  make(chan struct{}),
	}
	s.touch("", time.Now())
	b.sessions[id] = s

	b.wg.Add(1)
	go b.worker(s)

	b.logger.Info("session created", "session_id", id)
	return s
}

// hydrate restores persisted state for a session the bridge has not seen
// this process. Failures degrade to an empty session; the user can still
// talk.
func (b *Bridge) hydrate(id string) {
	if b.opts.Hydrator == nil {
		return
	}
	msgs, err := b.opts.Hydrator.LoadWindow(id)
	if err != nil {
		b.classifier.Classify(faults.Tag(faults.Memory,
			fmt.Errorf("loading persisted window: %w", err)), id)
		return
	}
	archives, err := b.opts.Hydrator.LoadArchiveEntries(id)
	if err != nil {
		b.classifier.Classify(faults.Tag(faults.Memory,
			fmt.Errorf("loading persisted archives: %w", err)), id)
		return
	}
	if len(msgs) > 0 || len(archives) > 0 {
		b.store.Hydrate(id, msgs, archives)
		b.logger.Info("session hydrated", "session_id", id,
			"messages", len(msgs), "archives", len(archives))
	}
}

func (b *Bridge) worker(s *session) {
	defer b.wg.Done()
	for {
		select {
		case <-b.workerCtx.Done():
			b.drain(s)
			return
		case <-s.stop:
			b.drain(s)
			return
		case t := <-s.queue:
			b.process(s, t)
			if len(s.queue) == 0 {
				s.setState(StateIdle)
			} else {
				s.setState(StateQueued)
			}
		}
	}
}

// drain answers whatever is still queued when a worker stops. Accepted
// messages are never dropped silently; a shutdown notice is still exactly
// one reply.
func (b *Bridge) drain(s *session) {
	for {
		select {
		case t := <-s.queue:
			b.deliver(t, Reply{
				SessionID: s.id,
				Text:      b.opts.Formatter.Shutdown(),
				Outcome:   OutcomeFallback,
			})
		default:
			return
		}
	}
}

// Run drives eviction and stats publication until ctx is cancelled, then
// stops accepting work and waits for in-flight exchanges to finish.
func (b *Bridge) Run(ctx context.Context) {
	evict := time.NewTicker(b.opts.EvictInterval)
	defer evict.Stop()
	stats := time.NewTicker(b.opts.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case <-evict.C:
			b.evictIdle()
		case <-stats.C:
			b.opts.Sink.RecordStats(b.Stats())
		}
	}
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancelWorker()
	b.wg.Wait()
	b.logger.Info("bridge stopped")
}

// evictIdle tears down sessions past the inactivity TTL. Eviction flushes
// the session's memory one last time before discarding it.
func (b *Bridge) evictIdle() {
	cutoff := time.Now().Add(-b.opts.SessionTTL)

	b.mu.Lock()
	var victims []*session
	for _, s := range b.sessions {
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle && s.getState() == StateIdle && len(s.queue) == 0 {
			victims = append(victims, s)
			delete(b.sessions, s.id)
		}
	}
	b.mu.Unlock()

	for _, s := range victims {
		close(s.stop)
		if err := b.store.Evict(s.id); err != nil {
			b.classifier.Classify(faults.Tag(faults.Memory,
				fmt.Errorf("evicting session memory: %w", err)), s.id)
		}
		b.logger.Info("session evicted", "session_id", s.id)
	}
}

// SessionStats is one row of a stats snapshot.
type SessionStats struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	QueueDepth  int       `json:"queue_depth"`
	LastSkillID string    `json:"last_skill_id,omitempty"`
	LastActive  time.Time `json:"last_active"`
}

// Stats is a point-in-time view of the bridge and its backend.
type Stats struct {
	ActiveSessions   int                     `json:"active_sessions"`
	Sessions         []SessionStats          `json:"sessions"`
	Breaker          backend.BreakerSnapshot `json:"breaker"`
	CacheSize        int                     `json:"cache_size"`
	BackendAvailable bool                    `json:"backend_available"`
	Timestamp        time.Time               `json:"timestamp"`
}

// Stats snapshots the bridge. Safe to call concurrently with traffic.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	st := Stats{
		ActiveSessions:   len(sessions),
		Breaker:          b.connector.BreakerState(),
		CacheSize:        b.connector.CacheLen(),
		BackendAvailable: b.connector.Available(),
		Timestamp:        time.Now().UTC(),
	}
	for _, s := range sessions {
		s.mu.Lock()
		row := SessionStats{
			ID:          s.id,
			State:       s.getState().String(),
			QueueDepth:  len(s.queue),
			LastSkillID: s.lastSkillID,
			LastActive:  s.lastActive,
		}
		s.mu.Unlock()
		st.Sessions = append(st.Sessions, row)
	}
	return st
}

// logSink writes snapshots to the structured log.
type logSink struct{}

func (logSink) RecordStats(st Stats) {
	slog.Info("bridge stats",
		"active_sessions", st.ActiveSessions,
		"breaker_state", st.Breaker.State,
		"cache_size", st.CacheSize,
		"backend_available", st.BackendAvailable,
	)
}
