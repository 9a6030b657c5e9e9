package backend

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// Closed is normal operation; failures increment a counter that
	// resets on success.
	Closed State = iota
	// Open short-circuits all calls until the cooldown elapses.
	Open
	// HalfOpen allows exactly one probe call after cooldown.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSnapshot is a lock-free view of breaker state for stats and logging.
type BreakerSnapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	NextProbeAt   time.Time `json:"next_probe_at,omitzero"`
}

// Breaker is a circuit breaker for one logical backend dependency.
//
// Transitions: Closed -> Open when consecutive failures reach the
// threshold; Open -> HalfOpen when the cooldown elapses (a single probe is
// let through); HalfOpen -> Closed on probe success, HalfOpen -> Open on
// probe failure with the cooldown doubled up to a cap.
//
// Mutation goes through Allow/OnSuccess/OnFailure under a single mutex;
// Snapshot reads an atomic pointer and never blocks callers.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	maxCool   time.Duration

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	nextProbeAt   time.Time
	curCooldown   time.Duration

	snap atomic.Pointer[BreakerSnapshot]

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a Breaker named for its backend dependency.
func NewBreaker(name string, threshold int, cooldown, maxCooldown time.Duration) *Breaker {
	b := &Breaker{
		name:        name,
		threshold:   threshold,
		cooldown:    cooldown,
		maxCool:     maxCooldown,
		curCooldown: cooldown,
		now:         time.Now,
	}
	b.publish()
	return b
}

// Allow reports whether a call may proceed. In the Open state it returns
// false until the cooldown elapses, at which point it transitions to
// HalfOpen and admits exactly one probe call; further calls are rejected
// until that probe settles via OnSuccess or OnFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Before(b.nextProbeAt) {
			return false
		}
		b.state = HalfOpen
		b.publish()
		return true
	case HalfOpen:
		// A probe is already in flight.
		return false
	}
	return false
}

// OnSuccess records a successful call, closing the circuit and resetting
// the failure count and cooldown.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.curCooldown = b.cooldown
	b.publish()
}

// OnFailure records a failed call. In Closed state it opens the circuit
// once the threshold is reached; in HalfOpen it reopens with a doubled
// cooldown, capped at the maximum.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.now()

	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.state = Open
			b.nextProbeAt = b.now().Add(b.curCooldown)
		}
	case HalfOpen:
		b.state = Open
		b.curCooldown = min(b.curCooldown*2, b.maxCool)
		b.nextProbeAt = b.now().Add(b.curCooldown)
	case Open:
		// Short-circuited calls never reach OnFailure; a late failure
		// from an earlier admitted call just extends the window.
		b.nextProbeAt = b.now().Add(b.curCooldown)
	}
	b.publish()
}

// OnPermanentError records a call that failed for reasons that say
// nothing about backend health (bad request, auth). Closed-state failure
// counts are untouched, but a half-open probe must still settle: the
// circuit reopens for another cooldown instead of waiting forever for a
// probe that already finished. The cooldown is not doubled; the backend
// did answer.
func (b *Breaker) OnPermanentError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != HalfOpen {
		return
	}
	b.state = Open
	b.nextProbeAt = b.now().Add(b.curCooldown)
	b.publish()
}

// Snapshot returns the current breaker state without taking the mutex.
func (b *Breaker) Snapshot() BreakerSnapshot {
	return *b.snap.Load()
}

// publish must be called with b.mu held.
func (b *Breaker) publish() {
	s := BreakerSnapshot{
		Name:          b.name,
		State:         b.state.String(),
		Failures:      b.failures,
		LastFailureAt: b.lastFailureAt,
		NextProbeAt:   b.nextProbeAt,
	}
	b.snap.Store(&s)
}
