// Package faults turns raw pipeline errors into a closed taxonomy of
// error records and maps each category to a recovery action. Every
// classification is appended to an audit trail; nothing in this package
// talks to the user directly.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Category is the closed error taxonomy. Classification never produces a
// value outside this set; anything unrecognized is Unknown.
type Category string

const (
	ChannelDelivery   Category = "channel-delivery"
	BackendConnection Category = "backend-connection"
	Timeout           Category = "timeout"
	RateLimit         Category = "rate-limit"
	Processing        Category = "processing"
	Memory            Category = "memory"
	Unknown           Category = "unknown"
)

// Categories lists every category, in a stable order.
func Categories() []Category {
	return []Category{
		ChannelDelivery, BackendConnection, Timeout,
		RateLimit, Processing, Memory, Unknown,
	}
}

// Record is one classified failure. Append-only: records are written to
// the trail at classification time and only the Recovered flag may be
// updated afterwards, via Trail.MarkRecovered.
type Record struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Recovered bool      `json:"recovered"`
}

// Action is what the orchestrator should do about a classified failure.
type Action int

const (
	// ActionRetry defers to the caller's retry budget; pair with
	// Decision.IfExhausted for the post-budget outcome.
	ActionRetry Action = iota

	// ActionFallback replies with a user-safe template instead of an
	// answer. No retry.
	ActionFallback

	// ActionEscalate logs and alerts; the user gets an acknowledgment,
	// never silence.
	ActionEscalate
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionEscalate:
		return "escalate"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of the decision table for one record.
type Decision struct {
	Action Action

	// RetryAfter is the minimum wait before the retry, when the backend
	// dictated one (rate limits). Zero otherwise.
	RetryAfter time.Duration

	// IfExhausted applies when Action is ActionRetry and the retry
	// budget is already spent.
	IfExhausted Action
}

// tagged carries an explicit category through an error chain for failure
// modes the classifier cannot infer from the error type alone (skill
// execution, memory persistence, channel delivery).
type tagged struct {
	category Category
	err      error
}

func (t *tagged) Error() string { return t.err.Error() }
func (t *tagged) Unwrap() error { return t.err }

// Tag wraps err with an explicit category. Classification unwraps the
// outermost tag; type-based inference still wins for nil-safe use.
func Tag(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &tagged{category: category, err: err}
}

func taggedCategory(err error) (Category, bool) {
	var t *tagged
	if errors.As(err, &t) {
		return t.category, true
	}
	return "", false
}
